package hotstuff

import "github.com/edgedlt/byzzbench"

// Chain is a replica's view of the block tree: every accepted block plus
// the highest QC, the locked QC and the last committed block.
type Chain struct {
	blocks    map[Hash]*Block
	highQC    QC
	lockedQC  QC
	committed *Block
}

// NewChain creates a chain holding only the genesis block.
func NewChain() *Chain {
	g := Genesis()
	return &Chain{
		blocks:    map[Hash]*Block{g.Hash: &g},
		highQC:    g.Justify,
		lockedQC:  g.Justify,
		committed: &g,
	}
}

// Add stores a block. Blocks are immutable once stored.
func (c *Chain) Add(b Block) *Block {
	if existing, ok := c.blocks[b.Hash]; ok {
		return existing
	}
	c.blocks[b.Hash] = &b
	return &b
}

// Get returns a stored block or nil.
func (c *Chain) Get(h Hash) *Block {
	return c.blocks[h]
}

// Len returns the number of stored blocks, genesis included.
func (c *Chain) Len() int { return len(c.blocks) }

// HighQC returns the QC certifying the highest known certified block.
func (c *Chain) HighQC() QC { return c.highQC }

// LockedQC returns the lock.
func (c *Chain) LockedQC() QC { return c.lockedQC }

// Committed returns the last committed block.
func (c *Chain) Committed() *Block { return c.committed }

// ValidQC reports whether qc certifies a stored block at that block's
// height.
func (c *Chain) ValidQC(qc QC) bool {
	b := c.blocks[qc.Block]
	return b != nil && b.Height == qc.Height
}

// UpdateHighQC replaces highQC when qc is valid and certifies a block of
// greater height. highQC never moves backwards.
func (c *Chain) UpdateHighQC(qc QC) bool {
	if qc.Height <= c.highQC.Height || !c.ValidQC(qc) {
		return false
	}
	c.highQC = qc
	return true
}

// Extends reports whether descendant equals ancestor or reaches it through
// parent links.
func (c *Chain) Extends(descendant, ancestor Hash) bool {
	for {
		if descendant == ancestor {
			return true
		}
		b := c.blocks[descendant]
		if b == nil || b.Height == 0 {
			return false
		}
		descendant = b.Parent
	}
}

// SafeToVote is the safe-node rule: the block's view is above the last
// voted view, and it either extends the locked block or carries a valid
// justify higher than the lock.
func (c *Chain) SafeToVote(b *Block, lastVoted uint64) bool {
	if b.View <= lastVoted {
		return false
	}
	if c.Extends(b.Hash, c.lockedQC.Block) {
		return true
	}
	return b.Justify.Height > c.lockedQC.Height && c.ValidQC(b.Justify)
}

// Update applies a newly seen QC: it raises highQC, moves the lock and
// returns the blocks that became committed, in height order.
//
// With qc certifying b'', b'' justifying b' and b' justifying b: the lock
// moves to b' when b' is higher than the locked block, and b commits when
// b'' → b' → b are linked by direct parents.
func (c *Chain) Update(qc QC) ([]*Block, error) {
	if !c.ValidQC(qc) {
		return nil, nil
	}
	c.UpdateHighQC(qc)

	b2 := c.blocks[qc.Block]
	if b2 == nil || b2.Height == 0 {
		return nil, nil
	}
	b1 := c.blocks[b2.Justify.Block]
	if b1 == nil {
		return nil, nil
	}
	if b1.Height > c.lockedQC.Height {
		c.lockedQC = b2.Justify
	}
	if b1.Height == 0 {
		return nil, nil
	}
	b0 := c.blocks[b1.Justify.Block]
	if b0 == nil {
		return nil, nil
	}
	if b2.Parent != b1.Hash || b1.Parent != b0.Hash {
		return nil, nil
	}
	return c.commit(b0)
}

// commit marks b and its uncommitted ancestors as committed.
func (c *Chain) commit(b *Block) ([]*Block, error) {
	if b.Height <= c.committed.Height {
		return nil, nil
	}

	var out []*Block
	cur := b
	for cur.Height > c.committed.Height {
		out = append(out, cur)
		parent := c.blocks[cur.Parent]
		if parent == nil {
			return nil, byzzbench.WrapInternalf("block %s at height %d has no stored parent", cur.Hash, cur.Height)
		}
		cur = parent
	}
	if cur.Hash != c.committed.Hash {
		return nil, byzzbench.WrapByzantinef("block %s conflicts with committed block %s at height %d",
			b.Hash, c.committed.Hash, c.committed.Height)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	c.committed = b
	return out, nil
}
