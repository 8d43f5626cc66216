package hotstuff

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgedlt/byzzbench"
)

// certify returns a QC for b with the given signers.
func certify(b Block, signers ...byzzbench.NodeID) QC {
	if len(signers) == 0 {
		signers = []byzzbench.NodeID{"A", "B", "C"}
	}
	return QC{View: b.View, Height: b.Height, Block: b.Hash, Signers: signers}
}

// extend builds a block on parent in view, justified by a QC for parent.
func extend(c *Chain, parent Block, view uint64, op *byzzbench.ClientRequest) Block {
	justify := parent.Justify
	if parent.Height > 0 {
		justify = certify(parent)
	}
	b := NewBlock(&parent, view, "A", op, justify)
	c.Add(b)
	return b
}

// TestBlockHash tests that the hash covers every field.
func TestBlockHash(t *testing.T) {
	g := Genesis()
	op := &byzzbench.ClientRequest{ClientID: "client-0", Timestamp: 1, Operation: []byte("x")}
	b := NewBlock(&g, 1, "B", op, g.Justify)

	assert.Equal(t, b.Hash, b.ComputeHash())
	assert.Equal(t, uint64(1), b.Height)
	assert.Equal(t, g.Hash, b.Parent)

	mutations := map[string]func(Block) Block{
		"view":      func(x Block) Block { x.View++; return x },
		"proposer":  func(x Block) Block { x.Proposer = "C"; return x },
		"operation": func(x Block) Block { x.Operation = nil; return x },
		"justify":   func(x Block) Block { x.Justify.View++; return x },
	}
	for name, mutate := range mutations {
		m := mutate(b)
		assert.NotEqual(t, b.Hash, m.ComputeHash(), name)
	}
}

// TestChainThreeChainCommit tests that a QC over b'' commits b only when
// b'' → b' → b are direct parents.
func TestChainThreeChainCommit(t *testing.T) {
	c := NewChain()
	g := *c.Get(Genesis().Hash)
	op := &byzzbench.ClientRequest{ClientID: "client-0", Timestamp: 1}

	b1 := extend(c, g, 1, op)
	b2 := extend(c, b1, 2, nil)
	b3 := extend(c, b2, 3, nil)

	committed, err := c.Update(certify(b1))
	require.NoError(t, err)
	assert.Empty(t, committed)
	assert.Equal(t, b1.Hash, c.HighQC().Block)

	committed, err = c.Update(certify(b2))
	require.NoError(t, err)
	assert.Empty(t, committed)
	assert.Equal(t, b1.Hash, c.LockedQC().Block, "lock moves to b'")

	committed, err = c.Update(certify(b3))
	require.NoError(t, err)
	require.Len(t, committed, 1)
	assert.Equal(t, b1.Hash, committed[0].Hash)
	assert.Equal(t, b2.Hash, c.LockedQC().Block)
	assert.Equal(t, b1.Hash, c.Committed().Hash)

	// A stale QC never lowers highQC.
	assert.False(t, c.UpdateHighQC(certify(b1)))
	assert.Equal(t, b3.Hash, c.HighQC().Block)
}

// TestChainCommitsAncestors tests that committing a block commits every
// uncommitted ancestor in height order.
func TestChainCommitsAncestors(t *testing.T) {
	c := NewChain()
	blocks := []Block{*c.Get(Genesis().Hash)}
	for v := uint64(1); v <= 5; v++ {
		blocks = append(blocks, extend(c, blocks[len(blocks)-1], v, nil))
	}

	// The QC for b5 commits b3, and with it b1 and b2.
	committed, err := c.Update(certify(blocks[5]))
	require.NoError(t, err)
	require.Len(t, committed, 3)
	for i, b := range committed {
		assert.Equal(t, uint64(i+1), b.Height)
	}
}

// TestChainConflictingCommit tests that a commit on a fork of the committed
// chain is reported instead of applied.
func TestChainConflictingCommit(t *testing.T) {
	c := NewChain()
	g := *c.Get(Genesis().Hash)

	a1 := extend(c, g, 1, nil)
	a2 := extend(c, a1, 2, nil)
	a3 := extend(c, a2, 3, nil)
	_, err := c.Update(certify(a3))
	require.NoError(t, err)
	require.Equal(t, a1.Hash, c.Committed().Hash)

	f1 := extend(c, g, 4, &byzzbench.ClientRequest{ClientID: "client-0", Timestamp: 9})
	f2 := extend(c, f1, 5, nil)
	f3 := extend(c, f2, 6, nil)
	f4 := extend(c, f3, 7, nil)
	_, err = c.Update(certify(f4))
	assert.True(t, errors.Is(err, byzzbench.ErrByzantine))
	assert.Equal(t, a1.Hash, c.Committed().Hash)
}

// TestChainSafeToVote tests the safe-node rule.
func TestChainSafeToVote(t *testing.T) {
	c := NewChain()
	g := *c.Get(Genesis().Hash)
	b1 := extend(c, g, 1, nil)
	b2 := extend(c, b1, 2, nil)
	_, err := c.Update(certify(b2))
	require.NoError(t, err)
	require.Equal(t, b1.Hash, c.LockedQC().Block)

	onLock := extend(c, b2, 3, nil)
	fork := extend(c, g, 4, nil)
	higher := NewBlock(&b2, 5, "A", nil, certify(b2))
	inflated := fork.Justify
	inflated.Height = 1000
	forged := NewBlock(&g, 6, "A", nil, inflated)

	tests := []struct {
		name      string
		block     Block
		lastVoted uint64
		want      bool
	}{
		{"extends lock", onLock, 2, true},
		{"already voted in view", onLock, 3, false},
		{"fork below lock", fork, 2, false},
		{"justify above lock", higher, 2, true},
		{"inflated justify height", forged, 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.block
			assert.Equal(t, tt.want, c.SafeToVote(&b, tt.lastVoted))
		})
	}
}

// TestChainValidQC tests that QCs are only applied when they certify a stored
// block at its own height.
func TestChainValidQC(t *testing.T) {
	c := NewChain()
	g := *c.Get(Genesis().Hash)
	b1 := extend(c, g, 1, nil)
	b2 := extend(c, b1, 2, nil)

	inflatedGenesis := g.Justify
	inflatedGenesis.View = 1
	inflatedGenesis.Height = 1000
	inflatedGenesis.Signers = []byzzbench.NodeID{"A", "C", "D"}

	inflated := certify(b1)
	inflated.Height = 1000

	tests := []struct {
		name string
		qc   QC
		want bool
	}{
		{"genesis", g.Justify, true},
		{"stored block", certify(b1), true},
		{"inflated genesis height", inflatedGenesis, false},
		{"inflated block height", inflated, false},
		{"lowered block height", QC{View: 2, Height: 1, Block: b2.Hash, Signers: []byzzbench.NodeID{"A", "B", "C"}}, false},
		{"unknown block", QC{View: 1, Height: 1, Block: Hash{9}, Signers: []byzzbench.NodeID{"A", "B", "C"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.ValidQC(tt.qc))
		})
	}

	for _, qc := range []QC{inflatedGenesis, inflated} {
		assert.False(t, c.UpdateHighQC(qc))
		committed, err := c.Update(qc)
		require.NoError(t, err)
		assert.Empty(t, committed)
		assert.Equal(t, g.Hash, c.HighQC().Block, "highQC stays at genesis")
	}

	assert.True(t, c.UpdateHighQC(certify(b1)))
	assert.Equal(t, uint64(1), c.HighQC().Height)
}
