// Package hotstuff implements chained HotStuff with a 3-chain commit rule on
// top of the deterministic event transport.
//
// A block extends the block certified by its justify QC. Votes for a block
// of view v are sent to the leader of view v+1, which forms the QC and
// proposes the next block. A block b is committed once a QC certifies b''
// with b'' → b' → b linked by direct parents.
package hotstuff

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/edgedlt/byzzbench"
)

// Hash is a BLAKE2b-256 block hash.
type Hash [32]byte

// String returns the first 8 hex characters for logging.
func (h Hash) String() string {
	return hex.EncodeToString(h[:4])
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Block is a node of the HotStuff block tree.
type Block struct {
	Hash     Hash
	Parent   Hash
	Height   uint64
	View     uint64
	Proposer byzzbench.NodeID

	// Operation is the client operation carried by the block; nil for
	// blocks that only drive earlier ones to commit.
	Operation *byzzbench.ClientRequest

	// Justify certifies the parent block.
	Justify QC
}

// NewBlock creates a block extending the block certified by justify and
// computes its hash.
func NewBlock(parent *Block, view uint64, proposer byzzbench.NodeID, op *byzzbench.ClientRequest, justify QC) Block {
	b := Block{
		Parent:    parent.Hash,
		Height:    parent.Height + 1,
		View:      view,
		Proposer:  proposer,
		Operation: op,
		Justify:   justify,
	}
	b.Hash = b.ComputeHash()
	return b
}

// Genesis returns the genesis block. Its justify QC certifies itself.
func Genesis() Block {
	var b Block
	b.Hash = b.ComputeHash()
	b.Justify = QC{Block: b.Hash}
	return b
}

// ComputeHash hashes every field except Hash itself. The justify QC
// contributes its view, height and certified block.
func (b *Block) ComputeHash() Hash {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, b.Parent[:])
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	buf = protowire.AppendVarint(buf, b.Height)
	buf = protowire.AppendTag(buf, 3, protowire.VarintType)
	buf = protowire.AppendVarint(buf, b.View)
	buf = protowire.AppendTag(buf, 4, protowire.BytesType)
	buf = protowire.AppendString(buf, string(b.Proposer))
	if b.Operation != nil {
		buf = protowire.AppendTag(buf, 5, protowire.BytesType)
		buf = protowire.AppendBytes(buf, EncodeOperation(b.Operation))
	}
	if !b.Justify.Block.IsZero() {
		buf = protowire.AppendTag(buf, 6, protowire.VarintType)
		buf = protowire.AppendVarint(buf, b.Justify.View)
		buf = protowire.AppendTag(buf, 7, protowire.VarintType)
		buf = protowire.AppendVarint(buf, b.Justify.Height)
		buf = protowire.AppendTag(buf, 8, protowire.BytesType)
		buf = protowire.AppendBytes(buf, b.Justify.Block[:])
	}
	return blake2b.Sum256(buf)
}

// EncodeOperation returns the canonical encoding of a client operation, the
// value a committed block contributes to the commit log. A nil operation
// encodes to nil.
func EncodeOperation(op *byzzbench.ClientRequest) []byte {
	if op == nil {
		return nil
	}
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, string(op.ClientID))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, op.Timestamp)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, op.Operation)
	return b
}
