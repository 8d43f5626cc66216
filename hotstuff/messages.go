package hotstuff

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/edgedlt/byzzbench"
)

// Payload type names.
const (
	TypeRequest  = "hotstuff/Request"
	TypeProposal = "hotstuff/Proposal"
	TypeVote     = "hotstuff/Vote"
	TypeNewView  = "hotstuff/NewView"
)

// OpKey identifies a client operation.
type OpKey struct {
	ClientID  byzzbench.NodeID
	Timestamp uint64
}

func keyOf(op *byzzbench.ClientRequest) OpKey {
	return OpKey{ClientID: op.ClientID, Timestamp: op.Timestamp}
}

// QC is a quorum certificate: n-f votes for one block.
type QC struct {
	View   uint64
	Height uint64
	Block  Hash

	// Signers is sorted; Signature is the aggregate of their vote signatures.
	Signers   []byzzbench.NodeID
	Signature []byte
}

// IsGenesis reports whether the QC is the self-certificate of genesis.
func (qc QC) IsGenesis() bool {
	return qc.View == 0 && qc.Height == 0 && len(qc.Signers) == 0
}

// Request gossips a client operation to the other replicas' mempools.
type Request struct {
	Operation byzzbench.ClientRequest
}

// Type implements byzzbench.Payload.
func (Request) Type() string { return TypeRequest }

// Proposal carries a new block from the view's leader.
type Proposal struct {
	Block Block
}

// Type implements byzzbench.Payload.
func (Proposal) Type() string { return TypeProposal }

// Round returns the block's view.
func (p Proposal) Round() uint64 { return p.Block.View }

// WithView returns a copy whose block claims a different view. The block
// hash is left unchanged.
func (p Proposal) WithView(view uint64) Proposal {
	p.Block.View = view
	return p
}

// WithOperation returns a copy whose block carries a different operation.
// The block hash is left unchanged.
func (p Proposal) WithOperation(op *byzzbench.ClientRequest) Proposal {
	p.Block.Operation = op
	return p
}

// Vote is a replica's vote for a block, sent to the next view's leader.
type Vote struct {
	View      uint64
	Height    uint64
	Block     Hash
	ReplicaID byzzbench.NodeID
	Signature []byte
}

// Type implements byzzbench.Payload.
func (Vote) Type() string { return TypeVote }

// Round returns the vote's view.
func (v Vote) Round() uint64 { return v.View }

// WithView returns a copy with a different view.
func (v Vote) WithView(view uint64) Vote {
	v.View = view
	return v
}

// WithBlock returns a copy voting for a different block.
func (v Vote) WithBlock(h Hash) Vote {
	v.Block = h
	return v
}

// SigningBytes returns the bytes a voter signs: view, height and block hash.
func (v Vote) SigningBytes() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, v.View)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, v.Height)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, v.Block[:])
	return b
}

// NewView tells the leader of View that the sender entered it, carrying
// the sender's highest QC.
type NewView struct {
	View      uint64
	HighQC    QC
	ReplicaID byzzbench.NodeID
}

// Type implements byzzbench.Payload.
func (NewView) Type() string { return TypeNewView }

// Round returns the view being entered.
func (nv NewView) Round() uint64 { return nv.View }

// WithView returns a copy for a different view.
func (nv NewView) WithView(view uint64) NewView {
	nv.View = view
	return nv
}
