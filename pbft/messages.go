package pbft

import (
	"bytes"

	"github.com/edgedlt/byzzbench"
)

// Payload type names.
const (
	TypeRequest    = "pbft/Request"
	TypePrePrepare = "pbft/PrePrepare"
	TypePrepare    = "pbft/Prepare"
	TypeCommit     = "pbft/Commit"
	TypeCheckpoint = "pbft/Checkpoint"
	TypeViewChange = "pbft/ViewChange"
	TypeNewView    = "pbft/NewView"
)

// RequestKey identifies a client's request independently of the sequence
// number it is eventually assigned.
type RequestKey struct {
	ClientID  byzzbench.NodeID
	Timestamp uint64
}

// Less orders keys by client, then timestamp.
func (k RequestKey) Less(other RequestKey) bool {
	if k.ClientID != other.ClientID {
		return k.ClientID < other.ClientID
	}
	return k.Timestamp < other.Timestamp
}

// TicketKey identifies a ticket by (view, sequence number).
type TicketKey struct {
	View uint64
	Seq  uint64
}

// Less orders keys by view, then sequence number.
func (k TicketKey) Less(other TicketKey) bool {
	if k.View != other.View {
		return k.View < other.View
	}
	return k.Seq < other.Seq
}

// Request is a client operation, either received from the client or
// forwarded by a backup to the primary.
type Request struct {
	ClientID  byzzbench.NodeID
	Timestamp uint64
	Operation []byte
}

// Type implements byzzbench.Payload.
func (Request) Type() string { return TypeRequest }

// Key returns the request key.
func (r Request) Key() RequestKey {
	return RequestKey{ClientID: r.ClientID, Timestamp: r.Timestamp}
}

// Equal reports whether two requests are identical.
func (r Request) Equal(other Request) bool {
	return r.ClientID == other.ClientID && r.Timestamp == other.Timestamp &&
		bytes.Equal(r.Operation, other.Operation)
}

// WithOperation returns a copy with a different operation.
func (r Request) WithOperation(op []byte) Request {
	r.Operation = op
	return r
}

// WithTimestamp returns a copy with a different timestamp.
func (r Request) WithTimestamp(ts uint64) Request {
	r.Timestamp = ts
	return r
}

// PrePrepare assigns a sequence number to a request in a view.
// A nil Request with an empty digest is a null request.
type PrePrepare struct {
	View    uint64
	Seq     uint64
	Digest  []byte
	Request *Request
}

// Type implements byzzbench.Payload.
func (PrePrepare) Type() string { return TypePrePrepare }

// Round returns the view.
func (m PrePrepare) Round() uint64 { return m.View }

// Key returns the ticket key.
func (m PrePrepare) Key() TicketKey { return TicketKey{View: m.View, Seq: m.Seq} }

// IsNull reports whether this pre-prepare carries the null request.
func (m PrePrepare) IsNull() bool { return m.Request == nil }

// WithView returns a copy with a different view.
func (m PrePrepare) WithView(v uint64) PrePrepare { m.View = v; return m }

// WithSeq returns a copy with a different sequence number.
func (m PrePrepare) WithSeq(s uint64) PrePrepare { m.Seq = s; return m }

// WithDigest returns a copy with a different digest.
func (m PrePrepare) WithDigest(d []byte) PrePrepare { m.Digest = d; return m }

// WithRequest returns a copy carrying a different request.
func (m PrePrepare) WithRequest(r *Request) PrePrepare {
	if r != nil {
		c := *r
		r = &c
	}
	m.Request = r
	return m
}

// Prepare is a backup's agreement with a pre-prepare.
type Prepare struct {
	View      uint64
	Seq       uint64
	Digest    []byte
	ReplicaID byzzbench.NodeID
}

// Type implements byzzbench.Payload.
func (Prepare) Type() string { return TypePrepare }

// Round returns the view.
func (m Prepare) Round() uint64 { return m.View }

// Key returns the ticket key.
func (m Prepare) Key() TicketKey { return TicketKey{View: m.View, Seq: m.Seq} }

// WithView returns a copy with a different view.
func (m Prepare) WithView(v uint64) Prepare { m.View = v; return m }

// WithSeq returns a copy with a different sequence number.
func (m Prepare) WithSeq(s uint64) Prepare { m.Seq = s; return m }

// WithDigest returns a copy with a different digest.
func (m Prepare) WithDigest(d []byte) Prepare { m.Digest = d; return m }

// Commit is a replica's commitment once the request is prepared.
type Commit struct {
	View      uint64
	Seq       uint64
	Digest    []byte
	ReplicaID byzzbench.NodeID
}

// Type implements byzzbench.Payload.
func (Commit) Type() string { return TypeCommit }

// Round returns the view.
func (m Commit) Round() uint64 { return m.View }

// Key returns the ticket key.
func (m Commit) Key() TicketKey { return TicketKey{View: m.View, Seq: m.Seq} }

// WithView returns a copy with a different view.
func (m Commit) WithView(v uint64) Commit { m.View = v; return m }

// WithSeq returns a copy with a different sequence number.
func (m Commit) WithSeq(s uint64) Commit { m.Seq = s; return m }

// WithDigest returns a copy with a different digest.
func (m Commit) WithDigest(d []byte) Commit { m.Digest = d; return m }

// Checkpoint is a replica's vote on the state digest at a sequence number.
type Checkpoint struct {
	Seq       uint64
	Digest    []byte
	ReplicaID byzzbench.NodeID
}

// Type implements byzzbench.Payload.
func (Checkpoint) Type() string { return TypeCheckpoint }

// WithSeq returns a copy with a different sequence number.
func (m Checkpoint) WithSeq(s uint64) Checkpoint { m.Seq = s; return m }

// WithDigest returns a copy with a different digest.
func (m Checkpoint) WithDigest(d []byte) Checkpoint { m.Digest = d; return m }

// PreparedProof is a pre-prepare with 2f matching prepares.
type PreparedProof struct {
	PrePrepare PrePrepare
	Prepares   []Prepare
}

// ViewChange is a replica's vote to move to NewView.
type ViewChange struct {
	NewView     uint64
	LastSeq     uint64
	Checkpoints []Checkpoint
	Prepared    []PreparedProof
	ReplicaID   byzzbench.NodeID
}

// Type implements byzzbench.Payload.
func (ViewChange) Type() string { return TypeViewChange }

// Round returns the target view.
func (m ViewChange) Round() uint64 { return m.NewView }

// WithNewView returns a copy voting for a different view.
func (m ViewChange) WithNewView(v uint64) ViewChange { m.NewView = v; return m }

// WithLastSeq returns a copy claiming a different stable checkpoint.
func (m ViewChange) WithLastSeq(s uint64) ViewChange { m.LastSeq = s; return m }

// NewView is the new primary's certificate for entering a view.
type NewView struct {
	NewView     uint64
	ViewChanges []ViewChange
	PrePrepares []PrePrepare
}

// Type implements byzzbench.Payload.
func (NewView) Type() string { return TypeNewView }

// Round returns the new view.
func (m NewView) Round() uint64 { return m.NewView }

// WithNewView returns a copy for a different view.
func (m NewView) WithNewView(v uint64) NewView { m.NewView = v; return m }

// WithPrePrepares returns a copy re-proposing a different set.
func (m NewView) WithPrePrepares(pps []PrePrepare) NewView {
	m.PrePrepares = append([]PrePrepare{}, pps...)
	return m
}
