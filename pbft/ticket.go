package pbft

import (
	"bytes"
	"sort"

	"github.com/edgedlt/byzzbench"
)

// Phase is the progress of a ticket. Phases only move forward.
type Phase int

const (
	// PhasePrePrepare waits for the request to be prepared.
	PhasePrePrepare Phase = iota

	// PhasePrepare waits for the request to be committed locally.
	PhasePrepare

	// PhaseCommit is terminal: the request was committed.
	PhaseCommit
)

func (p Phase) String() string {
	switch p {
	case PhasePrePrepare:
		return "PrePrepare"
	case PhasePrepare:
		return "Prepare"
	case PhaseCommit:
		return "Commit"
	default:
		return "Unknown"
	}
}

// Ticket accumulates the messages of one (view, sequence number) slot.
type Ticket struct {
	View  uint64
	Seq   uint64
	Phase Phase

	// Request is set from the first Request or PrePrepare appended.
	Request *Request

	// Result is the execution result once the ticket committed.
	Result []byte

	messages   []byzzbench.Payload
	prePrepare *PrePrepare
	prepares   []Prepare
	commits    []Commit
}

// NewTicket creates an empty ticket.
func NewTicket(view, seq uint64) *Ticket {
	return &Ticket{View: view, Seq: seq, Phase: PhasePrePrepare}
}

// Key returns the ticket key.
func (t *Ticket) Key() TicketKey {
	return TicketKey{View: t.View, Seq: t.Seq}
}

// Append records a message. A pre-prepare whose digest conflicts with an
// already recorded one is refused and false is returned; everything else
// is recorded.
func (t *Ticket) Append(msg byzzbench.Payload) bool {
	switch m := msg.(type) {
	case Request:
		if t.Request == nil {
			r := m
			t.Request = &r
		}
	case PrePrepare:
		if t.prePrepare != nil {
			if !bytes.Equal(t.prePrepare.Digest, m.Digest) {
				return false
			}
		} else {
			pp := m
			t.prePrepare = &pp
			if t.Request == nil && m.Request != nil {
				r := *m.Request
				t.Request = &r
			}
		}
	case Prepare:
		t.prepares = append(t.prepares, m)
	case Commit:
		t.commits = append(t.commits, m)
	}
	t.messages = append(t.messages, msg)
	return true
}

// Messages returns the recorded messages in arrival order.
func (t *Ticket) Messages() []byzzbench.Payload {
	return append([]byzzbench.Payload{}, t.messages...)
}

// PrePrepare returns the accepted pre-prepare, if any.
func (t *Ticket) PrePrepare() (PrePrepare, bool) {
	if t.prePrepare == nil {
		return PrePrepare{}, false
	}
	return *t.prePrepare, true
}

// ConflictsWith reports whether an accepted pre-prepare has a different digest.
func (t *Ticket) ConflictsWith(digest []byte) bool {
	return t.prePrepare != nil && !bytes.Equal(t.prePrepare.Digest, digest)
}

// Digest returns the accepted pre-prepare's digest.
func (t *Ticket) Digest() []byte {
	if t.prePrepare == nil {
		return nil
	}
	return t.prePrepare.Digest
}

// matchingPrepares returns one prepare per replica matching the pre-prepare.
func (t *Ticket) matchingPrepares() []Prepare {
	if t.prePrepare == nil {
		return nil
	}
	seen := make(map[byzzbench.NodeID]bool)
	var out []Prepare
	for _, p := range t.prepares {
		if seen[p.ReplicaID] || p.View != t.View || p.Seq != t.Seq || !bytes.Equal(p.Digest, t.prePrepare.Digest) {
			continue
		}
		seen[p.ReplicaID] = true
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReplicaID < out[j].ReplicaID })
	return out
}

// matchingCommits counts distinct replicas whose commit matches the pre-prepare.
func (t *Ticket) matchingCommits() int {
	if t.prePrepare == nil {
		return 0
	}
	seen := make(map[byzzbench.NodeID]bool)
	for _, c := range t.commits {
		if c.View == t.View && c.Seq == t.Seq && bytes.Equal(c.Digest, t.prePrepare.Digest) {
			seen[c.ReplicaID] = true
		}
	}
	return len(seen)
}

// IsPrepared reports whether the ticket holds a pre-prepare and 2f
// matching prepares from distinct replicas.
func (t *Ticket) IsPrepared(f int) bool {
	return t.prePrepare != nil && len(t.matchingPrepares()) >= 2*f
}

// IsCommittedLocal reports whether 2f+1 distinct replicas sent a commit
// matching the accepted pre-prepare.
func (t *Ticket) IsCommittedLocal(f int) bool {
	return t.matchingCommits() >= 2*f+1
}

// CASPhase moves the ticket from expected to next. It returns false, and
// changes nothing, when the ticket is not in the expected phase.
func (t *Ticket) CASPhase(expected, next Phase) bool {
	if t.Phase != expected {
		return false
	}
	t.Phase = next
	return true
}

// PreparedProof returns the pre-prepare and 2f matching prepares.
func (t *Ticket) PreparedProof(f int) (PreparedProof, bool) {
	if !t.IsPrepared(f) {
		return PreparedProof{}, false
	}
	prepares := t.matchingPrepares()
	return PreparedProof{
		PrePrepare: *t.prePrepare,
		Prepares:   prepares[:2*f],
	}, true
}
