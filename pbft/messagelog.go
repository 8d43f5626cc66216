package pbft

import (
	"bytes"
	"sort"

	"github.com/edgedlt/byzzbench"
)

// LogConfig configures a MessageLog.
type LogConfig struct {
	// BufferThreshold is the number of in-flight tickets at which new
	// requests are buffered instead of ordered.
	BufferThreshold int

	// BufferCapacity bounds the request buffer. Zero means unbounded.
	BufferCapacity int

	// CheckpointInterval is the distance between checkpoints.
	CheckpointInterval uint64

	// WatermarkInterval is the width of the accepted sequence window.
	WatermarkInterval uint64
}

// MessageLog is the per-replica store of tickets, checkpoints and
// view-change votes. It is owned by exactly one replica.
type MessageLog struct {
	config LogConfig

	tickets   map[TicketKey]*Ticket
	completed map[TicketKey]bool
	cache     map[RequestKey]*Ticket
	buffer    []Request

	checkpoints  map[uint64]map[byzzbench.NodeID]Checkpoint
	stableProofs map[uint64][]Checkpoint
	viewChanges  map[uint64]map[byzzbench.NodeID]ViewChange

	low  uint64
	high uint64
}

// NewMessageLog creates an empty log with the watermark window at [0, interval].
func NewMessageLog(config LogConfig) *MessageLog {
	return &MessageLog{
		config:       config,
		tickets:      make(map[TicketKey]*Ticket),
		completed:    make(map[TicketKey]bool),
		cache:        make(map[RequestKey]*Ticket),
		checkpoints:  make(map[uint64]map[byzzbench.NodeID]Checkpoint),
		stableProofs: make(map[uint64][]Checkpoint),
		viewChanges:  make(map[uint64]map[byzzbench.NodeID]ViewChange),
		low:          0,
		high:         config.WatermarkInterval,
	}
}

// Ticket returns the in-flight ticket for (view, seq), or nil.
func (l *MessageLog) Ticket(view, seq uint64) *Ticket {
	return l.tickets[TicketKey{View: view, Seq: seq}]
}

// NewTicket returns the ticket for (view, seq), creating it if needed.
// An existing ticket is never replaced.
func (l *MessageLog) NewTicket(view, seq uint64) *Ticket {
	key := TicketKey{View: view, Seq: seq}
	if t, ok := l.tickets[key]; ok {
		return t
	}
	t := NewTicket(view, seq)
	l.tickets[key] = t
	return t
}

// Tickets returns the in-flight tickets ordered by (view, seq).
func (l *MessageLog) Tickets() []*Ticket {
	out := make([]*Ticket, 0, len(l.tickets))
	for _, t := range l.tickets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	return out
}

// CompleteTicket moves a committed ticket out of the in-flight set. When key
// is non-nil the ticket is cached for reply resends.
func (l *MessageLog) CompleteTicket(key *RequestKey, view, seq uint64) {
	tk := TicketKey{View: view, Seq: seq}
	t, ok := l.tickets[tk]
	if !ok {
		return
	}
	delete(l.tickets, tk)
	l.completed[tk] = true
	if key != nil {
		l.cache[*key] = t
	}
}

// IsCompleted reports whether the ticket for (view, seq) already completed.
func (l *MessageLog) IsCompleted(view, seq uint64) bool {
	return l.completed[TicketKey{View: view, Seq: seq}]
}

// TicketFromCache returns the last completed ticket for a request.
func (l *MessageLog) TicketFromCache(key RequestKey) *Ticket {
	return l.cache[key]
}

// LowWatermark returns the low watermark (last stable checkpoint).
func (l *MessageLog) LowWatermark() uint64 {
	return l.low
}

// HighWatermark returns the high watermark.
func (l *MessageLog) HighWatermark() uint64 {
	return l.high
}

// IsBetweenWaterMarks reports whether low <= seq <= high.
func (l *MessageLog) IsBetweenWaterMarks(seq uint64) bool {
	return seq >= l.low && seq <= l.high
}

// ShouldBuffer reports whether new requests should wait in the buffer.
func (l *MessageLog) ShouldBuffer() bool {
	return len(l.tickets) >= l.config.BufferThreshold
}

// Buffer queues a request. It returns false when the buffer is full.
func (l *MessageLog) Buffer(r Request) bool {
	if l.config.BufferCapacity > 0 && len(l.buffer) >= l.config.BufferCapacity {
		return false
	}
	l.buffer = append(l.buffer, r)
	return true
}

// PopBuffer removes and returns the oldest buffered request.
func (l *MessageLog) PopBuffer() (Request, bool) {
	if len(l.buffer) == 0 {
		return Request{}, false
	}
	r := l.buffer[0]
	l.buffer = l.buffer[1:]
	return r, true
}

// BufferLen returns the number of buffered requests.
func (l *MessageLog) BufferLen() int {
	return len(l.buffer)
}

// AppendCheckpoint records a checkpoint vote. When 2f+1 votes for the same
// sequence number carry the same digest, the checkpoint becomes stable,
// the log is garbage-collected up to it, and true is returned. Votes outside
// the watermark window are ignored.
func (l *MessageLog) AppendCheckpoint(cp Checkpoint, f int) bool {
	if cp.Seq <= l.low || cp.Seq > l.high {
		return false
	}

	votes, ok := l.checkpoints[cp.Seq]
	if !ok {
		votes = make(map[byzzbench.NodeID]Checkpoint)
		l.checkpoints[cp.Seq] = votes
	}
	votes[cp.ReplicaID] = cp

	var proofs []Checkpoint
	for _, v := range votes {
		if bytes.Equal(v.Digest, cp.Digest) {
			proofs = append(proofs, v)
		}
	}
	if len(proofs) < 2*f+1 {
		return false
	}

	sort.Slice(proofs, func(i, j int) bool { return proofs[i].ReplicaID < proofs[j].ReplicaID })
	l.stableProofs[cp.Seq] = proofs
	l.gcCheckpoint(cp.Seq)
	return true
}

// StableProofs returns the proofs of the checkpoint at seq, if stable.
func (l *MessageLog) StableProofs(seq uint64) []Checkpoint {
	return append([]Checkpoint{}, l.stableProofs[seq]...)
}

// gcCheckpoint discards everything at or below a stable checkpoint and
// moves the watermarks. Watermarks never regress.
func (l *MessageLog) gcCheckpoint(seq uint64) {
	if seq <= l.low {
		return
	}

	for k := range l.tickets {
		if k.Seq <= seq {
			delete(l.tickets, k)
		}
	}
	for k := range l.completed {
		if k.Seq < seq {
			delete(l.completed, k)
		}
	}
	for k, t := range l.cache {
		if t.Seq <= seq {
			delete(l.cache, k)
		}
	}
	for s := range l.checkpoints {
		if s <= seq {
			delete(l.checkpoints, s)
		}
	}
	for s := range l.stableProofs {
		if s < seq {
			delete(l.stableProofs, s)
		}
	}

	l.low = seq
	l.high = seq + l.config.WatermarkInterval
}
