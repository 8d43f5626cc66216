// Package commitlog implements the total-order commit log each replica
// exposes to the state machine. Entries are appended exactly once per
// position, in increasing order, without gaps.
package commitlog

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	// ErrOutOfOrder indicates an append whose position is not the next one.
	ErrOutOfOrder = errors.New("commit out of order")
)

// Entry is one committed operation.
type Entry struct {
	// Seq is the 1-based position in the log (PBFT sequence number or
	// HotStuff block height).
	Seq uint64

	// Value is the committed operation. Nil marks a no-op (null request).
	Value []byte
}

// Equal reports whether two entries hold the same position and value.
func (e Entry) Equal(other Entry) bool {
	return e.Seq == other.Seq && bytes.Equal(e.Value, other.Value)
}

// Noop reports whether the entry is a null operation.
func (e Entry) Noop() bool {
	return e.Value == nil
}

// Log is an append-only, gap-free sequence of entries.
type Log struct {
	entries []Entry
	onAdd   []func(Entry)
}

// New creates an empty log.
func New() *Log {
	return &Log{}
}

// Next returns the position the next Add must use.
func (l *Log) Next() uint64 {
	return uint64(len(l.entries)) + 1
}

// Add appends value at position seq.
func (l *Log) Add(seq uint64, value []byte) error {
	if seq != l.Next() {
		return fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, seq, l.Next())
	}

	var v []byte
	if value != nil {
		v = append([]byte{}, value...)
	}
	e := Entry{Seq: seq, Value: v}
	l.entries = append(l.entries, e)

	for _, fn := range l.onAdd {
		fn(e)
	}
	return nil
}

// OnAdd registers a callback invoked after every successful Add.
func (l *Log) OnAdd(fn func(Entry)) {
	l.onAdd = append(l.onAdd, fn)
}

// Len returns the number of entries.
func (l *Log) Len() int {
	return len(l.entries)
}

// Get returns the entry at position seq.
func (l *Log) Get(seq uint64) (Entry, bool) {
	if seq == 0 || seq > uint64(len(l.entries)) {
		return Entry{}, false
	}
	return l.entries[seq-1], true
}

// Last returns the most recent entry.
func (l *Log) Last() (Entry, bool) {
	if len(l.entries) == 0 {
		return Entry{}, false
	}
	return l.entries[len(l.entries)-1], true
}

// Entries returns a copy of all entries.
func (l *Log) Entries() []Entry {
	return append([]Entry{}, l.entries...)
}
