package commitlog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLogAppendInOrder tests that entries are appended in order.
func TestLogAppendInOrder(t *testing.T) {
	l := New()
	assert.Equal(t, uint64(1), l.Next())

	require.NoError(t, l.Add(1, []byte("a")))
	require.NoError(t, l.Add(2, nil))
	require.NoError(t, l.Add(3, []byte("c")))

	assert.Equal(t, 3, l.Len())

	e, ok := l.Get(2)
	require.True(t, ok)
	assert.True(t, e.Noop())

	last, ok := l.Last()
	require.True(t, ok)
	assert.Equal(t, Entry{Seq: 3, Value: []byte("c")}, last)

	_, ok = l.Get(0)
	assert.False(t, ok)
	_, ok = l.Get(4)
	assert.False(t, ok)
}

// TestLogRejectsGapsAndRepeats tests that skipped or repeated positions fail.
func TestLogRejectsGapsAndRepeats(t *testing.T) {
	l := New()
	require.NoError(t, l.Add(1, []byte("a")))

	err := l.Add(1, []byte("a"))
	assert.True(t, errors.Is(err, ErrOutOfOrder))

	err = l.Add(3, []byte("c"))
	assert.True(t, errors.Is(err, ErrOutOfOrder))

	assert.Equal(t, 1, l.Len())
}

// TestLogCopiesValues tests that callers cannot mutate stored entries.
func TestLogCopiesValues(t *testing.T) {
	l := New()
	v := []byte("abc")
	require.NoError(t, l.Add(1, v))
	v[0] = 'x'

	e, _ := l.Get(1)
	assert.Equal(t, []byte("abc"), e.Value)

	entries := l.Entries()
	entries[0].Seq = 99
	e, _ = l.Get(1)
	assert.Equal(t, uint64(1), e.Seq)
}

// TestLogOnAdd tests that callbacks observe every append.
func TestLogOnAdd(t *testing.T) {
	l := New()
	var seen []uint64
	l.OnAdd(func(e Entry) { seen = append(seen, e.Seq) })

	require.NoError(t, l.Add(1, nil))
	require.NoError(t, l.Add(2, nil))
	_ = l.Add(5, nil)

	assert.Equal(t, []uint64{1, 2}, seen)
}

// TestEntryEqual tests entry comparison.
func TestEntryEqual(t *testing.T) {
	assert.True(t, Entry{Seq: 1, Value: []byte("a")}.Equal(Entry{Seq: 1, Value: []byte("a")}))
	assert.False(t, Entry{Seq: 1, Value: []byte("a")}.Equal(Entry{Seq: 2, Value: []byte("a")}))
	assert.False(t, Entry{Seq: 1, Value: []byte("a")}.Equal(Entry{Seq: 1, Value: []byte("b")}))
}
