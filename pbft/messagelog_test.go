package pbft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgedlt/byzzbench"
)

func testLog() *MessageLog {
	return NewMessageLog(LogConfig{
		BufferThreshold:    2,
		BufferCapacity:     2,
		CheckpointInterval: 10,
		WatermarkInterval:  200,
	})
}

// TestMessageLogTickets tests idempotent ticket creation and completion.
func TestMessageLogTickets(t *testing.T) {
	l := testLog()

	a := l.NewTicket(1, 1)
	b := l.NewTicket(1, 1)
	assert.Same(t, a, b)
	assert.Nil(t, l.Ticket(1, 2))

	l.NewTicket(1, 2)
	l.NewTicket(2, 1)
	keys := make([]TicketKey, 0)
	for _, tk := range l.Tickets() {
		keys = append(keys, tk.Key())
	}
	assert.Equal(t, []TicketKey{{1, 1}, {1, 2}, {2, 1}}, keys)

	key := RequestKey{ClientID: "client-0", Timestamp: 1}
	l.CompleteTicket(&key, 1, 1)
	assert.Nil(t, l.Ticket(1, 1))
	assert.True(t, l.IsCompleted(1, 1))
	assert.Same(t, a, l.TicketFromCache(key))
	assert.Nil(t, l.TicketFromCache(RequestKey{ClientID: "client-0", Timestamp: 2}))
}

// TestMessageLogWatermarks tests the accepted sequence window.
func TestMessageLogWatermarks(t *testing.T) {
	l := testLog()

	tests := []struct {
		seq  uint64
		want bool
	}{
		{0, true},
		{1, true},
		{200, true},
		{201, false},
		{10_000, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, l.IsBetweenWaterMarks(tt.seq), "seq %d", tt.seq)
	}
}

// TestMessageLogBuffer tests the threshold and the bounded FIFO buffer.
func TestMessageLogBuffer(t *testing.T) {
	l := testLog()
	assert.False(t, l.ShouldBuffer())

	l.NewTicket(1, 1)
	l.NewTicket(1, 2)
	assert.True(t, l.ShouldBuffer())

	assert.True(t, l.Buffer(testRequest(1)))
	assert.True(t, l.Buffer(testRequest(2)))
	assert.False(t, l.Buffer(testRequest(3)), "buffer is full")
	assert.Equal(t, 2, l.BufferLen())

	r, ok := l.PopBuffer()
	require.True(t, ok)
	assert.Equal(t, uint64(1), r.Timestamp)
	r, ok = l.PopBuffer()
	require.True(t, ok)
	assert.Equal(t, uint64(2), r.Timestamp)
	_, ok = l.PopBuffer()
	assert.False(t, ok)
}

// TestMessageLogCheckpointStability tests that 2f+1 matching checkpoints
// make a checkpoint stable, advance the watermarks and collect garbage.
func TestMessageLogCheckpointStability(t *testing.T) {
	l := testLog()
	const f = 1

	for seq := uint64(90); seq <= 105; seq++ {
		l.NewTicket(1, seq)
	}
	key := RequestKey{ClientID: "client-0", Timestamp: 7}
	l.CompleteTicket(&key, 1, 95)

	digest := []byte("state-100")
	assert.False(t, l.AppendCheckpoint(Checkpoint{Seq: 100, Digest: digest, ReplicaID: "A"}, f))
	assert.False(t, l.AppendCheckpoint(Checkpoint{Seq: 100, Digest: []byte("bad"), ReplicaID: "B"}, f))
	assert.False(t, l.AppendCheckpoint(Checkpoint{Seq: 100, Digest: digest, ReplicaID: "C"}, f))
	assert.Equal(t, uint64(0), l.LowWatermark())

	assert.True(t, l.AppendCheckpoint(Checkpoint{Seq: 100, Digest: digest, ReplicaID: "D"}, f))
	assert.Equal(t, uint64(100), l.LowWatermark())
	assert.Equal(t, uint64(300), l.HighWatermark())

	for seq := uint64(90); seq <= 100; seq++ {
		assert.Nil(t, l.Ticket(1, seq), "ticket %d should be collected", seq)
	}
	for seq := uint64(101); seq <= 105; seq++ {
		assert.NotNil(t, l.Ticket(1, seq), "ticket %d should survive", seq)
	}
	assert.Nil(t, l.TicketFromCache(key))

	proofs := l.StableProofs(100)
	require.Len(t, proofs, 3)
	assert.Equal(t, byzzbench.NodeID("A"), proofs[0].ReplicaID)

	// Old and repeated checkpoints never move the watermarks back.
	assert.False(t, l.AppendCheckpoint(Checkpoint{Seq: 90, Digest: digest, ReplicaID: "A"}, f))
	assert.False(t, l.AppendCheckpoint(Checkpoint{Seq: 100, Digest: digest, ReplicaID: "B"}, f))
	assert.Equal(t, uint64(100), l.LowWatermark())
	assert.False(t, l.IsBetweenWaterMarks(99))
	assert.True(t, l.IsBetweenWaterMarks(300))
}

// TestMessageLogCheckpointOutsideWindow tests that checkpoint votes above
// the high watermark are not stored.
func TestMessageLogCheckpointOutsideWindow(t *testing.T) {
	l := testLog()
	const f = 1

	for _, id := range []byzzbench.NodeID{"A", "B", "C"} {
		assert.False(t, l.AppendCheckpoint(Checkpoint{Seq: 210, Digest: []byte("s210"), ReplicaID: id}, f))
		assert.False(t, l.AppendCheckpoint(Checkpoint{Seq: 1 << 40, Digest: []byte("far"), ReplicaID: id}, f))
	}
	assert.Empty(t, l.checkpoints)
	assert.Equal(t, uint64(0), l.LowWatermark())

	for _, id := range []byzzbench.NodeID{"A", "B", "C"} {
		l.AppendCheckpoint(Checkpoint{Seq: 200, Digest: []byte("s200"), ReplicaID: id}, f)
	}
	assert.Equal(t, uint64(200), l.LowWatermark())
}
