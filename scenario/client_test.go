package scenario

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgedlt/byzzbench"
	"github.com/edgedlt/byzzbench/transport"
)

func reply(from byzzbench.NodeID, ts uint64, view uint64, result string) byzzbench.Reply {
	return byzzbench.Reply{ReplicaID: from, ClientID: "client-0", Timestamp: ts, View: view, Result: []byte(result)}
}

// TestClientMatchingReplies tests that an operation completes on f+1
// matching replies and the next one goes to the latest leader.
func TestClientMatchingReplies(t *testing.T) {
	cfg := testConfig(t, byzzbench.WithClients(1, 2))
	tr := transport.New()
	c := NewClient("client-0", cfg.ReplicaIDs(), tr, cfg)
	tr.AddClient(c)
	require.NoError(t, c.Initialize())

	queued := tr.Queued(transport.EventClientRequest)
	require.Len(t, queued, 1)
	assert.Equal(t, byzzbench.NodeID("B"), queued[0].Recipient)

	req, ok := c.Request()
	require.True(t, ok)
	assert.Equal(t, uint64(1), req.Timestamp)
	want := string(req.Operation)

	require.NoError(t, c.HandleMessage("A", reply("A", 1, 2, want)))
	require.NoError(t, c.HandleMessage("B", reply("B", 1, 2, "forged")))
	require.NoError(t, c.HandleMessage("A", reply("A", 1, 2, want)))
	assert.Equal(t, 0, c.Completed(), "one replica counts once")

	require.NoError(t, c.HandleMessage("C", reply("C", 0, 2, want)))
	assert.Equal(t, 0, c.Completed(), "stale timestamp is ignored")

	require.NoError(t, c.HandleMessage("D", reply("D", 1, 2, want)))
	assert.Equal(t, 1, c.Completed())

	queued = tr.Queued(transport.EventClientRequest)
	require.Len(t, queued, 2)
	assert.Equal(t, byzzbench.NodeID("C"), queued[1].Recipient, "view 2 leader")
	assert.Len(t, tr.Queued(transport.EventTimeout), 1, "first timer cleared")
}

// TestClientRetransmits tests that the timeout multicasts the request.
func TestClientRetransmits(t *testing.T) {
	cfg := testConfig(t, byzzbench.WithClients(1, 1))
	tr := transport.New()
	c := NewClient("client-0", cfg.ReplicaIDs(), tr, cfg)
	tr.AddClient(c)
	require.NoError(t, c.Initialize())

	timers := tr.Queued(transport.EventTimeout)
	require.Len(t, timers, 1)
	require.NoError(t, tr.Deliver(timers[0].ID))

	assert.Len(t, tr.Queued(transport.EventClientRequest), 5)
	assert.Len(t, tr.Queued(transport.EventTimeout), 1, "timer re-armed")

	require.NoError(t, c.HandleMessage("A", reply("A", 1, 1, "client-0/op-1")))
	require.NoError(t, c.HandleMessage("B", reply("B", 1, 1, "client-0/op-1")))
	assert.True(t, c.Done())
	assert.Empty(t, tr.Queued(transport.EventTimeout))
	_, ok := c.Request()
	assert.False(t, ok)
}

// TestGenerator tests reproducible, valid scenario generation.
func TestGenerator(t *testing.T) {
	config := DefaultGeneratorConfig()
	config.Seed = 9

	a, err := NewGenerator(config).GenerateN(20)
	require.NoError(t, err)
	b, err := NewGenerator(config).GenerateN(20)
	require.NoError(t, err)
	require.Len(t, a, 20)

	seeds := make(map[int64]bool)
	for i := range a {
		assert.Equal(t, a[i].Protocol, b[i].Protocol)
		assert.Equal(t, a[i].Behavior, b[i].Behavior)
		assert.Equal(t, a[i].Seed, b[i].Seed)
		assert.Equal(t, 3*a[i].F()+1, a[i].Replicas)
		assert.GreaterOrEqual(t, a[i].F(), config.MinFaults)
		assert.LessOrEqual(t, a[i].F(), config.MaxFaults)
		seeds[a[i].Seed] = true
	}
	assert.Greater(t, len(seeds), 1)
}
