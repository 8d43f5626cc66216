package hotstuff

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgedlt/byzzbench"
	"github.com/edgedlt/byzzbench/transport"
)

type replyClient struct {
	id      byzzbench.NodeID
	replies []byzzbench.Reply
}

func (c *replyClient) ID() byzzbench.NodeID { return c.id }

func (c *replyClient) Initialize() error { return nil }

func (c *replyClient) HandleMessage(_ byzzbench.NodeID, p byzzbench.Payload) error {
	if rep, ok := p.(byzzbench.Reply); ok {
		c.replies = append(c.replies, rep)
	}
	return nil
}

func testConfig(t *testing.T, opts ...byzzbench.ConfigOption) *byzzbench.Config {
	t.Helper()
	opts = append([]byzzbench.ConfigOption{byzzbench.WithProtocol(byzzbench.ProtocolHotStuff)}, opts...)
	cfg, err := byzzbench.NewConfig(opts...)
	require.NoError(t, err)
	return cfg
}

// cluster wires four replicas and one client to a real transport.
func cluster(t *testing.T, opts ...byzzbench.ConfigOption) (*transport.Transport, map[byzzbench.NodeID]*Replica, *replyClient) {
	t.Helper()
	cfg := testConfig(t, opts...)
	tr := transport.New()

	replicas := make(map[byzzbench.NodeID]*Replica)
	for _, id := range cfg.ReplicaIDs() {
		r, err := New(id, cfg.ReplicaIDs(), tr, cfg)
		require.NoError(t, err)
		replicas[id] = r
		tr.AddNode(r)
	}
	for _, id := range cfg.ReplicaIDs() {
		require.NoError(t, replicas[id].Initialize())
	}
	client := &replyClient{id: "client-0"}
	tr.AddClient(client)
	return tr, replicas, client
}

// drain delivers messages in ID order, falling back to the oldest timeout,
// until nothing is queued.
func drain(t *testing.T, tr *transport.Transport, limit int) {
	t.Helper()
	for step := 0; step < limit; step++ {
		queued := tr.Queued(transport.EventMessage, transport.EventClientRequest)
		if len(queued) == 0 {
			queued = tr.Queued(transport.EventTimeout)
		}
		if len(queued) == 0 {
			return
		}
		require.NoError(t, tr.Deliver(queued[0].ID))
	}
	t.Fatalf("still busy after %d steps", limit)
}

// TestNewReplicaValidation tests constructor errors.
func TestNewReplicaValidation(t *testing.T) {
	cfg := testConfig(t)
	tr := transport.New()

	_, err := New("Z", cfg.ReplicaIDs(), tr, cfg)
	assert.True(t, errors.Is(err, byzzbench.ErrConfig))

	_, err = New("A", cfg.ReplicaIDs(), nil, cfg)
	assert.True(t, errors.Is(err, byzzbench.ErrConfig))

	_, err = New("A", cfg.ReplicaIDs(), tr, nil)
	assert.True(t, errors.Is(err, byzzbench.ErrConfig))

	r, err := New("A", cfg.ReplicaIDs(), tr, cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Quorum())
	assert.Equal(t, byzzbench.NodeID("B"), r.Leader(1))
	assert.Equal(t, byzzbench.NodeID("A"), r.Leader(4))
}

// TestReplicaUnknownPayload tests that foreign payloads are internal errors.
func TestReplicaUnknownPayload(t *testing.T) {
	cfg := testConfig(t)
	r, err := New("A", cfg.ReplicaIDs(), transport.New(), cfg)
	require.NoError(t, err)

	err = r.HandleMessage("B", byzzbench.Reply{})
	assert.True(t, errors.Is(err, byzzbench.ErrInternal))
}

// TestEndToEndOneOperation tests that one operation is committed by every
// replica and answered once by each.
func TestEndToEndOneOperation(t *testing.T) {
	tr, replicas, client := cluster(t)
	op := byzzbench.ClientRequest{ClientID: "client-0", Timestamp: 1, Operation: []byte("op")}
	tr.SendClientRequest("client-0", "B", op)

	drain(t, tr, 1000)

	want := EncodeOperation(&op)
	for id, r := range replicas {
		e, ok := r.CommitLog().Get(1)
		require.True(t, ok, "replica %s", id)
		assert.Equal(t, want, e.Value, "replica %s", id)
		assert.Equal(t, 0, r.MempoolLen(), "replica %s", id)
		assert.False(t, r.Disgruntled())
	}

	require.Len(t, client.replies, 4)
	seen := make(map[byzzbench.NodeID]bool)
	for _, rep := range client.replies {
		assert.False(t, seen[rep.ReplicaID], "one reply per replica")
		seen[rep.ReplicaID] = true
		assert.Equal(t, []byte("op"), rep.Result)
	}

	assert.Empty(t, tr.Queued(transport.EventTimeout), "idle replicas arm no view timer")
	for _, e := range tr.Schedule() {
		assert.NotEqual(t, transport.EventTimeout, e.Type, "no view timed out")
	}
}

// TestEndToEndSequentialOperations tests that operations from the mempool
// are committed in order without duplicates.
func TestEndToEndSequentialOperations(t *testing.T) {
	tr, replicas, client := cluster(t)
	for ts := uint64(1); ts <= 3; ts++ {
		tr.SendClientRequest("client-0", "C", byzzbench.ClientRequest{ClientID: "client-0", Timestamp: ts, Operation: []byte{byte(ts)}})
	}

	drain(t, tr, 2000)

	assert.Len(t, client.replies, 12)
	for id, r := range replicas {
		var ops [][]byte
		for _, e := range r.CommitLog().Entries() {
			if !e.Noop() {
				ops = append(ops, e.Value)
			}
		}
		require.Len(t, ops, 3, "replica %s", id)
	}
}

// TestLeaderFailureTriggersNewView tests that an isolated leader is
// replaced through view timeouts and NewView collection.
func TestLeaderFailureTriggersNewView(t *testing.T) {
	tr, replicas, client := cluster(t)
	tr.Router().IsolateNode("B")

	op := byzzbench.ClientRequest{ClientID: "client-0", Timestamp: 1, Operation: []byte("op")}
	tr.SendClientRequest("client-0", "A", op)

	drain(t, tr, 5000)

	for _, id := range []byzzbench.NodeID{"A", "C", "D"} {
		e, ok := replicas[id].CommitLog().Get(1)
		require.True(t, ok, "replica %s", id)
		assert.Equal(t, EncodeOperation(&op), e.Value)
		assert.Greater(t, replicas[id].View(), uint64(1))
	}
	assert.Equal(t, 0, replicas["B"].CommitLog().Len())
	assert.Len(t, client.replies, 3)

	timeouts := 0
	for _, e := range tr.Schedule() {
		if e.Type == transport.EventTimeout {
			timeouts++
		}
	}
	assert.Greater(t, timeouts, 0)
}

// TestProposalValidation tests that malformed proposals are dropped without
// a vote.
func TestProposalValidation(t *testing.T) {
	cfg := testConfig(t)
	tr := transport.New()
	r, err := New("A", cfg.ReplicaIDs(), tr, cfg)
	require.NoError(t, err)

	g := Genesis()
	good := NewBlock(&g, 1, "B", nil, g.Justify)

	tamperedHash := good
	tamperedHash.View = 2

	orphanParent := Block{Hash: Hash{5}, Height: 3, View: 1}
	orphan := NewBlock(&orphanParent, 2, "C", nil, QC{View: 1, Height: 3, Block: orphanParent.Hash, Signers: []byzzbench.NodeID{"A", "B", "C"}})

	weak := NewBlock(&g, 2, "C", nil, QC{View: 1, Height: 0, Block: g.Hash, Signers: []byzzbench.NodeID{"A"}})

	inflated := NewBlock(&g, 2, "C", nil, QC{View: 1, Height: 1000, Block: g.Hash, Signers: []byzzbench.NodeID{"A", "B", "C"}})

	tests := []struct {
		name   string
		sender byzzbench.NodeID
		block  Block
	}{
		{"not the leader", "C", good},
		{"hash mismatch", "C", tamperedHash},
		{"unknown parent", "C", orphan},
		{"justify below quorum", "C", weak},
		{"justify height does not match parent", "C", inflated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, r.HandleMessage(tt.sender, Proposal{Block: tt.block}))
			assert.Empty(t, tr.Queued(transport.EventMessage))
			assert.Equal(t, 1, r.Chain().Len())
		})
	}

	require.NoError(t, r.HandleMessage("B", Proposal{Block: good}))
	votes := tr.Queued(transport.EventMessage)
	require.Len(t, votes, 1)
	assert.Equal(t, byzzbench.NodeID("C"), votes[0].Recipient, "votes go to the next leader")
	assert.Equal(t, good.Hash, votes[0].Payload.(Vote).Block)

	// A second block in the same view is not voted for.
	other := NewBlock(&g, 1, "B", &byzzbench.ClientRequest{ClientID: "client-0", Timestamp: 1}, g.Justify)
	require.NoError(t, r.HandleMessage("B", Proposal{Block: other}))
	assert.Len(t, tr.Queued(transport.EventMessage), 1)
}

// TestNewViewCollection tests that the leader proposes once n-f NewViews
// for its view arrived and it has an operation.
func TestNewViewCollection(t *testing.T) {
	cfg := testConfig(t)
	tr := transport.New()
	r, err := New("C", cfg.ReplicaIDs(), tr, cfg)
	require.NoError(t, err)

	g := Genesis()
	require.NoError(t, r.HandleMessage("client-0", byzzbench.ClientRequest{ClientID: "client-0", Timestamp: 1, Operation: []byte("x")}))
	require.Len(t, tr.Queued(transport.EventMessage), 3, "operation is gossiped")
	require.Len(t, tr.Queued(transport.EventTimeout), 1, "view timer armed")

	require.NoError(t, r.HandleMessage("A", NewView{View: 2, HighQC: g.Justify, ReplicaID: "A"}))
	require.NoError(t, r.HandleMessage("A", NewView{View: 2, HighQC: g.Justify, ReplicaID: "A"}))
	require.NoError(t, r.HandleMessage("B", NewView{View: 2, HighQC: g.Justify, ReplicaID: "D"}), "spoofed sender is dropped")
	assert.Equal(t, 1, r.Pacemaker().NewViews(2))

	require.NoError(t, r.HandleMessage("B", NewView{View: 2, HighQC: g.Justify, ReplicaID: "B"}))
	assert.Equal(t, uint64(1), r.View())

	require.NoError(t, r.HandleMessage("D", NewView{View: 2, HighQC: g.Justify, ReplicaID: "D"}))
	assert.Equal(t, uint64(2), r.View())

	var proposals int
	for _, e := range tr.Queued(transport.EventMessage) {
		if p, ok := e.Payload.(Proposal); ok {
			proposals++
			assert.Equal(t, uint64(2), p.Block.View)
			require.NotNil(t, p.Block.Operation)
		}
	}
	assert.Equal(t, 3, proposals)
	assert.False(t, r.Pacemaker().CanPropose(2), "one proposal per view")
}

// TestViewTimeoutBackoff tests that timeouts double up to the cap and
// commits reset them.
func TestViewTimeoutBackoff(t *testing.T) {
	cfg := testConfig(t, byzzbench.WithViewTimeout(10, 30, 2))
	tr := transport.New()
	r, err := New("A", cfg.ReplicaIDs(), tr, cfg)
	require.NoError(t, err)

	require.NoError(t, r.HandleMessage("client-0", byzzbench.ClientRequest{ClientID: "client-0", Timestamp: 1}))

	var durations []uint64
	for i := 0; i < 3; i++ {
		timeouts := tr.Queued(transport.EventTimeout)
		require.Len(t, timeouts, 1)
		durations = append(durations, timeouts[0].Duration)
		require.NoError(t, tr.Deliver(timeouts[0].ID))
		assert.True(t, r.Disgruntled())
	}
	assert.Equal(t, []uint64{10, 20, 30}, durations)
	assert.Equal(t, uint64(4), r.View())

	var newViews []uint64
	for _, e := range tr.Queued(transport.EventMessage) {
		if nv, ok := e.Payload.(NewView); ok {
			newViews = append(newViews, nv.View)
			assert.Equal(t, r.Leader(nv.View), e.Recipient)
		}
	}
	assert.Equal(t, []uint64{2, 3}, newViews, "the NewView for view 4 is handled locally by A")
}

// TestMutators tests the HotStuff fault catalog.
func TestMutators(t *testing.T) {
	reg := transport.NewMutatorRegistry(Mutators()...)
	g := Genesis()
	b := NewBlock(&g, 1, "B", &byzzbench.ClientRequest{ClientID: "client-0", Timestamp: 1}, g.Justify)
	vote := Vote{View: 1, Height: 1, Block: b.Hash, ReplicaID: "A"}

	m, ok := reg.Get("hotstuff-vote-change-block")
	require.True(t, ok)
	out, err := m.Apply(vote)
	require.NoError(t, err)
	assert.NotEqual(t, b.Hash, out.(Vote).Block)

	m, ok = reg.Get("hotstuff-proposal-drop-operation")
	require.True(t, ok)
	out, err = m.Apply(Proposal{Block: b})
	require.NoError(t, err)
	mutated := out.(Proposal).Block
	assert.Nil(t, mutated.Operation)
	assert.NotEqual(t, mutated.Hash, mutated.ComputeHash(), "mutation breaks the block hash")

	_, err = m.Apply(Proposal{Block: NewBlock(&g, 1, "B", nil, g.Justify)})
	assert.True(t, errors.Is(err, byzzbench.ErrInvalidMessage))

	m, ok = reg.Get("hotstuff-vote-dec-view")
	require.True(t, ok)
	_, err = m.Apply(Vote{})
	assert.True(t, errors.Is(err, byzzbench.ErrInvalidMessage))

	assert.Len(t, reg.For(NewView{}), 1)
}

// TestInflatedQCHeightIgnored tests that a quorum-sized QC claiming a height
// its block does not have neither pins highQC nor stalls commits.
func TestInflatedQCHeightIgnored(t *testing.T) {
	g := Genesis()
	forged := QC{View: 1, Height: 1000, Block: g.Hash, Signers: []byzzbench.NodeID{"A", "C", "D"}}

	tests := []struct {
		name    string
		payload byzzbench.Payload
	}{
		{"new-view", NewView{View: 1, HighQC: forged, ReplicaID: "A"}},
		{"vote", Vote{View: 0, Height: 1000, Block: g.Hash, ReplicaID: "A"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, replicas, client := cluster(t)
			require.NoError(t, replicas["B"].HandleMessage("A", tt.payload))
			assert.Equal(t, uint64(0), replicas["B"].Chain().HighQC().Height)

			op := byzzbench.ClientRequest{ClientID: "client-0", Timestamp: 1, Operation: []byte("op")}
			tr.SendClientRequest("client-0", "B", op)
			drain(t, tr, 1000)

			for id, r := range replicas {
				assert.Equal(t, 1, r.CommitLog().Len(), "replica %s", id)
				assert.NotEqual(t, uint64(1000), r.Chain().HighQC().Height, "replica %s", id)
				assert.Less(t, r.View(), uint64(10), "replica %s", id)
			}
			assert.Len(t, client.replies, 4)
		})
	}
}
