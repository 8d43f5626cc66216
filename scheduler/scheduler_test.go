package scheduler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgedlt/byzzbench"
	"github.com/edgedlt/byzzbench/transport"
)

type ping struct{ N uint64 }

func (ping) Type() string { return "test/Ping" }

// recorder is a node that records what it receives.
type recorder struct {
	id       byzzbench.NodeID
	received []uint64
}

func (r *recorder) ID() byzzbench.NodeID { return r.id }

func (r *recorder) Initialize() error { return nil }

func (r *recorder) HandleMessage(_ byzzbench.NodeID, p byzzbench.Payload) error {
	r.received = append(r.received, p.(ping).N)
	return nil
}

func incMutator() transport.Mutator {
	return transport.Mutator{
		ID:    "ping-inc",
		Types: []string{"test/Ping"},
		Apply: func(p byzzbench.Payload) (byzzbench.Payload, error) {
			return ping{N: p.(ping).N + 100}, nil
		},
	}
}

func setup(messages int) (*transport.Transport, *recorder) {
	tr := transport.New()
	a := &recorder{id: "A"}
	b := &recorder{id: "B"}
	tr.AddNode(a)
	tr.AddNode(b)
	for i := 1; i <= messages; i++ {
		tr.Send("A", "B", ping{N: uint64(i)})
	}
	return tr, b
}

func run(t *testing.T, s Scheduler, tr *transport.Transport) []Decision {
	t.Helper()
	var out []Decision
	for {
		d, ok, err := s.Next(tr)
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, d)
	}
}

// TestFIFO tests that messages go first in order and timeouts fire by deadline.
func TestFIFO(t *testing.T) {
	tr, b := setup(3)

	var fired []string
	tr.SetTimeout("A", 50, "late", func() { fired = append(fired, "late") })
	tr.SetTimeout("A", 10, "early", func() { fired = append(fired, "early") })

	decisions := run(t, NewFIFO(), tr)
	assert.Len(t, decisions, 5)
	assert.Equal(t, []uint64{1, 2, 3}, b.received)
	assert.Equal(t, []string{"early", "late"}, fired)
	assert.Equal(t, uint64(50), tr.Now())
	for _, d := range decisions {
		assert.Equal(t, ActionDeliver, d.Action)
	}
}

// TestRandomIsReproducible tests that the same seed yields the same schedule.
func TestRandomIsReproducible(t *testing.T) {
	config := RandomConfig{
		Seed:              7,
		DropProbability:   0.3,
		MutateProbability: 0.3,
		MaxDrops:          100,
		MaxMutations:      100,
		Mutators:          transport.NewMutatorRegistry(incMutator()),
	}

	tr1, b1 := setup(30)
	d1 := run(t, NewRandom(config), tr1)

	tr2, b2 := setup(30)
	d2 := run(t, NewRandom(config), tr2)

	assert.Equal(t, d1, d2)
	assert.Equal(t, b1.received, b2.received)
	assert.Len(t, d1, 30)

	actions := make(map[Action]int)
	for _, d := range d1 {
		actions[d.Action]++
	}
	assert.Greater(t, actions[ActionDrop], 0)
	assert.Greater(t, actions[ActionMutate], 0)
	assert.Len(t, b1.received, 30-actions[ActionDrop])
}

// TestRandomBudgets tests that drop and mutation budgets are respected and
// that a stabilized scheduler only delivers.
func TestRandomBudgets(t *testing.T) {
	s := NewRandom(RandomConfig{
		Seed:              1,
		DropProbability:   1,
		MaxDrops:          2,
		MutateProbability: 0,
	})
	tr, b := setup(5)

	decisions := run(t, s, tr)
	assert.Equal(t, 2, s.Drops())
	assert.Len(t, decisions, 5)
	assert.Len(t, b.received, 3)

	s = NewRandom(RandomConfig{Seed: 1, DropProbability: 1, MaxDrops: 10})
	s.Stabilize()
	tr, b = setup(4)
	run(t, s, tr)
	assert.Equal(t, 0, s.Drops())
	assert.Len(t, b.received, 4)
}

// TestReplay tests that a recorded schedule reproduces the same deliveries
// and fails loudly when the transport diverges.
func TestReplay(t *testing.T) {
	registry := transport.NewMutatorRegistry(incMutator())
	config := RandomConfig{
		Seed:              3,
		DropProbability:   0.2,
		MutateProbability: 0.3,
		MaxDrops:          10,
		MaxMutations:      10,
		Mutators:          registry,
	}

	tr, b := setup(20)
	recorded := run(t, NewRandom(config), tr)

	replayTr, replayB := setup(20)
	replay := NewReplay(recorded, registry)
	replayed := run(t, replay, replayTr)
	assert.Equal(t, recorded, replayed)
	assert.Equal(t, b.received, replayB.received)
	assert.Equal(t, 0, replay.Remaining())

	diverged, _ := setup(1)
	_, ok, err := NewReplay([]Decision{{Action: ActionDeliver, EventID: 99}}, registry).Next(diverged)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrReplayDiverged))
}

// TestDecisionString tests decision rendering.
func TestDecisionString(t *testing.T) {
	assert.Equal(t, "Deliver(3)", Decision{Action: ActionDeliver, EventID: 3}.String())
	assert.Equal(t, "Mutate(4, ping-inc)", Decision{Action: ActionMutate, EventID: 4, MutatorID: "ping-inc"}.String())
	assert.Equal(t, "Unknown(9)", Action(9).String())
}
