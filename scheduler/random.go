package scheduler

import (
	"math/rand"

	"go.uber.org/zap"

	"github.com/edgedlt/byzzbench/transport"
)

// RandomConfig configures the random scheduler.
type RandomConfig struct {
	// Seed makes the schedule reproducible.
	Seed int64

	// DropProbability is the chance a chosen message is dropped.
	DropProbability float64

	// MutateProbability is the chance a chosen message is mutated before
	// delivery.
	MutateProbability float64

	// MaxDrops bounds the number of dropped messages.
	MaxDrops int

	// MaxMutations bounds the number of mutated messages.
	MaxMutations int

	// Mutators is the catalog mutations are drawn from.
	Mutators *transport.MutatorRegistry

	// Logger for structured logging.
	Logger *zap.Logger
}

// Random picks a random class of event, weighted by each class's share of
// the queue, then a random event of that class. Messages may be dropped or
// mutated within the configured budgets.
type Random struct {
	config RandomConfig
	rng    *rand.Rand

	drops     int
	mutations int
	stable    bool

	logger *zap.Logger
}

// NewRandom creates a random scheduler.
func NewRandom(config RandomConfig) *Random {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Random{
		config: config,
		rng:    rand.New(rand.NewSource(config.Seed)),
		logger: logger,
	}
}

// Name implements Scheduler.
func (*Random) Name() string { return "random" }

// Stabilize implements Stabilizer: no more drops or mutations.
func (r *Random) Stabilize() {
	if !r.stable {
		r.logger.Info("scheduler stabilized",
			zap.Int("drops", r.drops),
			zap.Int("mutations", r.mutations))
	}
	r.stable = true
}

// Drops returns the number of messages dropped so far.
func (r *Random) Drops() int { return r.drops }

// Mutations returns the number of messages mutated so far.
func (r *Random) Mutations() int { return r.mutations }

// Next implements Scheduler.
func (r *Random) Next(t *transport.Transport) (Decision, bool, error) {
	timeouts := t.Queued(transport.EventTimeout)
	messages := t.Queued(transport.EventMessage)
	requests := t.Queued(transport.EventClientRequest)

	total := len(timeouts) + len(messages) + len(requests)
	if total == 0 {
		return Decision{}, false, nil
	}

	roll := r.rng.Intn(total)
	switch {
	case roll < len(timeouts):
		e := timeouts[r.rng.Intn(len(timeouts))]
		return r.deliver(t, e)
	case roll < len(timeouts)+len(messages):
		e := messages[r.rng.Intn(len(messages))]
		return r.message(t, e)
	default:
		e := requests[r.rng.Intn(len(requests))]
		return r.deliver(t, e)
	}
}

func (r *Random) message(t *transport.Transport, e *transport.Event) (Decision, bool, error) {
	if r.stable {
		return r.deliver(t, e)
	}

	if r.drops < r.config.MaxDrops && r.rng.Float64() < r.config.DropProbability {
		r.drops++
		d := Decision{Action: ActionDrop, EventID: e.ID}
		return d, true, t.Drop(e.ID)
	}

	if r.mutations < r.config.MaxMutations && r.config.Mutators != nil &&
		r.rng.Float64() < r.config.MutateProbability {
		candidates := r.config.Mutators.For(e.Payload)
		if len(candidates) > 0 {
			m := candidates[r.rng.Intn(len(candidates))]
			if err := t.ApplyMutation(e.ID, m); err != nil {
				r.logger.Debug("mutation not applicable",
					zap.String("mutator", m.ID),
					zap.Uint64("event", uint64(e.ID)),
					zap.Error(err))
				return r.deliver(t, e)
			}
			r.mutations++
			d := Decision{Action: ActionMutate, EventID: e.ID, MutatorID: m.ID}
			return d, true, t.Deliver(e.ID)
		}
	}

	return r.deliver(t, e)
}

func (r *Random) deliver(t *transport.Transport, e *transport.Event) (Decision, bool, error) {
	d := Decision{Action: ActionDeliver, EventID: e.ID}
	return d, true, t.Deliver(e.ID)
}
