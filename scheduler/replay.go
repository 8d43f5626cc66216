package scheduler

import (
	"fmt"

	"github.com/edgedlt/byzzbench/transport"
)

// Replay re-applies a recorded list of decisions.
type Replay struct {
	decisions []Decision
	registry  *transport.MutatorRegistry
	pos       int
}

// NewReplay creates a scheduler that replays decisions in order. registry
// resolves the mutators named by mutation decisions.
func NewReplay(decisions []Decision, registry *transport.MutatorRegistry) *Replay {
	return &Replay{decisions: decisions, registry: registry}
}

// Name implements Scheduler.
func (*Replay) Name() string { return "replay" }

// Remaining returns the number of decisions not yet replayed.
func (r *Replay) Remaining() int { return len(r.decisions) - r.pos }

// Next implements Scheduler.
func (r *Replay) Next(t *transport.Transport) (Decision, bool, error) {
	if r.pos >= len(r.decisions) {
		return Decision{}, false, nil
	}
	d := r.decisions[r.pos]
	r.pos++

	if e, ok := t.Event(d.EventID); !ok || e.Status != transport.StatusQueued {
		return d, false, fmt.Errorf("%w: step %d: %s is not queued", ErrReplayDiverged, r.pos, d)
	}
	return d, true, Apply(t, r.registry, d)
}
