// Package scheduler chooses which queued transport event happens next.
//
// A scheduler performs its choice on the transport and returns it as a
// Decision. Recorded decisions can be replayed to reproduce a run exactly.
package scheduler

import (
	"errors"
	"fmt"
	"sort"

	"github.com/edgedlt/byzzbench"
	"github.com/edgedlt/byzzbench/transport"
)

// ErrReplayDiverged indicates a recorded decision no longer applies to the
// transport being replayed.
var ErrReplayDiverged = errors.New("replay diverged")

// Action is what a scheduler did with an event.
type Action int

const (
	// ActionDeliver delivered the event unchanged.
	ActionDeliver Action = iota
	// ActionDrop dropped a queued message.
	ActionDrop
	// ActionMutate mutated a queued message, then delivered it.
	ActionMutate
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionDeliver:
		return "Deliver"
	case ActionDrop:
		return "Drop"
	case ActionMutate:
		return "Mutate"
	default:
		return fmt.Sprintf("Unknown(%d)", a)
	}
}

// Decision is one scheduling step.
type Decision struct {
	Action  Action
	EventID byzzbench.EventID

	// MutatorID names the mutator applied by ActionMutate.
	MutatorID string
}

// String renders the decision for logs and reports.
func (d Decision) String() string {
	if d.Action == ActionMutate {
		return fmt.Sprintf("%s(%d, %s)", d.Action, d.EventID, d.MutatorID)
	}
	return fmt.Sprintf("%s(%d)", d.Action, d.EventID)
}

// Scheduler picks and performs the next step.
type Scheduler interface {
	// Name returns the scheduler name.
	Name() string

	// Next performs one step. It returns false when no event can be
	// scheduled. Errors are returned from the delivered node or from an
	// invalid decision.
	Next(t *transport.Transport) (Decision, bool, error)
}

// Stabilizer is implemented by schedulers that inject faults themselves.
// Stabilize stops those faults from the next step on.
type Stabilizer interface {
	Stabilize()
}

// Apply performs a decision on the transport. Mutations look up their
// mutator in registry.
func Apply(t *transport.Transport, registry *transport.MutatorRegistry, d Decision) error {
	switch d.Action {
	case ActionDeliver:
		return t.Deliver(d.EventID)
	case ActionDrop:
		return t.Drop(d.EventID)
	case ActionMutate:
		if registry == nil {
			return fmt.Errorf("%w: no mutator registry for %s", ErrReplayDiverged, d)
		}
		m, ok := registry.Get(d.MutatorID)
		if !ok {
			return fmt.Errorf("%w: unknown mutator %s", ErrReplayDiverged, d.MutatorID)
		}
		if err := t.ApplyMutation(d.EventID, m); err != nil {
			return err
		}
		return t.Deliver(d.EventID)
	default:
		return byzzbench.WrapInvalidMessagef("unknown action %d", d.Action)
	}
}

// earliestTimeout returns the queued timeout with the earliest deadline,
// ties broken by event ID.
func earliestTimeout(timeouts []*transport.Event) *transport.Event {
	if len(timeouts) == 0 {
		return nil
	}
	sorted := append([]*transport.Event{}, timeouts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Deadline < sorted[j].Deadline
	})
	return sorted[0]
}
