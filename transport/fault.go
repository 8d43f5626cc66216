package transport

import (
	"fmt"
	"sort"

	"github.com/edgedlt/byzzbench"
)

// RoundPayload is implemented by payloads that belong to a view or round.
type RoundPayload interface {
	Round() uint64
}

// FaultContext is what a fault sees when it is tested and applied.
type FaultContext struct {
	Transport *Transport

	// Event is the event under consideration. Nil for network faults
	// applied outside of an event.
	Event *Event
}

// Predicate decides whether a fault applies.
type Predicate func(ctx FaultContext) bool

// Behavior is the effect of a fault.
type Behavior func(ctx FaultContext) error

// Fault pairs a predicate with a behaviour.
type Fault struct {
	ID        string
	Predicate Predicate
	Behavior  Behavior
}

// Test reports whether the fault applies in ctx. A nil predicate always applies.
func (f Fault) Test(ctx FaultContext) bool {
	return f.Predicate == nil || f.Predicate(ctx)
}

// Accept applies the fault behaviour.
func (f Fault) Accept(ctx FaultContext) error {
	if f.Behavior == nil {
		return nil
	}
	return f.Behavior(ctx)
}

// Mutator rewrites the payload of a queued message.
type Mutator struct {
	// ID is a stable name such as "pbft-preprepare-inc-seq".
	ID string

	// Types lists the payload types the mutator accepts.
	Types []string

	// Apply returns the mutated payload.
	Apply func(p byzzbench.Payload) (byzzbench.Payload, error)
}

// Accepts reports whether the mutator handles payload p.
func (m Mutator) Accepts(p byzzbench.Payload) bool {
	if p == nil {
		return false
	}
	for _, t := range m.Types {
		if t == p.Type() {
			return true
		}
	}
	return false
}

// MutatorRegistry indexes mutators by ID and payload type.
type MutatorRegistry struct {
	byID   map[string]Mutator
	byType map[string][]Mutator
}

// NewMutatorRegistry creates a registry with the given mutators.
func NewMutatorRegistry(mutators ...Mutator) *MutatorRegistry {
	r := &MutatorRegistry{
		byID:   make(map[string]Mutator),
		byType: make(map[string][]Mutator),
	}
	for _, m := range mutators {
		r.Register(m)
	}
	return r
}

// Register adds a mutator, replacing any mutator with the same ID.
func (r *MutatorRegistry) Register(m Mutator) {
	if _, exists := r.byID[m.ID]; exists {
		for _, t := range r.byID[m.ID].Types {
			list := r.byType[t]
			for i := range list {
				if list[i].ID == m.ID {
					r.byType[t] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		}
	}
	r.byID[m.ID] = m
	for _, t := range m.Types {
		r.byType[t] = append(r.byType[t], m)
	}
}

// Get returns the mutator with the given ID.
func (r *MutatorRegistry) Get(id string) (Mutator, bool) {
	m, ok := r.byID[id]
	return m, ok
}

// For returns the mutators applicable to payload p, in registration order.
func (r *MutatorRegistry) For(p byzzbench.Payload) []Mutator {
	if p == nil {
		return nil
	}
	return append([]Mutator{}, r.byType[p.Type()]...)
}

// IDs returns all registered mutator IDs, sorted.
func (r *MutatorRegistry) IDs() []string {
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Predicates

// IsMessage matches message events.
func IsMessage() Predicate {
	return func(ctx FaultContext) bool {
		return ctx.Event != nil && ctx.Event.Type == EventMessage
	}
}

// PayloadType matches message events whose payload has one of the given types.
func PayloadType(types ...string) Predicate {
	return func(ctx FaultContext) bool {
		if ctx.Event == nil || !ctx.Event.IsMessage() || ctx.Event.Payload == nil {
			return false
		}
		for _, t := range types {
			if ctx.Event.Payload.Type() == t {
				return true
			}
		}
		return false
	}
}

// FromSender matches events sent by one of ids.
func FromSender(ids ...byzzbench.NodeID) Predicate {
	return func(ctx FaultContext) bool {
		if ctx.Event == nil {
			return false
		}
		for _, id := range ids {
			if ctx.Event.Sender == id {
				return true
			}
		}
		return false
	}
}

// ToRecipient matches events addressed to one of ids.
func ToRecipient(ids ...byzzbench.NodeID) Predicate {
	return func(ctx FaultContext) bool {
		if ctx.Event == nil {
			return false
		}
		for _, id := range ids {
			if ctx.Event.Recipient == id {
				return true
			}
		}
		return false
	}
}

// InRound matches messages whose payload belongs to the given round.
func InRound(round uint64) Predicate {
	return func(ctx FaultContext) bool {
		if ctx.Event == nil || ctx.Event.Payload == nil {
			return false
		}
		rp, ok := ctx.Event.Payload.(RoundPayload)
		return ok && rp.Round() == round
	}
}

// AcrossPartitions matches messages whose endpoints cannot communicate.
func AcrossPartitions() Predicate {
	return func(ctx FaultContext) bool {
		if ctx.Event == nil || !ctx.Event.IsMessage() {
			return false
		}
		return !ctx.Transport.Router().HaveConnectivity(ctx.Event.Sender, ctx.Event.Recipient)
	}
}

// All matches when every predicate matches.
func All(preds ...Predicate) Predicate {
	return func(ctx FaultContext) bool {
		for _, p := range preds {
			if !p(ctx) {
				return false
			}
		}
		return true
	}
}

// Not inverts a predicate.
func Not(p Predicate) Predicate {
	return func(ctx FaultContext) bool {
		return !p(ctx)
	}
}

// Behaviors

// DropMessage drops the event under consideration.
func DropMessage() Behavior {
	return func(ctx FaultContext) error {
		if ctx.Event == nil {
			return fmt.Errorf("drop fault needs an event")
		}
		return ctx.Transport.Drop(ctx.Event.ID)
	}
}

// MutateMessage applies m to the event under consideration.
func MutateMessage(m Mutator) Behavior {
	return func(ctx FaultContext) error {
		if ctx.Event == nil {
			return fmt.Errorf("mutate fault needs an event")
		}
		return ctx.Transport.ApplyMutation(ctx.Event.ID, m)
	}
}

// MutateAny applies the first registered mutator accepting the payload.
// Payloads without a mutator are left untouched.
func MutateAny(registry *MutatorRegistry) Behavior {
	return func(ctx FaultContext) error {
		if ctx.Event == nil {
			return fmt.Errorf("mutate fault needs an event")
		}
		ms := registry.For(ctx.Event.Payload)
		if len(ms) == 0 {
			return nil
		}
		return ctx.Transport.ApplyMutation(ctx.Event.ID, ms[0])
	}
}

// IsolateNodes partitions ids away from every other node.
func IsolateNodes(ids ...byzzbench.NodeID) Behavior {
	return func(ctx FaultContext) error {
		ctx.Transport.Router().IsolateNodes(ids...)
		return nil
	}
}

// HealNodes moves ids back into the default partition.
func HealNodes(ids ...byzzbench.NodeID) Behavior {
	return func(ctx FaultContext) error {
		for _, id := range ids {
			ctx.Transport.Router().HealNode(id)
		}
		return nil
	}
}

// HealAll removes every partition.
func HealAll() Behavior {
	return func(ctx FaultContext) error {
		ctx.Transport.Router().ResetPartitions()
		return nil
	}
}

// PartitionGroups puts each group into its own partition.
func PartitionGroups(groups ...[]byzzbench.NodeID) Behavior {
	return func(ctx FaultContext) error {
		for _, g := range groups {
			ctx.Transport.Router().IsolateNodes(g...)
		}
		return nil
	}
}
