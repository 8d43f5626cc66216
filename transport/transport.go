// Package transport implements the deterministic event transport that
// drives a simulated scenario.
//
// Every send, timeout and client request becomes an Event with a
// monotonically increasing ID. Nothing is delivered until a caller (a
// scheduler or a test) invokes Deliver or Drop on a queued event; delivery
// calls the recipient's HandleMessage synchronously. Logical time only moves
// when a timeout is delivered, to that timeout's deadline.
package transport

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/edgedlt/byzzbench"
	"github.com/edgedlt/byzzbench/timer"
)

var (
	// ErrEventNotFound indicates an unknown event ID.
	ErrEventNotFound = errors.New("event not found")

	// ErrEventNotQueued indicates an operation on an event that was already
	// delivered or dropped.
	ErrEventNotQueued = errors.New("event not queued")

	// ErrNotMutable indicates a mutation of an event that is not a message,
	// or a mutator that does not accept the payload.
	ErrNotMutable = errors.New("event cannot be mutated")

	// ErrUnknownNode indicates a delivery to a node that was never registered.
	ErrUnknownNode = errors.New("unknown node")

	// ErrFaultNotFound indicates an unknown network fault ID.
	ErrFaultNotFound = errors.New("fault not found")
)

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithHooks sets the activity hooks.
func WithHooks(h Hooks) Option {
	return func(t *Transport) {
		t.hooks = h
	}
}

// Transport is the single-threaded event queue of one scenario.
// It implements byzzbench.Transport for the nodes it drives.
type Transport struct {
	nodes   map[byzzbench.NodeID]byzzbench.Node
	clients map[byzzbench.NodeID]byzzbench.Node

	router *Router
	clock  *timer.LogicalClock

	events   map[byzzbench.EventID]*Event
	nextID   byzzbench.EventID
	schedule []*Event

	automaticFaults []Fault
	networkFaults   map[string]Fault
	faultsEnabled   bool

	hooks  Hooks
	logger *zap.Logger
}

var _ byzzbench.Transport = (*Transport)(nil)

// New creates an empty transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		nodes:         make(map[byzzbench.NodeID]byzzbench.Node),
		clients:       make(map[byzzbench.NodeID]byzzbench.Node),
		router:        NewRouter(),
		clock:         timer.NewLogicalClock(),
		events:        make(map[byzzbench.EventID]*Event),
		nextID:        1,
		networkFaults: make(map[string]Fault),
		faultsEnabled: true,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AddNode registers a replica.
func (t *Transport) AddNode(n byzzbench.Node) {
	t.nodes[n.ID()] = n
}

// AddClient registers a client. Clients receive replies synchronously.
func (t *Transport) AddClient(n byzzbench.Node) {
	t.clients[n.ID()] = n
}

// Node returns a registered replica or client.
func (t *Transport) Node(id byzzbench.NodeID) (byzzbench.Node, bool) {
	if n, ok := t.nodes[id]; ok {
		return n, true
	}
	n, ok := t.clients[id]
	return n, ok
}

// NodeIDs returns the registered replica IDs, sorted.
func (t *Transport) NodeIDs() []byzzbench.NodeID {
	ids := make([]byzzbench.NodeID, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Router returns the partition table.
func (t *Transport) Router() *Router {
	return t.router
}

// Now returns the current logical time.
func (t *Transport) Now() uint64 {
	return t.clock.Now()
}

// Send enqueues a message from sender to recipient.
func (t *Transport) Send(sender, recipient byzzbench.NodeID, payload byzzbench.Payload) {
	t.Multicast(sender, []byzzbench.NodeID{recipient}, payload)
}

// Multicast enqueues one message event per recipient. Messages between
// disconnected nodes are dropped right after they are enqueued.
func (t *Transport) Multicast(sender byzzbench.NodeID, recipients []byzzbench.NodeID, payload byzzbench.Payload) {
	for _, r := range recipients {
		e := t.appendEvent(&Event{
			Type:      EventMessage,
			Sender:    sender,
			Recipient: r,
			Payload:   payload,
		})
		if e.Status == StatusQueued && !t.router.HaveConnectivity(sender, r) {
			t.dropEvent(e)
		}
	}
}

// SendClientRequest enqueues a client request to a replica.
func (t *Transport) SendClientRequest(client, replica byzzbench.NodeID, payload byzzbench.Payload) byzzbench.EventID {
	e := t.appendEvent(&Event{
		Type:      EventClientRequest,
		Sender:    client,
		Recipient: replica,
		Payload:   payload,
	})
	return e.ID
}

// Reply delivers a reply to a client immediately and records it in the schedule.
func (t *Transport) Reply(sender, client byzzbench.NodeID, payload byzzbench.Payload) {
	e := t.appendEvent(&Event{
		Type:      EventReply,
		Sender:    sender,
		Recipient: client,
		Payload:   payload,
	})
	if e.Status != StatusQueued {
		return
	}
	e.Status = StatusDelivered
	t.schedule = append(t.schedule, e)

	c, ok := t.clients[client]
	if !ok {
		t.logger.Debug("reply to unregistered client",
			zap.String("client", string(client)),
			zap.String("replica", string(sender)))
		return
	}
	if err := c.HandleMessage(sender, payload); err != nil {
		t.logger.Warn("client failed to handle reply",
			zap.String("client", string(client)),
			zap.Error(err))
	}
}

// SetTimeout enqueues a timeout event owned by owner.
func (t *Transport) SetTimeout(owner byzzbench.NodeID, ticks uint64, description string, fn func()) byzzbench.EventID {
	e := t.appendEvent(&Event{
		Type:        EventTimeout,
		Sender:      owner,
		Recipient:   owner,
		Description: description,
		Duration:    ticks,
		Deadline:    t.clock.Now() + ticks,
		callback:    fn,
	})
	return e.ID
}

// ClearTimeout removes a queued timeout. Clearing an unknown, fired, or
// foreign timeout is a no-op.
func (t *Transport) ClearTimeout(owner byzzbench.NodeID, id byzzbench.EventID) {
	e, ok := t.events[id]
	if !ok || e.Type != EventTimeout || e.Status != StatusQueued || e.Recipient != owner {
		return
	}
	delete(t.events, id)
}

// ClearReplicaTimeouts removes every queued timeout owned by owner.
func (t *Transport) ClearReplicaTimeouts(owner byzzbench.NodeID) {
	for id, e := range t.events {
		if e.Type == EventTimeout && e.Status == StatusQueued && e.Recipient == owner {
			delete(t.events, id)
		}
	}
}

// Deliver dispatches a queued event. Messages whose endpoints lost
// connectivity since they were sent are dropped instead. The recipient's
// error, if any, is returned.
func (t *Transport) Deliver(id byzzbench.EventID) error {
	e, ok := t.events[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrEventNotFound, id)
	}
	if e.Status != StatusQueued {
		return fmt.Errorf("%w: %d is %s", ErrEventNotQueued, id, e.Status)
	}

	if e.IsMessage() && !t.router.HaveConnectivity(e.Sender, e.Recipient) {
		t.dropEvent(e)
		return nil
	}

	e.Status = StatusDelivered
	t.schedule = append(t.schedule, e)
	if t.hooks.OnEventDelivered != nil {
		t.hooks.OnEventDelivered(e)
	}

	switch e.Type {
	case EventTimeout:
		t.clock.AdvanceTo(e.Deadline)
		if e.callback != nil {
			e.callback()
		}
		return nil

	case EventMessage, EventClientRequest:
		n, ok := t.Node(e.Recipient)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownNode, e.Recipient)
		}
		if err := n.HandleMessage(e.Sender, e.Payload); err != nil {
			return fmt.Errorf("deliver %d to %s: %w", e.ID, e.Recipient, err)
		}
		return nil

	default:
		return fmt.Errorf("%w: event %d has type %s", ErrNotMutable, e.ID, e.Type)
	}
}

// Drop discards a queued event.
func (t *Transport) Drop(id byzzbench.EventID) error {
	e, ok := t.events[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrEventNotFound, id)
	}
	if e.Status != StatusQueued {
		return fmt.Errorf("%w: %d is %s", ErrEventNotQueued, id, e.Status)
	}
	t.dropEvent(e)
	return nil
}

// ApplyMutation replaces the payload of a queued message with the result of
// m and records a mutation event in the schedule.
func (t *Transport) ApplyMutation(id byzzbench.EventID, m Mutator) error {
	e, ok := t.events[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrEventNotFound, id)
	}
	if e.Status != StatusQueued {
		return fmt.Errorf("%w: %d is %s", ErrEventNotQueued, id, e.Status)
	}
	if e.Type != EventMessage || !m.Accepts(e.Payload) {
		return fmt.Errorf("%w: %s on %s", ErrNotMutable, m.ID, e)
	}

	mutated, err := m.Apply(e.Payload)
	if err != nil {
		return fmt.Errorf("mutator %s: %w", m.ID, err)
	}
	e.Payload = mutated

	record := t.newEvent(&Event{
		Type:   EventMutation,
		Status: StatusDelivered,
		Target: id,
		Fault:  m.ID,
	})
	t.schedule = append(t.schedule, record)

	t.logger.Debug("mutated message",
		zap.Uint64("event", uint64(id)),
		zap.String("mutator", m.ID))
	if t.hooks.OnMutation != nil {
		t.hooks.OnMutation(e, m.ID)
	}
	return nil
}

// AddAutomaticFault registers a fault tested against every new event.
func (t *Transport) AddAutomaticFault(f Fault) {
	t.automaticFaults = append(t.automaticFaults, f)
}

// AddNetworkFault registers a fault applied on demand with ApplyFault.
func (t *Transport) AddNetworkFault(f Fault) {
	t.networkFaults[f.ID] = f
}

// NetworkFaults returns the IDs of registered network faults, sorted.
func (t *Transport) NetworkFaults() []string {
	ids := make([]string, 0, len(t.networkFaults))
	for id := range t.networkFaults {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetFaultsEnabled switches automatic faults on or off.
func (t *Transport) SetFaultsEnabled(enabled bool) {
	t.faultsEnabled = enabled
}

// ApplyFault applies a registered network fault and records it in the schedule.
func (t *Transport) ApplyFault(faultID string) error {
	f, ok := t.networkFaults[faultID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrFaultNotFound, faultID)
	}
	ctx := FaultContext{Transport: t}
	if !f.Test(ctx) {
		return nil
	}
	if err := f.Accept(ctx); err != nil {
		return fmt.Errorf("fault %s: %w", faultID, err)
	}

	record := t.newEvent(&Event{
		Type:   EventFault,
		Status: StatusDelivered,
		Fault:  faultID,
	})
	t.schedule = append(t.schedule, record)
	if t.hooks.OnFault != nil {
		t.hooks.OnFault(faultID, nil)
	}
	return nil
}

// Event returns the event with the given ID.
func (t *Transport) Event(id byzzbench.EventID) (*Event, bool) {
	e, ok := t.events[id]
	return e, ok
}

// Events returns every known event ordered by ID.
func (t *Transport) Events() []*Event {
	out := make([]*Event, 0, len(t.events))
	for _, e := range t.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Queued returns the queued events of the given types ordered by ID.
// With no types, all queued events are returned.
func (t *Transport) Queued(types ...EventType) []*Event {
	var out []*Event
	for _, e := range t.events {
		if e.Status != StatusQueued {
			continue
		}
		if len(types) == 0 {
			out = append(out, e)
			continue
		}
		for _, ty := range types {
			if e.Type == ty {
				out = append(out, e)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Schedule returns delivered, dropped, mutation and fault records in the
// order they happened.
func (t *Transport) Schedule() []*Event {
	return append([]*Event{}, t.schedule...)
}

// newEvent assigns the next ID and stores the event.
func (t *Transport) newEvent(e *Event) *Event {
	e.ID = t.nextID
	t.nextID++
	e.CreatedAt = t.clock.Now()
	t.events[e.ID] = e
	return e
}

// appendEvent stores a queued event, notifies hooks, then applies automatic faults.
func (t *Transport) appendEvent(e *Event) *Event {
	e.Status = StatusQueued
	t.newEvent(e)

	if t.hooks.OnEventAdded != nil {
		t.hooks.OnEventAdded(e)
	}

	if !t.faultsEnabled {
		return e
	}
	for _, f := range t.automaticFaults {
		if e.Status != StatusQueued {
			break
		}
		ctx := FaultContext{Transport: t, Event: e}
		if !f.Test(ctx) {
			continue
		}
		if err := f.Accept(ctx); err != nil {
			t.logger.Warn("automatic fault failed",
				zap.String("fault", f.ID),
				zap.Uint64("event", uint64(e.ID)),
				zap.Error(err))
			continue
		}
		if t.hooks.OnFault != nil {
			t.hooks.OnFault(f.ID, e)
		}
	}
	return e
}

func (t *Transport) dropEvent(e *Event) {
	e.Status = StatusDropped
	t.schedule = append(t.schedule, e)
	t.logger.Debug("dropped event", zap.Stringer("event", e))
	if t.hooks.OnEventDropped != nil {
		t.hooks.OnEventDropped(e)
	}
}
