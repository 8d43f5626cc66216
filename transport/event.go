package transport

import (
	"fmt"

	"github.com/edgedlt/byzzbench"
)

// EventType categorizes transport events.
type EventType int

const (
	// EventMessage is a protocol message between two nodes.
	EventMessage EventType = iota

	// EventClientRequest is a request sent by a client to a replica.
	EventClientRequest

	// EventTimeout fires a timer callback owned by a node.
	EventTimeout

	// EventMutation records that a queued message was mutated.
	EventMutation

	// EventFault records that a network fault was applied.
	EventFault

	// EventReply records a reply delivered to a client.
	EventReply
)

func (t EventType) String() string {
	switch t {
	case EventMessage:
		return "Message"
	case EventClientRequest:
		return "ClientRequest"
	case EventTimeout:
		return "Timeout"
	case EventMutation:
		return "Mutation"
	case EventFault:
		return "Fault"
	case EventReply:
		return "Reply"
	default:
		return "Unknown"
	}
}

// Status is the lifecycle state of an event. Transitions are one-way:
// Queued to Delivered or Queued to Dropped.
type Status int

const (
	// StatusQueued means the event waits for a scheduler decision.
	StatusQueued Status = iota

	// StatusDelivered means the event was dispatched to its recipient.
	StatusDelivered

	// StatusDropped means the event was discarded.
	StatusDropped
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "Queued"
	case StatusDelivered:
		return "Delivered"
	case StatusDropped:
		return "Dropped"
	default:
		return "Unknown"
	}
}

// Event is a unit of work in the transport.
type Event struct {
	ID     byzzbench.EventID
	Type   EventType
	Status Status

	Sender    byzzbench.NodeID
	Recipient byzzbench.NodeID
	Payload   byzzbench.Payload

	// CreatedAt is the logical time the event was enqueued.
	CreatedAt uint64

	// Timeout fields. The owner is both Sender and Recipient.
	Description string
	Duration    uint64
	Deadline    uint64
	callback    func()

	// Mutation and fault records.
	Target byzzbench.EventID
	Fault  string
}

// IsMessage reports whether the event carries a payload between two nodes.
func (e *Event) IsMessage() bool {
	return e.Type == EventMessage || e.Type == EventClientRequest
}

func (e *Event) String() string {
	switch e.Type {
	case EventTimeout:
		return fmt.Sprintf("#%d %s %s owner=%s deadline=%d [%s]",
			e.ID, e.Type, e.Status, e.Recipient, e.Deadline, e.Description)
	case EventMutation, EventFault:
		return fmt.Sprintf("#%d %s target=%d fault=%s", e.ID, e.Type, e.Target, e.Fault)
	default:
		payload := "<nil>"
		if e.Payload != nil {
			payload = e.Payload.Type()
		}
		return fmt.Sprintf("#%d %s %s %s->%s %s",
			e.ID, e.Type, e.Status, e.Sender, e.Recipient, payload)
	}
}

// Hooks are optional callbacks invoked on transport activity.
type Hooks struct {
	// OnEventAdded is called after an event is enqueued.
	OnEventAdded func(e *Event)

	// OnEventDelivered is called before a delivered event is dispatched.
	OnEventDelivered func(e *Event)

	// OnEventDropped is called after an event is dropped.
	OnEventDropped func(e *Event)

	// OnMutation is called after a queued message payload is replaced.
	OnMutation func(target *Event, mutator string)

	// OnFault is called after a fault behaviour is applied. e may be nil
	// for network faults that are not tied to an event.
	OnFault func(faultID string, e *Event)
}
