package scheduler

import "github.com/edgedlt/byzzbench/transport"

// FIFO delivers events in the order they were enqueued. Timeouts fire only
// when no message or client request is queued, earliest deadline first.
type FIFO struct{}

// NewFIFO creates a FIFO scheduler.
func NewFIFO() *FIFO { return &FIFO{} }

// Name implements Scheduler.
func (*FIFO) Name() string { return "fifo" }

// Next implements Scheduler.
func (*FIFO) Next(t *transport.Transport) (Decision, bool, error) {
	var next *transport.Event
	if queued := t.Queued(transport.EventMessage, transport.EventClientRequest); len(queued) > 0 {
		next = queued[0]
	} else {
		next = earliestTimeout(t.Queued(transport.EventTimeout))
	}
	if next == nil {
		return Decision{}, false, nil
	}

	d := Decision{Action: ActionDeliver, EventID: next.ID}
	return d, true, t.Deliver(next.ID)
}
