package predicate

import "fmt"

// BoundedLiveness holds when, after GST, correct replicas with pending
// client work commit something at least every Grace steps.
//
// It keeps the step of the last observed progress, so one instance must
// follow a single scenario.
type BoundedLiveness struct {
	Grace int

	total        int
	lastProgress int
}

// NewBoundedLiveness creates the predicate with the given grace period.
func NewBoundedLiveness(grace int) *BoundedLiveness {
	return &BoundedLiveness{Grace: grace, lastProgress: -1}
}

// Name implements Predicate.
func (*BoundedLiveness) Name() string { return "bounded-liveness" }

// Check implements Predicate.
func (b *BoundedLiveness) Check(s Snapshot) []Violation {
	var total int
	for _, id := range s.Correct() {
		total += s.Logs[id].Len()
	}
	if total > b.total {
		b.total = total
		b.lastProgress = s.Step
	}

	if s.GSTStep < 0 || !s.Pending {
		return nil
	}

	since := s.GSTStep
	if b.lastProgress > since {
		since = b.lastProgress
	}
	if s.Step-since <= b.Grace {
		return nil
	}

	return []Violation{{
		Type:        ViolationLiveness,
		Description: fmt.Sprintf("no commit for %d steps after GST", s.Step-since),
		Context: map[string]any{
			"gst_step":      s.GSTStep,
			"last_progress": b.lastProgress,
			"grace":         b.Grace,
		},
		key: fmt.Sprintf("%d", since),
	}}
}
