// Package predicate checks safety and liveness properties over the commit
// logs of a running scenario.
//
// A Detector evaluates a set of predicates after every schedule step and
// records each distinct violation once.
package predicate

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/edgedlt/byzzbench"
	"github.com/edgedlt/byzzbench/commitlog"
)

// Snapshot is the state predicates are evaluated against.
type Snapshot struct {
	// Step is the number of schedule steps taken so far.
	Step int

	// Logs holds every replica's commit log.
	Logs map[byzzbench.NodeID]*commitlog.Log

	// Faulty marks replicas whose logs are not held to the properties.
	Faulty map[byzzbench.NodeID]bool

	// GSTStep is the step at which GST was signalled, or -1.
	GSTStep int

	// Pending reports whether clients still wait for replies.
	Pending bool
}

// Correct returns the IDs of non-faulty replicas, sorted.
func (s Snapshot) Correct() []byzzbench.NodeID {
	ids := make([]byzzbench.NodeID, 0, len(s.Logs))
	for id := range s.Logs {
		if !s.Faulty[id] {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Predicate is a property checked after every step.
type Predicate interface {
	// Name returns the predicate name.
	Name() string

	// Check returns the violations present in s. Reporting the same
	// violation on consecutive steps is fine; the detector deduplicates.
	Check(s Snapshot) []Violation
}

// Violation is a detected property violation.
type Violation struct {
	// Type categorizes the violation.
	Type ViolationType

	// Predicate is the name of the predicate that reported it.
	Predicate string

	// Description is a human-readable summary.
	Description string

	// Node is the replica the violation is attributed to, if any.
	Node byzzbench.NodeID

	// Step is the schedule step at which it was detected.
	Step int

	// Context holds predicate-specific details.
	Context map[string]any

	key string
}

// String renders the violation for reports.
func (v Violation) String() string {
	if v.Node == "" {
		return fmt.Sprintf("[%s] step %d: %s", v.Type, v.Step, v.Description)
	}
	return fmt.Sprintf("[%s] step %d, replica %s: %s", v.Type, v.Step, v.Node, v.Description)
}

// ViolationType categorizes violations.
type ViolationType int

const (
	// ViolationNone is never reported.
	ViolationNone ViolationType = iota

	// ViolationAgreement: correct replicas committed different values at
	// the same position.
	ViolationAgreement

	// ViolationIntegrity: a correct replica committed the same value twice.
	ViolationIntegrity

	// ViolationLiveness: no progress within the grace period after GST.
	ViolationLiveness
)

func (v ViolationType) String() string {
	switch v {
	case ViolationNone:
		return "None"
	case ViolationAgreement:
		return "Agreement"
	case ViolationIntegrity:
		return "Integrity"
	case ViolationLiveness:
		return "Liveness"
	default:
		return fmt.Sprintf("Unknown(%d)", v)
	}
}

// Detector evaluates predicates and accumulates violations.
type Detector struct {
	predicates []Predicate
	seen       map[string]bool
	violations []Violation
	logger     *zap.Logger
}

// NewDetector creates a detector over the given predicates.
func NewDetector(logger *zap.Logger, predicates ...Predicate) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		predicates: predicates,
		seen:       make(map[string]bool),
		logger:     logger,
	}
}

// Check evaluates every predicate against s and returns the violations not
// seen before.
func (d *Detector) Check(s Snapshot) []Violation {
	var fresh []Violation
	for _, p := range d.predicates {
		for _, v := range p.Check(s) {
			key := p.Name() + "/" + v.key
			if d.seen[key] {
				continue
			}
			d.seen[key] = true

			v.Predicate = p.Name()
			v.Step = s.Step
			fresh = append(fresh, v)

			d.logger.Warn("property violated",
				zap.String("predicate", v.Predicate),
				zap.Stringer("type", v.Type),
				zap.String("replica", string(v.Node)),
				zap.Int("step", v.Step),
				zap.String("description", v.Description))
		}
	}
	d.violations = append(d.violations, fresh...)
	return fresh
}

// Violations returns all recorded violations.
func (d *Detector) Violations() []Violation {
	return append([]Violation{}, d.violations...)
}

// HasViolations reports whether any violation was recorded.
func (d *Detector) HasViolations() bool {
	return len(d.violations) > 0
}

// Names returns the predicate names.
func (d *Detector) Names() []string {
	names := make([]string, len(d.predicates))
	for i, p := range d.predicates {
		names[i] = p.Name()
	}
	return names
}

// Default returns the agreement, integrity and bounded liveness predicates.
func Default(grace int) []Predicate {
	return []Predicate{Agreement{}, Integrity{}, NewBoundedLiveness(grace)}
}
