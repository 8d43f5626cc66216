package scenario

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/edgedlt/byzzbench"
	"github.com/edgedlt/byzzbench/commitlog"
	"github.com/edgedlt/byzzbench/predicate"
	"github.com/edgedlt/byzzbench/scheduler"
	"github.com/edgedlt/byzzbench/transport"
)

// Result summarizes a finished run.
type Result struct {
	Protocol  byzzbench.Protocol
	Behavior  byzzbench.Behavior
	Scheduler string
	Seed      int64

	// Steps is the number of scheduler decisions taken.
	Steps int

	// Decisions is the recorded schedule, replayable with scheduler.Replay.
	Decisions []scheduler.Decision

	// CommitLogs holds every replica's committed entries.
	CommitLogs map[byzzbench.NodeID][]commitlog.Entry

	// Views holds every replica's final view.
	Views map[byzzbench.NodeID]uint64

	Violations []predicate.Violation

	// Completed and Expected count client operations.
	Completed int
	Expected  int

	Delivered int
	Dropped   int
	Mutations int

	// GSTStep is the step at which GST was signalled, or -1.
	GSTStep int

	// Quiescent reports whether the run ended with nothing left to schedule.
	Quiescent bool
}

// Success reports whether no property was violated.
func (r *Result) Success() bool {
	return len(r.Violations) == 0
}

// NewScheduler builds the scheduler named by cfg.
func NewScheduler(cfg *byzzbench.Config, mutators *transport.MutatorRegistry) (scheduler.Scheduler, error) {
	switch cfg.Scheduler {
	case byzzbench.SchedulerFIFO:
		return scheduler.NewFIFO(), nil
	case byzzbench.SchedulerRandom:
		return scheduler.NewRandom(scheduler.RandomConfig{
			Seed:              cfg.Seed,
			DropProbability:   cfg.DropProbability,
			MutateProbability: cfg.MutateProbability,
			MaxDrops:          cfg.MaxDrops,
			MaxMutations:      cfg.MaxMutations,
			Mutators:          mutators,
			Logger:            cfg.Logger,
		}), nil
	default:
		return nil, byzzbench.WrapConfigf("unsupported scheduler: %s", cfg.Scheduler)
	}
}

// Run starts the scenario if needed and takes scheduler steps until nothing
// is left to schedule, MaxEvents is reached, or ctx is cancelled. Predicates
// are checked after every step. A cancelled run returns its partial result
// along with the context error.
func (s *Scenario) Run(ctx context.Context, sched scheduler.Scheduler) (*Result, error) {
	if err := s.Start(); err != nil {
		return nil, err
	}

	var (
		decisions []scheduler.Decision
		quiescent bool
	)
	for s.step < s.cfg.MaxEvents {
		if err := ctx.Err(); err != nil {
			return s.result(sched, decisions, false), err
		}
		if s.cfg.GSTAfter > 0 && s.step >= s.cfg.GSTAfter {
			if err := s.SignalGST(sched); err != nil {
				return nil, err
			}
		}

		d, ok, err := sched.Next(s.transport)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", s.step, err)
		}
		if !ok {
			// Partitions may be what keeps the queue empty.
			if s.cfg.GSTAfter > 0 && s.gstStep < 0 {
				if err := s.SignalGST(sched); err != nil {
					return nil, err
				}
				continue
			}
			quiescent = true
			break
		}

		s.step++
		decisions = append(decisions, d)
		s.detector.Check(s.Snapshot())
	}

	res := s.result(sched, decisions, quiescent)
	s.logger.Info("scenario finished",
		zap.Int("steps", res.Steps),
		zap.Int("completed", res.Completed),
		zap.Int("expected", res.Expected),
		zap.Int("violations", len(res.Violations)),
		zap.Bool("quiescent", res.Quiescent))
	return res, nil
}

func (s *Scenario) result(sched scheduler.Scheduler, decisions []scheduler.Decision, quiescent bool) *Result {
	res := &Result{
		Protocol:   s.cfg.Protocol,
		Behavior:   s.cfg.Behavior,
		Scheduler:  sched.Name(),
		Seed:       s.cfg.Seed,
		Steps:      s.step,
		Decisions:  decisions,
		CommitLogs: make(map[byzzbench.NodeID][]commitlog.Entry, len(s.replicas)),
		Views:      make(map[byzzbench.NodeID]uint64, len(s.replicas)),
		Violations: s.detector.Violations(),
		Expected:   len(s.clients) * s.cfg.Requests,
		GSTStep:    s.gstStep,
		Quiescent:  quiescent,
	}
	for id, r := range s.replicas {
		res.CommitLogs[id] = r.CommitLog().Entries()
		res.Views[id] = r.View()
	}
	for _, c := range s.clients {
		res.Completed += c.Completed()
	}
	for _, e := range s.transport.Schedule() {
		switch {
		case e.Type == transport.EventMutation:
			res.Mutations++
		case e.Status == transport.StatusDropped:
			res.Dropped++
		case e.Type != transport.EventFault:
			res.Delivered++
		}
	}
	return res
}
