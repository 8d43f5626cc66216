package store

import (
	"time"

	"go.uber.org/zap"

	"github.com/edgedlt/byzzbench"
	"github.com/edgedlt/byzzbench/codec"
	"github.com/edgedlt/byzzbench/commitlog"
	"github.com/edgedlt/byzzbench/scenario"
	"github.com/edgedlt/byzzbench/scheduler"
	"github.com/edgedlt/byzzbench/transport"
)

// Run is a stored scenario run.
type Run struct {
	ID string

	// Config is the scenario configuration without its logger.
	Config byzzbench.Config

	Scheduler string
	Steps     int
	Completed int
	Expected  int
	CreatedAt time.Time

	// Records is the schedule, one record per decision.
	Records []Record

	CommitLogs map[byzzbench.NodeID][]commitlog.Entry

	// Violations holds the rendered violations.
	Violations []string
}

// Record is one scheduling decision with the event it applied to.
type Record struct {
	Decision  scheduler.Decision
	EventType transport.EventType
	Sender    byzzbench.NodeID
	Recipient byzzbench.NodeID

	// Payload is the codec encoding of the payload as delivered; empty for
	// timeouts.
	Payload []byte
}

// Summary describes a stored run without its schedule.
type Summary struct {
	ID         string
	Protocol   byzzbench.Protocol
	Behavior   byzzbench.Behavior
	Scheduler  string
	Seed       int64
	Steps      int
	Decisions  int
	Violations int
	CreatedAt  time.Time
}

// NewRun captures a finished scenario and its result.
func NewRun(id string, s *scenario.Scenario, res *scenario.Result) (*Run, error) {
	cfg := *s.Config()
	cfg.Logger = nil

	run := &Run{
		ID:         id,
		Config:     cfg,
		Scheduler:  res.Scheduler,
		Steps:      res.Steps,
		Completed:  res.Completed,
		Expected:   res.Expected,
		CreatedAt:  time.Now().UTC(),
		CommitLogs: res.CommitLogs,
	}
	for _, d := range res.Decisions {
		r := Record{Decision: d}
		if e, ok := s.Transport().Event(d.EventID); ok {
			r.EventType = e.Type
			r.Sender = e.Sender
			r.Recipient = e.Recipient
			if e.Payload != nil {
				b, err := codec.Marshal(e.Payload)
				if err != nil {
					return nil, err
				}
				r.Payload = b
			}
		}
		run.Records = append(run.Records, r)
	}
	for _, v := range res.Violations {
		run.Violations = append(run.Violations, v.String())
	}
	return run, nil
}

// Decisions returns the recorded schedule.
func (r *Run) Decisions() []scheduler.Decision {
	out := make([]scheduler.Decision, len(r.Records))
	for i, rec := range r.Records {
		out[i] = rec.Decision
	}
	return out
}

// ScenarioConfig returns a validated copy of the run configuration using
// logger.
func (r *Run) ScenarioConfig(logger *zap.Logger) (*byzzbench.Config, error) {
	cfg := r.Config
	cfg.Logger = logger
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
