// Package campaign runs many independent scenarios in parallel and
// summarizes their outcomes.
package campaign

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgedlt/byzzbench"
	"github.com/edgedlt/byzzbench/scenario"
)

// Outcome is the result of one scenario of a campaign.
type Outcome struct {
	Index    int
	Config   *byzzbench.Config
	Result   *scenario.Result
	Err      error
	Duration time.Duration
}

// newScenario builds the scenario for one run. Tests replace it.
var newScenario = scenario.New

// Options configures a campaign.
type Options struct {
	// Workers bounds the number of scenarios running at once. Zero means one.
	Workers int

	// OnOutcome, if set, is called once per finished scenario. Calls are
	// serialized.
	OnOutcome func(o Outcome, s *scenario.Scenario)

	Logger *zap.Logger
}

// Run executes every configuration on its own goroutine-owned scenario and
// aggregates the outcomes. A failing scenario is recorded in its outcome and
// does not stop the others. Cancelling ctx stops scenarios that have not
// started and interrupts running ones.
func Run(ctx context.Context, cfgs []*byzzbench.Config, opts Options) (*Summary, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	start := time.Now()
	jobs := make(chan int)
	outcomes := make([]Outcome, len(cfgs))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				o, s := runOne(ctx, logger, i, cfgs[i])

				mu.Lock()
				outcomes[i] = o
				if opts.OnOutcome != nil {
					opts.OnOutcome(o, s)
				}
				mu.Unlock()

				if o.Err != nil {
					logger.Warn("scenario failed", zap.Int("index", i), zap.Error(o.Err))
				} else {
					logger.Debug("scenario finished",
						zap.Int("index", i),
						zap.Int("steps", o.Result.Steps),
						zap.Int("violations", len(o.Result.Violations)),
						zap.Duration("duration", o.Duration))
				}
			}
		}()
	}

feed:
	for i := range cfgs {
		select {
		case jobs <- i:
		case <-ctx.Done():
			for j := i; j < len(cfgs); j++ {
				outcomes[j] = Outcome{Index: j, Config: cfgs[j], Err: ctx.Err()}
			}
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	summary := Summarize(outcomes)
	summary.Duration = time.Since(start)
	logger.Info("campaign finished",
		zap.Int("runs", summary.Runs),
		zap.Int("failed", summary.Failed),
		zap.Int("violating", summary.Violating),
		zap.Duration("duration", summary.Duration))
	return summary, ctx.Err()
}

// runOne executes one scenario. A panic inside it becomes an internal error
// on the outcome so the worker survives.
func runOne(ctx context.Context, logger *zap.Logger, i int, cfg *byzzbench.Config) (o Outcome, s *scenario.Scenario) {
	o = Outcome{Index: i, Config: cfg}
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("scenario panicked",
				zap.Int("index", i),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
			o.Result = nil
			o.Err = byzzbench.WrapInternalf("scenario %d panicked: %v", i, rec)
		}
		o.Duration = time.Since(start)
	}()

	s, err := newScenario(cfg)
	if err != nil {
		o.Err = fmt.Errorf("scenario %d: %w", i, err)
		return o, nil
	}
	sched, err := scenario.NewScheduler(cfg, s.MutatorRegistry())
	if err != nil {
		o.Err = fmt.Errorf("scenario %d: %w", i, err)
		return o, s
	}
	o.Result, o.Err = s.Run(ctx, sched)
	return o, s
}
