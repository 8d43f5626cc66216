package hotstuff

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/edgedlt/byzzbench"
	"github.com/edgedlt/byzzbench/timer"
)

// Pacemaker drives view synchronization for one replica.
//
// It owns the view timer, whose duration follows an exponential backoff:
// every timeout multiplies it by the backoff factor (capped), every commit
// resets it to the base. As leader it also tracks the right to propose in a
// view, granted either by a QC formed for the previous view or by n-f
// NewView messages, and consumed by a single proposal.
type Pacemaker struct {
	owner     byzzbench.NodeID
	transport byzzbench.Transport
	backoff   *timer.ExponentialBackoff
	quorum    int

	timeout byzzbench.EventID

	newViews map[uint64]map[byzzbench.NodeID]bool
	allowed  uint64
	proposed uint64

	logger *zap.Logger
}

// NewPacemaker creates a pacemaker whose timeouts are scheduled on transport
// on behalf of owner.
func NewPacemaker(owner byzzbench.NodeID, transport byzzbench.Transport, config timer.BackoffConfig, quorum int, logger *zap.Logger) *Pacemaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pacemaker{
		owner:     owner,
		transport: transport,
		backoff:   timer.NewExponentialBackoff(config),
		quorum:    quorum,
		newViews:  make(map[uint64]map[byzzbench.NodeID]bool),
		logger:    logger,
	}
}

// Start (re)arms the view timer for view; fn runs when it fires.
func (pm *Pacemaker) Start(view uint64, fn func()) {
	pm.Stop()

	ticks := pm.backoff.Current()
	pm.timeout = pm.transport.SetTimeout(pm.owner, ticks, fmt.Sprintf("view %d", view), func() {
		pm.timeout = 0
		fn()
	})

	pm.logger.Debug("pacemaker started",
		zap.Uint64("view", view),
		zap.Uint64("timeout", ticks))
}

// Stop cancels the view timer, if armed.
func (pm *Pacemaker) Stop() {
	if pm.timeout == 0 {
		return
	}
	pm.transport.ClearTimeout(pm.owner, pm.timeout)
	pm.timeout = 0
}

// Armed reports whether a view timer is queued.
func (pm *Pacemaker) Armed() bool { return pm.timeout != 0 }

// OnTimeout grows the timeout after a failed view.
func (pm *Pacemaker) OnTimeout() { pm.backoff.OnTimeout() }

// OnProgress resets the timeout after a commit.
func (pm *Pacemaker) OnProgress() { pm.backoff.OnProgress() }

// Current returns the current view timeout in ticks.
func (pm *Pacemaker) Current() uint64 { return pm.backoff.Current() }

// AddNewView records a NewView for view. It returns true exactly once per
// view, when the number of distinct senders reaches the quorum, and grants
// the right to propose in that view.
func (pm *Pacemaker) AddNewView(view uint64, sender byzzbench.NodeID) bool {
	senders, ok := pm.newViews[view]
	if !ok {
		senders = make(map[byzzbench.NodeID]bool)
		pm.newViews[view] = senders
	}
	if senders[sender] {
		return false
	}
	senders[sender] = true
	if len(senders) != pm.quorum {
		return false
	}
	pm.Allow(view)
	return true
}

// NewViews returns the number of distinct NewView senders for view.
func (pm *Pacemaker) NewViews(view uint64) int { return len(pm.newViews[view]) }

// Allow grants the right to propose in view.
func (pm *Pacemaker) Allow(view uint64) {
	if view > pm.allowed {
		pm.allowed = view
	}
}

// CanPropose reports whether a proposal for view is allowed and not yet made.
func (pm *Pacemaker) CanPropose(view uint64) bool {
	return pm.allowed == view && pm.proposed < view
}

// Proposed consumes the right to propose in view.
func (pm *Pacemaker) Proposed(view uint64) {
	if view > pm.proposed {
		pm.proposed = view
	}
}

// Prune forgets NewView messages for views below view.
func (pm *Pacemaker) Prune(view uint64) {
	for v := range pm.newViews {
		if v < view {
			delete(pm.newViews, v)
		}
	}
}
