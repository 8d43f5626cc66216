// Package timer provides logical-time primitives for simulated replicas.
//
// Provides three building blocks:
// 1. LogicalClock - Monotonic tick counter advanced by the transport
// 2. LinearBackoff - PBFT view-change escalation (fixed step per level)
// 3. ExponentialBackoff - HotStuff pacemaker timeout growth
//
// None of them start goroutines or read the wall clock; the transport turns
// a deadline into a timeout event and fires it when a scheduler delivers it.
package timer

// Clock reports logical time in ticks.
type Clock interface {
	Now() uint64
}

// LogicalClock is a Clock that only moves when told to.
type LogicalClock struct {
	now uint64
}

// NewLogicalClock creates a clock at tick zero.
func NewLogicalClock() *LogicalClock {
	return &LogicalClock{}
}

// Now returns the current tick.
func (c *LogicalClock) Now() uint64 {
	return c.now
}

// AdvanceTo moves the clock forward to t. Earlier values are ignored.
func (c *LogicalClock) AdvanceTo(t uint64) {
	if t > c.now {
		c.now = t
	}
}

// Advance moves the clock forward by d ticks.
func (c *LogicalClock) Advance(d uint64) {
	c.now += d
}

// LinearBackoff tracks the view-change escalation of one outstanding request.
//
// Each expiry moves the target view one step further and extends the
// timeout by the initial duration. After an expiry the backoff waits for
// votes: it will not expire again until BeginNextTimer is called, which
// happens once a quorum of view-change votes for the current target exists.
type LinearBackoff struct {
	initialTimeout  uint64
	timeout         uint64
	start           uint64
	newViewNumber   uint64
	waitingForVotes bool
}

// NewLinearBackoff creates a backoff for a request seen in view curView at tick now.
func NewLinearBackoff(curView, timeout, now uint64) *LinearBackoff {
	return &LinearBackoff{
		initialTimeout: timeout,
		timeout:        timeout,
		start:          now,
		newViewNumber:  curView + 1,
	}
}

// NewViewNumber returns the view this backoff will vote for on expiry.
func (b *LinearBackoff) NewViewNumber() uint64 {
	return b.newViewNumber
}

// Timeout returns the current timeout duration.
func (b *LinearBackoff) Timeout() uint64 {
	return b.timeout
}

// InitialTimeout returns the configured base duration.
func (b *LinearBackoff) InitialTimeout() uint64 {
	return b.initialTimeout
}

// WaitingForVotes reports whether the backoff expired and is waiting for a vote quorum.
func (b *LinearBackoff) WaitingForVotes() bool {
	return b.waitingForVotes
}

// Elapsed returns the ticks since the timer (re)started.
func (b *LinearBackoff) Elapsed(now uint64) uint64 {
	if now < b.start {
		return 0
	}
	return now - b.start
}

// Remaining returns the ticks left before expiry; zero or negative means expired.
func (b *LinearBackoff) Remaining(now uint64) int64 {
	return int64(b.timeout) - int64(b.Elapsed(now))
}

// Expire escalates to the next view and waits for votes.
func (b *LinearBackoff) Expire() {
	b.newViewNumber++
	b.timeout += b.initialTimeout
	b.waitingForVotes = true
}

// BeginNextTimer restarts the timer at tick now for the next escalation level.
func (b *LinearBackoff) BeginNextTimer(now uint64) {
	b.waitingForVotes = false
	b.start = now
}

// BackoffConfig configures exponential backoff.
type BackoffConfig struct {
	// BaseDuration is the initial timeout in ticks.
	BaseDuration uint64

	// MaxDuration is the maximum timeout in ticks.
	MaxDuration uint64

	// BackoffFactor is the multiplicative factor applied on each timeout.
	BackoffFactor float64
}

// DefaultBackoffConfig returns the default exponential backoff configuration.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		BaseDuration:  100,
		MaxDuration:   3200,
		BackoffFactor: 2,
	}
}

// ExponentialBackoff grows its duration on each timeout and resets on progress.
type ExponentialBackoff struct {
	config  BackoffConfig
	current uint64
}

// NewExponentialBackoff creates a backoff at the base duration.
func NewExponentialBackoff(config BackoffConfig) *ExponentialBackoff {
	return &ExponentialBackoff{
		config:  config,
		current: config.BaseDuration,
	}
}

// OnTimeout grows the duration, capped at MaxDuration.
func (b *ExponentialBackoff) OnTimeout() {
	next := uint64(float64(b.current) * b.config.BackoffFactor)
	if next > b.config.MaxDuration {
		next = b.config.MaxDuration
	}
	b.current = next
}

// OnProgress resets the duration to the base value.
func (b *ExponentialBackoff) OnProgress() {
	b.current = b.config.BaseDuration
}

// Current returns the current duration.
func (b *ExponentialBackoff) Current() uint64 {
	return b.current
}
