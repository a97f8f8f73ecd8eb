// Package retry runs an action no more often than a minimum interval,
// coalescing bursts of trigger requests into a single deferred execution.
//
//	t := retry.New(reconnect, &retry.Config{Interval: 2 * time.Second})
//	defer t.Close()
//
//	t.Trigger() // runs reconnect now
//	t.Trigger() // schedules one run 2s after the first
//	t.Trigger() // already scheduled, ignored
//
// The interval between runs comes from a backoff policy. The default policy
// is constant; setting Config.Multiplier above 1 grows the interval after every
// run up to Config.MaxInterval until Reset is called.
package retry

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

// DefaultInterval is the minimum time between action executions.
const DefaultInterval = 2 * time.Second

// Config holds configuration for a Trigger.
type Config struct {
	// Interval is the minimum time between two executions of the action
	Interval time.Duration

	// Multiplier grows the interval after every execution when greater than 1
	Multiplier float64

	// MaxInterval caps the grown interval (default: 30 * Interval)
	MaxInterval time.Duration

	// Clock is the time source (default: real clock)
	Clock clockwork.Clock
}

// DefaultConfig returns a fixed two second interval.
func DefaultConfig() *Config {
	return &Config{
		Interval: DefaultInterval,
		Clock:    clockwork.NewRealClock(),
	}
}

// Trigger invokes an action at most once per interval.
type Trigger struct {
	action func()
	clock  clockwork.Clock
	policy backoff.BackOff

	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	timer    clockwork.Timer
	seq      uint64
	closed   bool
}

// New creates a Trigger for action. A nil config uses DefaultConfig.
func New(action func(), config *Config) *Trigger {
	if config == nil {
		config = DefaultConfig()
	}
	clock := config.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	interval := config.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	var policy backoff.BackOff = backoff.NewConstantBackOff(interval)
	if config.Multiplier > 1 {
		maxInterval := config.MaxInterval
		if maxInterval <= 0 {
			maxInterval = 30 * interval
		}
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = interval
		exp.Multiplier = config.Multiplier
		exp.MaxInterval = maxInterval
		exp.RandomizationFactor = 0
		exp.MaxElapsedTime = 0
		exp.Clock = clock
		exp.Reset()
		policy = exp
	}

	return &Trigger{
		action:   action,
		clock:    clock,
		policy:   policy,
		interval: policy.NextBackOff(),
	}
}

// Trigger runs the action now if the interval has elapsed since the last run,
// otherwise makes sure exactly one run is scheduled for when it does.
func (t *Trigger) Trigger() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	now := t.clock.Now()
	if t.last.IsZero() || now.Sub(t.last) >= t.interval {
		t.markFiredLocked(now)
		t.mu.Unlock()
		t.action()
		return
	}

	if t.timer == nil {
		wait := t.interval - now.Sub(t.last)
		t.seq++
		seq := t.seq
		t.timer = t.clock.AfterFunc(wait, func() { t.fire(seq) })
	}
	t.mu.Unlock()
}

// Pending reports whether a deferred run is scheduled.
func (t *Trigger) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

// Interval returns the current minimum interval between runs.
func (t *Trigger) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// Reset returns the interval to its initial value. Has no visible effect on a
// constant policy.
func (t *Trigger) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.policy.Reset()
	t.interval = t.policy.NextBackOff()
}

// Close cancels any scheduled run. Later Trigger calls do nothing.
func (t *Trigger) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// fire is the deferred-run entry point. A timer that was superseded after it
// expired finds a different seq and does nothing.
func (t *Trigger) fire(seq uint64) {
	t.mu.Lock()
	if t.closed || t.timer == nil || seq != t.seq {
		t.mu.Unlock()
		return
	}
	t.markFiredLocked(t.clock.Now())
	t.mu.Unlock()
	t.action()
}

// markFiredLocked re-arms the trigger for a run happening at now.
func (t *Trigger) markFiredLocked(now time.Time) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if !t.last.IsZero() {
		t.interval = t.policy.NextBackOff()
	}
	t.last = now
}
