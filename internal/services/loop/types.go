package loop

import (
	"time"
)

// Config controls the delivery engine. Delay is the fallback cadence
// used when the settings row cannot be read; the live cadence always
// comes from storage so /setdelay applies to running loops.
type Config struct {
	Delay       time.Duration
	MinDelay    time.Duration
	SendTimeout time.Duration
	RetryMax    int
}

func (c Config) withDefaults() Config {
	if c.Delay <= 0 {
		c.Delay = time.Hour
	}
	if c.MinDelay <= 0 {
		c.MinDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 40 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	return c
}

// Reasons attached to loop lifecycle events (stops and removals).
const (
	ReasonOperator       = "operator"
	ReasonFatal          = "fatal"
	ReasonRetryExhausted = "retry_exhausted"
	ReasonGroupGone      = "group_gone"
)

// task is one running delivery loop. stop() cancels the loop's wait;
// done closes when the goroutine has fully exited.
type task struct {
	chatID int64
	stop   func()
	done   chan struct{}
	// wake nudges a sleeping loop to recompute its schedule (delay or
	// message rotation changed). Buffered so senders never block.
	wake chan struct{}
}

func (t *task) nudge() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// ScheduleOptions tunes how a loop is (re)started.
type ScheduleOptions struct {
	// PreserveDue keeps the stored next_due instead of scheduling an
	// immediate first delivery. Recovery uses this so restarts don't
	// burst-send.
	PreserveDue bool
}
