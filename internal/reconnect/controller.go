// Package reconnect decides when and how a lost transport session gets
// re-established: exponential backoff with a cap, a bounded attempt budget,
// and suspension while the application is not visible.
package reconnect

import (
	"sync"
	"time"

	"telemed-chat-client/internal/pkg/logger"
)

// Controller schedules retries after transport failures. The retry callback
// is expected to re-fetch a connection token and reopen the transport; stale
// credentials are never reused across attempts.
type Controller struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	retry       func()
	onExhausted func()
	logger      logger.ILogger

	mu        sync.Mutex
	attempt   int
	timer     *time.Timer
	suspended bool
	// pending is true while a retry is scheduled or was deferred by Suspend.
	pending   bool
	cancelled bool

	// afterFunc is swapped out in tests.
	afterFunc func(time.Duration, func()) *time.Timer
}

func NewController(baseDelay, maxDelay time.Duration, maxAttempts int, retry, onExhausted func(), log logger.ILogger) *Controller {
	return &Controller{
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		maxAttempts: maxAttempts,
		retry:       retry,
		onExhausted: onExhausted,
		logger:      log,
		afterFunc:   time.AfterFunc,
	}
}

// NextDelay computes the backoff for a given attempt number (1-based):
// min(baseDelay * 2^(attempt-1), maxDelay).
func (c *Controller) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

// OnFailure records a failed connection attempt and schedules the next retry.
// After maxAttempts consecutive failures it stops scheduling and reports the
// terminal condition instead.
func (c *Controller) OnFailure() {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}

	c.attempt++
	if c.attempt > c.maxAttempts {
		c.pending = false
		c.mu.Unlock()
		c.logger.Error("Reconnect", "Retry budget exhausted", map[string]interface{}{
			"attempts": c.maxAttempts,
		})
		if c.onExhausted != nil {
			c.onExhausted()
		}
		return
	}

	if c.suspended {
		// Hold the slot without burning the attempt; Resume re-enters the
		// sequence at this attempt number.
		c.attempt--
		c.pending = true
		c.mu.Unlock()
		return
	}

	delay := c.NextDelay(c.attempt)
	c.pending = true
	c.stopTimerLocked()
	c.timer = c.afterFunc(delay, c.fire)
	attempt := c.attempt
	c.mu.Unlock()

	c.logger.Warn("Reconnect", "Retry scheduled", map[string]interface{}{
		"attempt": attempt,
		"delay":   delay.String(),
	})
}

func (c *Controller) fire() {
	c.mu.Lock()
	if c.cancelled || c.suspended || !c.pending {
		c.mu.Unlock()
		return
	}
	c.pending = false
	c.mu.Unlock()
	c.retry()
}

// OnSuccess resets the attempt counter after a connection was established.
func (c *Controller) OnSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempt = 0
	c.pending = false
	c.stopTimerLocked()
}

// Suspend pauses retry scheduling while the application is hidden. A pending
// retry is parked: its timer stops and its attempt slot is returned.
func (c *Controller) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.suspended {
		return
	}
	c.suspended = true
	if c.pending {
		c.stopTimerLocked()
		if c.attempt > 0 {
			c.attempt--
		}
	}
}

// Resume lifts the suspension. A parked retry re-enters the backoff sequence
// immediately, at the attempt number it held before Suspend.
func (c *Controller) Resume() {
	c.mu.Lock()
	if !c.suspended {
		c.mu.Unlock()
		return
	}
	c.suspended = false
	rearm := c.pending
	c.pending = false
	c.mu.Unlock()

	if rearm {
		c.OnFailure()
	}
}

// Cancel stops all pending retries permanently. Used on view unmount.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
	c.pending = false
	c.stopTimerLocked()
}

// Attempt returns the current consecutive-failure count.
func (c *Controller) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
