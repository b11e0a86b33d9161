// Package clockcheck verifies the host clock against NTP. Idle expiry and
// retention sweeps compare wall-clock timestamps, so a badly skewed host
// clock silently expires live sessions; the daemon surfaces that instead.
package clockcheck

import (
	"context"
	"sync"
	"time"

	"github.com/beevik/ntp"

	"workbox/internal/container"
)

const (
	defaultPool      = "pool.ntp.org"
	defaultInterval  = 10 * time.Minute
	defaultThreshold = 2 * time.Second
)

// Status is the result of the most recent NTP query.
type Status struct {
	Offset    time.Duration
	Healthy   bool
	Error     string
	CheckedAt time.Time
}

// Checker periodically queries an NTP pool and tracks clock skew.
type Checker struct {
	mu        sync.RWMutex
	status    Status
	pool      string
	interval  time.Duration
	threshold time.Duration
	clock     container.Clock
}

func New(clock container.Clock) *Checker {
	if clock == nil {
		clock = container.RealClock{}
	}
	return &Checker{
		pool:      defaultPool,
		interval:  defaultInterval,
		threshold: defaultThreshold,
		clock:     clock,
	}
}

// Run checks once immediately, then on the interval until ctx ends.
func (c *Checker) Run(ctx context.Context) {
	c.Check()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Check()
		}
	}
}

// Check performs one NTP query and records the result.
func (c *Checker) Check() Status {
	resp, err := ntp.Query(c.pool)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if err != nil {
		c.status = Status{Error: err.Error(), Healthy: false, CheckedAt: now}
		return c.status
	}

	offset := resp.ClockOffset
	if offset < 0 {
		offset = -offset
	}
	c.status = Status{
		Offset:    resp.ClockOffset,
		Healthy:   offset < c.threshold,
		CheckedAt: now,
	}
	return c.status
}

// Status returns the last recorded result without querying.
func (c *Checker) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}
