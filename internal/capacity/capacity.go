// Package capacity scales the number of active sink workers between
// configured bounds from periodic backlog samples.
package capacity

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Pool is the worker pool being scaled.
type Pool interface {
	Resize(n int)
	Active() int
}

// BacklogFunc reports the current amount of unsettled work.
type BacklogFunc func() int

type Options struct {
	MinUnits         int
	MaxUnits         int
	Interval         time.Duration
	ScaleUpSamples   int
	ScaleDownSamples int
	LowWatermark     int
	// HighWatermark triggers an immediate scale-up when exceeded. Zero
	// disables it.
	HighWatermark int
}

type Controller struct {
	pool    Pool
	backlog BacklogFunc
	opts    Options
	logger  *zap.Logger

	units   int
	last    int
	growing int
	idle    int
	sampled bool
}

func New(pool Pool, backlog BacklogFunc, opts Options, logger *zap.Logger) *Controller {
	if opts.MinUnits < 1 {
		opts.MinUnits = 1
	}
	if opts.MaxUnits < opts.MinUnits {
		opts.MaxUnits = opts.MinUnits
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.ScaleUpSamples <= 0 {
		opts.ScaleUpSamples = 3
	}
	if opts.ScaleDownSamples <= 0 {
		opts.ScaleDownSamples = 6
	}
	return &Controller{pool: pool, backlog: backlog, opts: opts, logger: logger, units: opts.MinUnits}
}

// Units is the unit count the controller last settled on.
func (c *Controller) Units() int { return c.units }

// Run samples the backlog every Interval until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	c.units = clamp(c.pool.Active(), c.opts.MinUnits, c.opts.MaxUnits)
	c.pool.Resize(c.units)
	c.logger.Info("Starting capacity controller",
		zap.Int("units", c.units),
		zap.Int("min_units", c.opts.MinUnits),
		zap.Int("max_units", c.opts.MaxUnits))
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			backlog := c.backlog()
			if next := c.step(backlog); next != c.pool.Active() {
				c.logger.Info("Scaling sink workers",
					zap.Int("backlog", backlog),
					zap.Int("units", next))
				c.pool.Resize(next)
			}
		}
	}
}

// step folds one backlog sample into the controller and returns the unit
// count to run. Counters reset after every change so the next move needs a
// full window of fresh evidence.
func (c *Controller) step(backlog int) int {
	if c.sampled && backlog > c.last {
		c.growing++
	} else {
		c.growing = 0
	}
	if backlog <= c.opts.LowWatermark {
		c.idle++
	} else {
		c.idle = 0
	}
	c.last = backlog
	c.sampled = true

	switch {
	case c.units < c.opts.MaxUnits &&
		(c.growing >= c.opts.ScaleUpSamples || (c.opts.HighWatermark > 0 && backlog > c.opts.HighWatermark)):
		c.units++
		c.growing, c.idle = 0, 0
	case c.units > c.opts.MinUnits && c.idle >= c.opts.ScaleDownSamples:
		c.units--
		c.growing, c.idle = 0, 0
	}
	return c.units
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
