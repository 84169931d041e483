// Package poll runs the periodic pull fallback: one work function on one
// ticker, started and stopped by the sync coordinator.
package poll

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/clock"
	"go.uber.org/zap"
)

// DefaultInterval is the poll period used when none is configured.
const DefaultInterval = 12 * time.Second

// Work is one idempotent poll pass.
type Work func(ctx context.Context) error

// Driver owns at most one polling loop at a time.
type Driver struct {
	clock  clock.Clock
	logger *zap.Logger

	mu     sync.Mutex
	ticker *clock.Ticker
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDriver creates a stopped driver.
func NewDriver(c clock.Clock, logger *zap.Logger) *Driver {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{clock: c, logger: logger}
}

// Start runs work immediately and then every interval. A running loop is
// stopped first, so there is never more than one ticker. Passes never
// overlap: a tick that arrives while work is still running is dropped.
func (d *Driver) Start(interval time.Duration, work Work) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	ticker := d.clock.NewTicker(interval)
	done := make(chan struct{})
	d.ticker, d.cancel, d.done = ticker, cancel, done

	go d.loop(ctx, ticker, work, done)
}

// Stop cancels the loop and its ticker. It does not wait for an
// in-flight pass, which sees its context cancelled. Safe to call when
// already stopped.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

// Running reports whether a loop is active.
func (d *Driver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ticker != nil
}

// Done returns a channel closed when the current loop exits, or nil if
// none is running.
func (d *Driver) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

func (d *Driver) stopLocked() {
	if d.ticker == nil {
		return
	}
	d.ticker.Stop()
	d.cancel()
	d.ticker, d.cancel, d.done = nil, nil, nil
}

func (d *Driver) loop(ctx context.Context, ticker *clock.Ticker, work Work, done chan struct{}) {
	defer close(done)

	d.pass(ctx, work)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pass(ctx, work)
		}
	}
}

func (d *Driver) pass(ctx context.Context, work Work) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("poll pass panicked", zap.Any("panic", r))
		}
	}()
	if err := work(ctx); err != nil && ctx.Err() == nil {
		d.logger.Debug("poll pass failed", zap.Error(err))
	}
}
