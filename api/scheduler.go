/*
scheduler.go - Periodic recovery scheduler

PURPOSE:
  Periodically asks the engine to requeue batches that were left queued,
  processing or failed: rows whose worker crashed or timed out, or that
  exhausted their in-process retries while attempt budget remains.

DESIGN:
  - Runs a background goroutine on a clockwork ticker (fake clock in tests)
  - Does not run on Start: the process runs a full recovery at startup
  - Each run is bounded by RunTimeout
  - Recovery itself skips rows this process already owns

CONFIGURATION:
  - Interval: How often to run (default: 1 minute)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewRecoveryScheduler(engine, clock, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - distribution/recovery.go: Recover / RecoverAll
  - handlers.go: TriggerRecovery endpoint (manual recovery)
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const DefaultRecoveryInterval = time.Minute

// Recoverer is the part of the engine the scheduler drives.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// RecoveryScheduler runs recovery on an interval.
type RecoveryScheduler struct {
	Recoverer  Recoverer
	Interval   time.Duration
	RunTimeout time.Duration
	Enabled    bool

	clock clockwork.Clock
	log   *slog.Logger

	ticker clockwork.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRecoveryScheduler creates a new scheduler.
func NewRecoveryScheduler(r Recoverer, clock clockwork.Clock, log *slog.Logger) *RecoveryScheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &RecoveryScheduler{
		Recoverer:  r,
		Interval:   DefaultRecoveryInterval,
		RunTimeout: 30 * time.Second,
		Enabled:    true,
		clock:      clock,
		log:        log,
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (rs *RecoveryScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.log.Info("api/scheduler: disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	rs.ticker = rs.clock.NewTicker(rs.Interval)
	rs.wg.Add(1)

	go rs.run(ctx, rs.ticker)

	rs.log.Info("api/scheduler: started", "interval", rs.Interval)
}

// Stop stops the scheduler and waits for a running recovery to return.
func (rs *RecoveryScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	rs.cancel()
	rs.wg.Wait()
	rs.ticker = nil
	rs.log.Info("api/scheduler: stopped")
}

func (rs *RecoveryScheduler) run(ctx context.Context, ticker clockwork.Ticker) {
	defer rs.wg.Done()

	for {
		select {
		case <-ticker.Chan():
			rs.runOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (rs *RecoveryScheduler) runOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, rs.RunTimeout)
	defer cancel()

	n, err := rs.Recoverer.Recover(ctx)
	if err != nil {
		rs.log.Error("api/scheduler: recovery failed", "error", err)
		return
	}
	if n > 0 {
		rs.log.Info("api/scheduler: requeued batches", "count", n)
	}
}
