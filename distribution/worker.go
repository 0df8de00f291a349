/*
worker.go - Batch queue draining and per-batch retry

FLOW (per batch id taken from the queue):

  retry.Do(MaxAttempts, exponential backoff)
    └─ attempt
         ├─ Ledger.BeginAttempt        queued|processing|failed -> processing, attempts+1
         ├─ Settler.Settle             one storage transaction, bounded by AttemptTimeout
         └─ on error: Ledger.RecordAttemptError (own write, always committed)

  exhausted or permanent error  -> Ledger.MarkFailed
  batch already completed       -> nothing to do
  completion guard lost         -> another dispatch owns the batch, leave it
  Run context cancelled         -> leave the row for startup recovery

Groups of GroupSize ids are drained at a time, at most Concurrency
settlements in flight. A settlement attempt that already started is allowed
to finish after shutdown begins; no further attempts are made, and ids of
the current group that have not started stay queued in the ledger.
*/
package distribution

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/warp/referral-engine/metrics"
	"github.com/warp/referral-engine/retry"
)

// Run drains the queue whenever work arrives, until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("distribution/worker: started",
		"group_size", e.cfg.GroupSize,
		"concurrency", e.cfg.Concurrency,
		"mode", e.Mode())

	// Work buffered before Run started.
	e.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			e.log.Info("distribution/worker: stopped", "pending", e.queue.len())
			return nil
		case <-e.queue.notify:
			e.drain(ctx)
		}
	}
}

// Drain settles everything currently buffered and returns when the buffer
// is empty. It is the synchronous counterpart of Run.
func (e *Engine) Drain(ctx context.Context) error {
	e.drain(ctx)
	return ctx.Err()
}

// Pending returns the number of buffered batches.
func (e *Engine) Pending() int {
	return e.queue.len()
}

func (e *Engine) drain(ctx context.Context) {
	for ctx.Err() == nil {
		group := e.queue.take(e.cfg.GroupSize)
		if len(group) == 0 {
			return
		}
		e.processGroup(ctx, group)
	}
}

func (e *Engine) processGroup(ctx context.Context, group []BatchID) {
	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for _, id := range group {
		g.Go(func() error {
			e.process(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) process(ctx context.Context, id BatchID) {
	defer e.queue.done(id)
	log := e.log.With("batch_id", id)

	// Ids taken in a group before shutdown began are not started.
	if ctx.Err() != nil {
		log.Info("distribution/worker: shutdown before settlement, left for recovery")
		return
	}

	rc := retry.Config{
		MaxAttempts: e.cfg.MaxAttempts,
		BaseBackoff: e.cfg.BaseBackoff,
		MaxBackoff:  e.cfg.MaxBackoff,
		Retryable:   IsRetryable,
		Clock:       e.clock,
	}
	err := retry.Do(ctx, rc, func(n int) error {
		return e.attempt(ctx, id, n)
	})

	// Ledger writes after this point must land even during shutdown.
	wctx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		metrics.BatchesSettledTotal.WithLabelValues(string(BatchCompleted)).Inc()
	case errors.Is(err, ErrBatchSettled):
		log.Debug("distribution/worker: batch already settled")
	case errors.Is(err, ErrInvalidTransition):
		log.Warn("distribution/worker: batch taken over by another dispatch", "error", err)
	case ctx.Err() != nil:
		log.Info("distribution/worker: shutdown before settlement, left for recovery", "error", err)
	default:
		if markErr := e.ledger.MarkFailed(wctx, id, err); markErr != nil {
			log.Error("distribution/worker: failed to mark batch failed", "error", markErr, "cause", err)
			return
		}
		metrics.BatchesSettledTotal.WithLabelValues(string(BatchFailed)).Inc()
		log.Error("distribution/worker: batch failed", "error", err)
	}
}

// attempt runs one settlement attempt. n is the worker-local attempt number,
// used only for logging; the ledger keeps the authoritative count.
func (e *Engine) attempt(ctx context.Context, id BatchID, n int) error {
	wctx := context.WithoutCancel(ctx)

	batch, err := e.ledger.BeginAttempt(wctx, id)
	if err != nil {
		return err
	}

	sctx, cancel := context.WithTimeout(wctx, e.cfg.AttemptTimeout)
	defer cancel()

	mode := e.Mode()
	start := e.clock.Now()
	result, err := e.settler.Settle(sctx, batch, ResolverFor(mode), e.CommissionTable())
	metrics.RecordSettlementAttempt(string(mode), e.clock.Since(start), err)

	if err != nil {
		e.log.Warn("distribution/worker: settlement attempt failed",
			"batch_id", id,
			"attempt", n,
			"ledger_attempts", batch.Attempts,
			"error", err)
		if errors.Is(err, ErrInvalidTransition) {
			return err
		}
		if recErr := e.ledger.RecordAttemptError(wctx, id, batch.Attempts, err); recErr != nil {
			e.log.Error("distribution/worker: failed to record attempt error", "batch_id", id, "error", recErr)
		}
		return err
	}

	metrics.ChainLength.Observe(float64(result.LevelsProcessed))
	metrics.CommissionDistributedTotal.WithLabelValues(string(batch.Currency)).Add(result.TotalDistributed.InexactFloat64())
	e.log.Info("distribution/worker: batch settled",
		"batch_id", id,
		"source_account_id", batch.SourceAccountID,
		"levels", result.LevelsProcessed,
		"recipients", result.RecipientCount,
		"total", result.TotalDistributed.String(),
		"currency", batch.Currency,
		"duration", e.clock.Since(start).String())
	return nil
}
