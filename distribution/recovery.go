/*
recovery.go - Recovery scanner

Requeues batches the worker did not finish:

  failed      worker gave up, attempts still below AttemptBudget
  processing  a crash or shutdown interrupted settlement
  queued      the process stopped before the buffered id was drained

A processing row whose attempts already reached AttemptBudget is not
requeued: it is moved to failed so it surfaces for operator attention.

Recover is the periodic variant: queued and processing rows are only taken
once they have been untouched for StaleAfter, so live work in another
process is left alone. RecoverAll is the startup variant and takes every
candidate. Both skip ids this process already holds in its queue, claim each
row with a conditional update before pushing it, and pace requeues with a
token bucket.

Re-running settlement for a batch is safe: balances only move in the same
transaction that completes the batch, so a batch is paid at most once.
*/
package distribution

import (
	"context"
	"errors"
	"time"

	"github.com/warp/referral-engine/metrics"
)

// Recover requeues failed batches and stale in-flight batches. Returns the
// number of batches pushed to the queue.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	return e.recover(ctx, e.cfg.StaleAfter)
}

// RecoverAll requeues every unfinished batch regardless of age. Call it once
// at startup, before Run.
func (e *Engine) RecoverAll(ctx context.Context) (int, error) {
	return e.recover(ctx, 0)
}

func (e *Engine) recover(ctx context.Context, staleAfter time.Duration) (int, error) {
	var staleBefore time.Time
	if staleAfter > 0 {
		staleBefore = e.clock.Now().UTC().Add(-staleAfter)
	}

	if err := e.abandonExhausted(ctx, staleBefore); err != nil {
		return 0, err
	}

	filter := BatchFilter{
		Statuses:    []BatchStatus{BatchQueued, BatchProcessing, BatchFailed},
		MaxAttempts: e.cfg.AttemptBudget,
		StaleBefore: staleBefore,
		Limit:       e.cfg.RecoveryLimit,
	}

	candidates, err := e.ledger.Scan(ctx, filter)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, b := range candidates {
		if e.queue.isTracked(b.BatchID) {
			continue
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return requeued, err
		}
		if err := e.ledger.Requeue(ctx, b.BatchID); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				// Completed or claimed since the scan.
				continue
			}
			return requeued, err
		}
		if e.queue.push(b.BatchID) {
			requeued++
			e.log.Debug("distribution/recovery: batch requeued",
				"batch_id", b.BatchID,
				"status", b.Status,
				"attempts", b.Attempts)
		}
	}

	if requeued > 0 {
		metrics.RecoveryRequeuedTotal.Add(float64(requeued))
		e.log.Info("distribution/recovery: requeued batches", "count", requeued, "scanned", len(candidates))
	}
	return requeued, nil
}

// abandonExhausted fails processing rows that spent the whole attempt budget
// and were then interrupted.
func (e *Engine) abandonExhausted(ctx context.Context, staleBefore time.Time) error {
	exhausted, err := e.ledger.Scan(ctx, BatchFilter{
		Statuses:    []BatchStatus{BatchProcessing},
		MinAttempts: e.cfg.AttemptBudget,
		StaleBefore: staleBefore,
		Limit:       e.cfg.RecoveryLimit,
	})
	if err != nil {
		return err
	}

	for _, b := range exhausted {
		if e.queue.isTracked(b.BatchID) {
			continue
		}
		if err := e.ledger.Abandon(ctx, b.BatchID, b.Attempts, b.ErrorMessage); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return err
		}
		metrics.BatchesSettledTotal.WithLabelValues(string(BatchFailed)).Inc()
		e.log.Warn("distribution/recovery: attempt budget exhausted, batch failed",
			"batch_id", b.BatchID,
			"attempts", b.Attempts)
	}
	return nil
}
