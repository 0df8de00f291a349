/*
ledger.go - Distribution Ledger: durable lifecycle of reward batches

The ledger is the system of record for idempotency and recovery. The
in-memory queue is never authoritative: a batch row exists in "queued"
before the event is buffered, so losing the process only delays payouts.

STATE MACHINE:

    queued ──► processing ──► completed
                  │  ▲
                  ▼  │ (recovery)
                 failed

  queued     -> processing   worker begins an attempt (attempts+1)
  processing -> processing   worker retries, or recovery takes a stuck row
  failed     -> processing   recovery requeues a failed batch
  queued     -> processing   recovery takes a row stranded before buffering
  processing -> completed    inside the settlement transaction
  processing -> failed       worker exhausted its attempts

  completed is final. A batch in failed whose attempts reached the budget
  is final too: recovery no longer selects it.
*/
package distribution

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
)

// Ledger wraps the batch half of a Store with the allowed transitions.
type Ledger struct {
	store Store
	clock clockwork.Clock
}

func NewLedger(store Store, clock clockwork.Clock) *Ledger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Ledger{store: store, clock: clock}
}

// Create inserts a batch in status queued. Duplicate ids fail loudly.
func (l *Ledger) Create(ctx context.Context, batch RewardBatch) (RewardBatch, error) {
	now := l.clock.Now().UTC()
	batch.Status = BatchQueued
	batch.Attempts = 0
	batch.LevelsProcessed = 0
	batch.RecipientCount = 0
	batch.TotalDistributed = decimal.Zero
	batch.ErrorMessage = ""
	batch.CreatedAt = now
	batch.UpdatedAt = now
	batch.StartedAt = nil
	batch.CompletedAt = nil

	if err := l.store.CreateBatch(ctx, batch); err != nil {
		return RewardBatch{}, err
	}
	return batch, nil
}

func (l *Ledger) Get(ctx context.Context, id BatchID) (*RewardBatch, error) {
	return l.store.GetBatch(ctx, id)
}

// BeginAttempt moves the batch to processing and bumps its attempt counter.
// The write commits on its own, before the settlement transaction opens.
// Returns ErrBatchSettled for completed batches.
func (l *Ledger) BeginAttempt(ctx context.Context, id BatchID) (RewardBatch, error) {
	err := l.store.TransitionBatch(ctx, id, Transition{
		From:              []BatchStatus{BatchQueued, BatchProcessing, BatchFailed},
		To:                BatchProcessing,
		IncrementAttempts: true,
		At:                l.clock.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return RewardBatch{}, l.explainRejected(ctx, id, err)
		}
		return RewardBatch{}, err
	}
	batch, err := l.store.GetBatch(ctx, id)
	if err != nil {
		return RewardBatch{}, err
	}
	return *batch, nil
}

// CompleteIn marks the batch completed using the settlement transaction's
// store, guarded on the attempt that is settling it.
func (l *Ledger) CompleteIn(ctx context.Context, tx Store, id BatchID, attempt int, result SettlementResult) error {
	now := l.clock.Now().UTC()
	levels := result.LevelsProcessed
	recipients := result.RecipientCount
	total := result.TotalDistributed
	empty := ""
	return tx.TransitionBatch(ctx, id, Transition{
		From:             []BatchStatus{BatchProcessing},
		To:               BatchCompleted,
		RequireAttempts:  attempt,
		LevelsProcessed:  &levels,
		RecipientCount:   &recipients,
		TotalDistributed: &total,
		ErrorMessage:     &empty,
		CompletedAt:      &now,
		At:               now,
	})
}

// RecordAttemptError stores the error of a failed attempt. The row stays in
// processing; the worker decides when to give up.
func (l *Ledger) RecordAttemptError(ctx context.Context, id BatchID, attempt int, cause error) error {
	msg := cause.Error()
	return l.store.TransitionBatch(ctx, id, Transition{
		From:            []BatchStatus{BatchProcessing},
		To:              BatchProcessing,
		RequireAttempts: attempt,
		ErrorMessage:    &msg,
		At:              l.clock.Now().UTC(),
	})
}

// MarkFailed moves a processing batch to failed with the error message.
func (l *Ledger) MarkFailed(ctx context.Context, id BatchID, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return l.store.TransitionBatch(ctx, id, Transition{
		From:         []BatchStatus{BatchProcessing},
		To:           BatchFailed,
		ErrorMessage: &msg,
		At:           l.clock.Now().UTC(),
	})
}

// Abandon fails a batch left in processing after its last allowed attempt.
// It is guarded on the attempt count the caller observed, so an attempt
// that started since the scan keeps the row.
func (l *Ledger) Abandon(ctx context.Context, id BatchID, attempts int, lastError string) error {
	msg := fmt.Sprintf("attempt budget exhausted after %d attempts; interrupted while processing", attempts)
	if lastError != "" {
		msg += ": last error: " + lastError
	}
	return l.store.TransitionBatch(ctx, id, Transition{
		From:            []BatchStatus{BatchProcessing},
		To:              BatchFailed,
		RequireAttempts: attempts,
		ErrorMessage:    &msg,
		At:              l.clock.Now().UTC(),
	})
}

// Requeue claims a failed, stuck or stranded batch for another dispatch.
// It refreshes updated_at so concurrent scans skip the row.
func (l *Ledger) Requeue(ctx context.Context, id BatchID) error {
	return l.store.TransitionBatch(ctx, id, Transition{
		From: []BatchStatus{BatchQueued, BatchFailed, BatchProcessing},
		To:   BatchProcessing,
		At:   l.clock.Now().UTC(),
	})
}

// Scan returns batches matching filter, oldest first.
func (l *Ledger) Scan(ctx context.Context, filter BatchFilter) ([]RewardBatch, error) {
	return l.store.ScanBatches(ctx, filter)
}

func (l *Ledger) explainRejected(ctx context.Context, id BatchID, cause error) error {
	batch, err := l.store.GetBatch(ctx, id)
	if err != nil {
		return err
	}
	if batch.Status == BatchCompleted {
		return fmt.Errorf("batch %s: %w", id, ErrBatchSettled)
	}
	return cause
}
