/*
engine.go - Public entry points of the distribution engine

INTERFACES:
  Upstream producer:  OnAccrual / Submit
  Downstream queries: GetBatchStatus, GetRecentTransactions,
                      GetBatchTransactions, ListBatches, ResolveChain
  Administrative:     SetCommissionTable, ToggleEngineMode, Recover
  Accounts:           CreateAccount, GetAccount

LIFECYCLE:
  engine, _ := distribution.NewEngine(store, cfg)
  go engine.Run(ctx)          // worker loop (worker.go)
  engine.Recover(ctx)         // requeue stuck batches (recovery.go)
  engine.Stop()               // reject new accruals, then cancel ctx

Every setting is fixed at construction through Config. The only mutable
state is the commission table and the resolver mode, both owned by the
Engine instance.
*/
package distribution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/warp/referral-engine/metrics"
)

// =============================================================================
// CONFIG
// =============================================================================

// Config holds engine settings. Zero values are replaced by defaults in Validate.
type Config struct {
	// MaxLevels caps the inviter chain depth.
	MaxLevels int

	// GroupSize is how many buffered batches one drain cycle takes.
	GroupSize int

	// Concurrency bounds the settlements running at once.
	Concurrency int

	// MaxAttempts is the worker's retry budget per dispatch.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// AttemptTimeout bounds one settlement attempt. Exceeding it counts as
	// a failed attempt.
	AttemptTimeout time.Duration

	// RecoveryLimit bounds how many rows one recovery scan reads.
	RecoveryLimit int

	// StaleAfter is how long a queued or processing row must sit untouched
	// before a periodic recovery takes it.
	StaleAfter time.Duration

	// AttemptBudget is the total attempt count past which recovery leaves a
	// batch alone.
	AttemptBudget int

	// RecoveryRate paces requeues, in batches per second.
	RecoveryRate float64

	Currencies []Currency

	Mode      ResolverMode
	Table     CommissionTable
	MinReward decimal.Decimal

	Clock  clockwork.Clock
	Logger *slog.Logger
}

const (
	DefaultGroupSize      = 50
	DefaultConcurrency    = 4
	DefaultMaxAttempts    = 3
	DefaultBaseBackoff    = 200 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
	DefaultAttemptTimeout = 10 * time.Second
	DefaultRecoveryLimit  = 100
	DefaultStaleAfter     = 5 * time.Minute
	DefaultAttemptBudget  = 9
	DefaultRecoveryRate   = 50
)

// Validate fills in defaults and rejects nonsensical settings.
func (c *Config) Validate() error {
	if c.MaxLevels < 0 || c.GroupSize < 0 || c.Concurrency < 0 || c.MaxAttempts < 0 ||
		c.RecoveryLimit < 0 || c.AttemptBudget < 0 {
		return fmt.Errorf("config: counts must not be negative")
	}
	if c.BaseBackoff < 0 || c.MaxBackoff < 0 || c.AttemptTimeout < 0 || c.StaleAfter < 0 || c.RecoveryRate < 0 {
		return fmt.Errorf("config: durations and rates must not be negative")
	}
	if c.MinReward.IsNegative() {
		return fmt.Errorf("config: min reward must not be negative")
	}

	if c.MaxLevels == 0 {
		c.MaxLevels = DefaultMaxLevels
	}
	if c.GroupSize == 0 {
		c.GroupSize = DefaultGroupSize
	}
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.RecoveryLimit == 0 {
		c.RecoveryLimit = DefaultRecoveryLimit
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.AttemptBudget == 0 {
		c.AttemptBudget = DefaultAttemptBudget
	}
	if c.AttemptBudget < c.MaxAttempts {
		return fmt.Errorf("config: attempt budget %d below max attempts %d", c.AttemptBudget, c.MaxAttempts)
	}
	if c.RecoveryRate == 0 {
		c.RecoveryRate = DefaultRecoveryRate
	}
	if len(c.Currencies) == 0 {
		c.Currencies = []Currency{CurrencyCoin, CurrencyTON}
	}
	if c.Mode == "" {
		c.Mode = ModeIterative
	}
	if _, err := ParseResolverMode(string(c.Mode)); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.checkTable(c.Table); err != nil {
		return err
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return nil
}

func (c *Config) checkTable(t CommissionTable) error {
	for _, level := range t.Levels() {
		if level > c.MaxLevels {
			return &ValidationError{
				Field:  "level",
				Reason: fmt.Sprintf("level %d beyond max levels %d", level, c.MaxLevels),
				Err:    ErrInvalidCommissionTable,
			}
		}
	}
	return nil
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	cfg     Config
	store   TxStore
	ledger  *Ledger
	settler *Settler
	queue   *queue
	limiter *rate.Limiter
	clock   clockwork.Clock
	log     *slog.Logger

	currencies map[Currency]bool

	tableMu sync.RWMutex
	table   CommissionTable

	optimized atomic.Bool
	stopped   atomic.Bool
}

func NewEngine(store TxStore, cfg Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("distribution: nil store")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ledger := NewLedger(store, cfg.Clock)
	e := &Engine{
		cfg:        cfg,
		store:      store,
		ledger:     ledger,
		settler:    NewSettler(store, ledger, Calculator{MinReward: cfg.MinReward}, cfg.MaxLevels, cfg.Clock),
		queue:      newQueue(),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RecoveryRate), cfg.GroupSize),
		clock:      cfg.Clock,
		log:        cfg.Logger,
		currencies: make(map[Currency]bool, len(cfg.Currencies)),
		table:      cfg.Table,
	}
	for _, c := range cfg.Currencies {
		e.currencies[c] = true
	}
	e.optimized.Store(cfg.Mode.Optimized())
	return e, nil
}

// Config returns the validated configuration.
func (e *Engine) Config() Config { return e.cfg }

// Stop makes OnAccrual reject new events. Cancel the Run context afterwards
// to stop the worker.
func (e *Engine) Stop() {
	e.stopped.Store(true)
}

// =============================================================================
// UPSTREAM PRODUCER
// =============================================================================

// Accrual is one earning event from the income subsystem.
type Accrual struct {
	// BatchID is optional. When empty a time-ordered UUID is generated.
	BatchID   BatchID
	AccountID AccountID
	Amount    decimal.Decimal
	Currency  Currency
}

// OnAccrual validates an earning event, records it in the ledger as queued
// and buffers it for the worker. It returns without waiting for settlement.
func (e *Engine) OnAccrual(ctx context.Context, accountID AccountID, earned decimal.Decimal, currency Currency) (BatchID, error) {
	return e.Submit(ctx, Accrual{AccountID: accountID, Amount: earned, Currency: currency})
}

// Submit is OnAccrual with a caller-chosen batch id. Re-submitting an id
// fails with ErrDuplicateBatch.
func (e *Engine) Submit(ctx context.Context, a Accrual) (BatchID, error) {
	if e.stopped.Load() {
		return "", ErrEngineStopped
	}
	if err := ValidateAccountID(a.AccountID); err != nil {
		return "", err
	}
	if err := ValidateEarnedAmount(a.Amount); err != nil {
		return "", err
	}
	if !e.currencies[a.Currency] {
		return "", &ValidationError{Field: "currency", Reason: fmt.Sprintf("%q is not supported", a.Currency), Err: ErrUnknownCurrency}
	}

	id := a.BatchID
	if id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate batch id: %w", err)
		}
		id = BatchID(u.String())
	} else if len(id) > 128 {
		return "", &ValidationError{Field: "batch_id", Reason: "longer than 128 characters", Err: ErrInvalidBatchID}
	}

	batch, err := e.ledger.Create(ctx, RewardBatch{
		BatchID:         id,
		SourceAccountID: a.AccountID,
		Currency:        a.Currency,
		EarnedAmount:    a.Amount.Truncate(AmountPlaces),
	})
	if err != nil {
		return "", err
	}

	metrics.BatchesEnqueuedTotal.WithLabelValues(string(a.Currency)).Inc()
	e.queue.push(batch.BatchID)
	e.log.Debug("distribution: accrual queued",
		"batch_id", batch.BatchID,
		"account_id", a.AccountID,
		"amount", batch.EarnedAmount.String(),
		"currency", a.Currency)
	return batch.BatchID, nil
}

// =============================================================================
// ADMINISTRATIVE
// =============================================================================

// SetCommissionTable replaces the table used by subsequent settlements.
func (e *Engine) SetCommissionTable(table CommissionTable) error {
	if err := e.cfg.checkTable(table); err != nil {
		return err
	}
	e.tableMu.Lock()
	e.table = table
	e.tableMu.Unlock()
	e.log.Info("distribution: commission table replaced", "levels", len(table.Levels()))
	return nil
}

func (e *Engine) CommissionTable() CommissionTable {
	e.tableMu.RLock()
	defer e.tableMu.RUnlock()
	return e.table
}

// ToggleEngineMode switches between the per-level chain walk and the single
// recursive query. Both return the same chains.
func (e *Engine) ToggleEngineMode(optimized bool) {
	prev := e.optimized.Swap(optimized)
	if prev != optimized {
		e.log.Info("distribution: resolver mode changed", "mode", ModeFor(optimized))
	}
}

func (e *Engine) Mode() ResolverMode {
	return ModeFor(e.optimized.Load())
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// CreateAccount registers an account under an optional inviter.
func (e *Engine) CreateAccount(ctx context.Context, id, inviter AccountID) (*Account, error) {
	if err := ValidateAccountID(id); err != nil {
		return nil, err
	}
	if inviter != "" {
		if err := ValidateAccountID(inviter); err != nil {
			return nil, err
		}
		if inviter == id {
			return nil, &ValidationError{Field: "inviter_id", Reason: "account cannot invite itself", Err: ErrInvalidAccountID}
		}
	}
	account := Account{ID: id, InviterID: inviter, CreatedAt: e.clock.Now().UTC()}
	if err := e.store.CreateAccount(ctx, account); err != nil {
		return nil, err
	}
	return e.store.GetAccount(ctx, id)
}

func (e *Engine) GetAccount(ctx context.Context, id AccountID) (*Account, error) {
	return e.store.GetAccount(ctx, id)
}

// =============================================================================
// DOWNSTREAM QUERIES
// =============================================================================

const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

func (e *Engine) GetBatchStatus(ctx context.Context, id BatchID) (*RewardBatch, error) {
	return e.ledger.Get(ctx, id)
}

// GetRecentTransactions returns the newest payouts received by an account.
func (e *Engine) GetRecentTransactions(ctx context.Context, id AccountID, limit int) ([]LedgerTransaction, error) {
	return e.store.RecentTransactions(ctx, id, clampLimit(limit))
}

func (e *Engine) GetBatchTransactions(ctx context.Context, id BatchID) ([]LedgerTransaction, error) {
	if _, err := e.ledger.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.store.TransactionsForBatch(ctx, id)
}

// ListBatches returns batches in the given statuses (all when empty), oldest first.
func (e *Engine) ListBatches(ctx context.Context, statuses []BatchStatus, limit int) ([]RewardBatch, error) {
	for _, s := range statuses {
		if !s.Valid() {
			return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", s), Err: ErrInvalidStatus}
		}
	}
	return e.ledger.Scan(ctx, BatchFilter{Statuses: statuses, Limit: clampLimit(limit)})
}

// ResolveChain returns the chain settlement would pay for id, using the
// current resolver mode.
func (e *Engine) ResolveChain(ctx context.Context, id AccountID) (Chain, error) {
	if err := ValidateAccountID(id); err != nil {
		return nil, err
	}
	return ResolverFor(e.Mode()).Resolve(ctx, e.store, id, e.cfg.MaxLevels)
}
