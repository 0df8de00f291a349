/*
Package sqlite provides a SQLite-backed implementation of distribution.TxStore.

PURPOSE:
  Default persistence for the referral engine: the account graph, balances,
  the Distribution Ledger (reward_batches) and the payout records
  (ledger_transactions), all in one database so settlement is a single
  local transaction.

KEY TABLES:
  accounts:            Identity + inviter edge (inviter_id REFERENCES accounts)
  account_balances:    One row per (account, currency), fixed-point INTEGER units
  reward_batches:      Distribution Ledger, one row per earning event
  ledger_transactions: One payout per (batch, level)

AMOUNTS:
  Amounts are stored as INTEGER units of 10^-8 (see distribution.AmountPlaces),
  so "amount = amount + ?" is exact in SQL. Percentages are stored as TEXT.

BALANCE UPDATES:
  CreditBalances is one multi-row upsert:
    INSERT ... ON CONFLICT (account_id, currency)
    DO UPDATE SET amount = amount + excluded.amount
  The increment happens inside the database; the value is never read back
  into Go and rewritten.

CHAIN RESOLUTION:
  InviterChain is a WITH RECURSIVE query. The recursion carries a
  comma-delimited path of visited ids (account ids cannot contain commas)
  and stops at maxLevels, at a root, or at the first repeated id.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety, and a single connection for
  ":memory:" databases (each connection would otherwise get its own empty
  database). Methods on the transaction view never take the mutex: WithTx
  already holds it.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging), foreign keys on, a busy
  timeout, and IMMEDIATE transactions so a settlement takes the write lock
  up front instead of failing on upgrade.

USAGE:
  store, err := sqlite.New("./data/referral.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine, err := distribution.NewEngine(store, cfg)

SEE ALSO:
  - distribution/store.go: Interface definitions
  - store/postgres: PostgreSQL implementation of the same contract
  - distribution/storetest: Contract tests shared by every backend
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/referral-engine/distribution"
)

// Store implements distribution.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Accounts and the inviter edge (child -> parent)
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		inviter_id TEXT REFERENCES accounts(id),
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_inviter
		ON accounts(inviter_id) WHERE inviter_id IS NOT NULL;

	-- Balances, one row per currency, in 10^-8 units
	CREATE TABLE IF NOT EXISTS account_balances (
		account_id TEXT NOT NULL REFERENCES accounts(id),
		currency TEXT NOT NULL,
		amount INTEGER NOT NULL DEFAULT 0 CHECK (typeof(amount) = 'integer'),
		updated_at TEXT NOT NULL,
		PRIMARY KEY (account_id, currency)
	);

	-- Distribution Ledger
	CREATE TABLE IF NOT EXISTS reward_batches (
		batch_id TEXT PRIMARY KEY,
		source_account_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		earned_amount INTEGER NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('queued', 'processing', 'completed', 'failed')),
		levels_processed INTEGER NOT NULL DEFAULT 0,
		recipient_count INTEGER NOT NULL DEFAULT 0,
		total_distributed INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	);

	-- Recovery scans by status, oldest first
	CREATE INDEX IF NOT EXISTS idx_reward_batches_status_created
		ON reward_batches(status, created_at, batch_id);

	-- Payout records
	CREATE TABLE IF NOT EXISTS ledger_transactions (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL REFERENCES reward_batches(batch_id),
		recipient_id TEXT NOT NULL,
		source_account_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		percent TEXT NOT NULL,
		amount INTEGER NOT NULL,
		currency TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (batch_id, level)
	);

	-- Recent payouts per recipient (hot path for reporting)
	CREATE INDEX IF NOT EXISTS idx_ledger_transactions_recipient
		ON ledger_transactions(recipient_id, created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// STORE (distribution.Store interface)
// =============================================================================

func (s *Store) InviterOf(ctx context.Context, id distribution.AccountID) (distribution.AccountID, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return inviterOf(ctx, s.db, id)
}

func (s *Store) InviterChain(ctx context.Context, id distribution.AccountID, maxLevels int) (distribution.Chain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return inviterChain(ctx, s.db, id, maxLevels)
}

func (s *Store) CreateAccount(ctx context.Context, account distribution.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createAccount(ctx, s.db, account)
}

func (s *Store) GetAccount(ctx context.Context, id distribution.AccountID) (*distribution.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccount(ctx, s.db, id)
}

func (s *Store) CreditBalances(ctx context.Context, currency distribution.Currency, credits []distribution.Credit, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return creditBalances(ctx, s.db, currency, credits, at)
}

func (s *Store) CreateBatch(ctx context.Context, batch distribution.RewardBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createBatch(ctx, s.db, batch)
}

func (s *Store) GetBatch(ctx context.Context, id distribution.BatchID) (*distribution.RewardBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBatch(ctx, s.db, id)
}

func (s *Store) TransitionBatch(ctx context.Context, id distribution.BatchID, t distribution.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return transitionBatch(ctx, s.db, id, t)
}

func (s *Store) ScanBatches(ctx context.Context, filter distribution.BatchFilter) ([]distribution.RewardBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanBatches(ctx, s.db, filter)
}

func (s *Store) InsertLedgerTransactions(ctx context.Context, txs []distribution.LedgerTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertLedgerTransactions(ctx, s.db, txs)
}

func (s *Store) TransactionsForBatch(ctx context.Context, id distribution.BatchID) ([]distribution.LedgerTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryLedgerTransactions(ctx, s.db, ledgerSelect+`
		WHERE batch_id = ?
		ORDER BY level ASC`, id)
}

func (s *Store) RecentTransactions(ctx context.Context, recipient distribution.AccountID, limit int) ([]distribution.LedgerTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return recentTransactions(ctx, s.db, recipient, limit)
}

// =============================================================================
// TRANSACTIONAL STORE (distribution.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store distribution.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) InviterOf(ctx context.Context, id distribution.AccountID) (distribution.AccountID, bool, error) {
	return inviterOf(ctx, ts.tx, id)
}

func (ts *txStore) InviterChain(ctx context.Context, id distribution.AccountID, maxLevels int) (distribution.Chain, error) {
	return inviterChain(ctx, ts.tx, id, maxLevels)
}

func (ts *txStore) CreateAccount(ctx context.Context, account distribution.Account) error {
	return createAccount(ctx, ts.tx, account)
}

func (ts *txStore) GetAccount(ctx context.Context, id distribution.AccountID) (*distribution.Account, error) {
	return getAccount(ctx, ts.tx, id)
}

func (ts *txStore) CreditBalances(ctx context.Context, currency distribution.Currency, credits []distribution.Credit, at time.Time) error {
	return creditBalances(ctx, ts.tx, currency, credits, at)
}

func (ts *txStore) CreateBatch(ctx context.Context, batch distribution.RewardBatch) error {
	return createBatch(ctx, ts.tx, batch)
}

func (ts *txStore) GetBatch(ctx context.Context, id distribution.BatchID) (*distribution.RewardBatch, error) {
	return getBatch(ctx, ts.tx, id)
}

func (ts *txStore) TransitionBatch(ctx context.Context, id distribution.BatchID, t distribution.Transition) error {
	return transitionBatch(ctx, ts.tx, id, t)
}

func (ts *txStore) ScanBatches(ctx context.Context, filter distribution.BatchFilter) ([]distribution.RewardBatch, error) {
	return scanBatches(ctx, ts.tx, filter)
}

func (ts *txStore) InsertLedgerTransactions(ctx context.Context, txs []distribution.LedgerTransaction) error {
	return insertLedgerTransactions(ctx, ts.tx, txs)
}

func (ts *txStore) TransactionsForBatch(ctx context.Context, id distribution.BatchID) ([]distribution.LedgerTransaction, error) {
	return queryLedgerTransactions(ctx, ts.tx, ledgerSelect+`
		WHERE batch_id = ?
		ORDER BY level ASC`, id)
}

func (ts *txStore) RecentTransactions(ctx context.Context, recipient distribution.AccountID, limit int) ([]distribution.LedgerTransaction, error) {
	return recentTransactions(ctx, ts.tx, recipient, limit)
}

// =============================================================================
// QUERIES - shared by Store and txStore
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func inviterOf(ctx context.Context, q querier, id distribution.AccountID) (distribution.AccountID, bool, error) {
	var inviter sql.NullString
	err := q.QueryRowContext(ctx, `SELECT inviter_id FROM accounts WHERE id = ?`, id).Scan(&inviter)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load inviter: %w", err)
	}
	if !inviter.Valid || inviter.String == "" {
		return "", false, nil
	}
	return distribution.AccountID(inviter.String), true, nil
}

const chainQuery = `
	WITH RECURSIVE chain(id, level, path) AS (
		SELECT a.inviter_id, 1, ',' || a.id || ',' || a.inviter_id || ','
		FROM accounts a
		WHERE a.id = ?
		  AND a.inviter_id IS NOT NULL
		  AND a.inviter_id <> a.id
		UNION ALL
		SELECT p.inviter_id, c.level + 1, c.path || p.inviter_id || ','
		FROM chain c
		JOIN accounts p ON p.id = c.id
		WHERE p.inviter_id IS NOT NULL
		  AND c.level < ?
		  AND instr(c.path, ',' || p.inviter_id || ',') = 0
	)
	SELECT id, level FROM chain ORDER BY level ASC
`

func inviterChain(ctx context.Context, q querier, id distribution.AccountID, maxLevels int) (distribution.Chain, error) {
	chain := distribution.Chain{}
	if maxLevels <= 0 {
		return chain, nil
	}

	rows, err := q.QueryContext(ctx, chainQuery, id, maxLevels)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve inviter chain: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var link distribution.ChainLink
		if err := rows.Scan(&link.AccountID, &link.Level); err != nil {
			return nil, fmt.Errorf("failed to scan chain link: %w", err)
		}
		chain = append(chain, link)
	}
	return chain, rows.Err()
}

func createAccount(ctx context.Context, q querier, account distribution.Account) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO accounts (id, inviter_id, created_at) VALUES (?, ?, ?)`,
		account.ID,
		nullString(string(account.InviterID)),
		formatTime(account.CreatedAt),
	)
	if err != nil {
		switch {
		case isUniqueConstraintError(err):
			return fmt.Errorf("account %s: %w", account.ID, distribution.ErrDuplicateAccount)
		case isForeignKeyError(err):
			return fmt.Errorf("inviter %s: %w", account.InviterID, distribution.ErrInviterNotFound)
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func getAccount(ctx context.Context, q querier, id distribution.AccountID) (*distribution.Account, error) {
	var (
		account   distribution.Account
		inviter   sql.NullString
		createdAt string
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, inviter_id, created_at FROM accounts WHERE id = ?`, id,
	).Scan(&account.ID, &inviter, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, distribution.ErrAccountNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	account.InviterID = distribution.AccountID(inviter.String)
	account.CreatedAt = parseTime(createdAt)

	rows, err := q.QueryContext(ctx,
		`SELECT currency, amount FROM account_balances WHERE account_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load balances: %w", err)
	}
	defer rows.Close()

	account.Balances = make(map[distribution.Currency]decimal.Decimal)
	for rows.Next() {
		var (
			currency distribution.Currency
			units    int64
		)
		if err := rows.Scan(&currency, &units); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		account.Balances[currency] = fromUnits(units)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &account, nil
}

// creditBalances relies on the CHECK on account_balances.amount: SQLite
// turns an overflowing integer sum into REAL, which the CHECK refuses, so the
// whole statement fails instead of storing a lossy balance.
func creditBalances(ctx context.Context, q querier, currency distribution.Currency, credits []distribution.Credit, at time.Time) error {
	if len(credits) == 0 {
		return nil
	}

	now := formatTime(at)
	values := make([]string, 0, len(credits))
	args := make([]any, 0, len(credits)*4)
	for _, c := range credits {
		units, err := toUnits(c.Amount)
		if err != nil {
			return fmt.Errorf("credit %s: %w", c.AccountID, err)
		}
		values = append(values, "(?, ?, ?, ?)")
		args = append(args, c.AccountID, currency, units, now)
	}

	query := `
		INSERT INTO account_balances (account_id, currency, amount, updated_at)
		VALUES ` + strings.Join(values, ", ") + `
		ON CONFLICT (account_id, currency)
		DO UPDATE SET amount = amount + excluded.amount, updated_at = excluded.updated_at
	`
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		switch {
		case isForeignKeyError(err):
			return fmt.Errorf("credit balances: %w", distribution.ErrAccountNotFound)
		case isCheckError(err):
			return fmt.Errorf("credit balances: %w", distribution.ErrAmountOverflow)
		}
		return fmt.Errorf("failed to credit balances: %w", err)
	}
	return nil
}

// =============================================================================
// DISTRIBUTION LEDGER
// =============================================================================

const batchSelect = `
	SELECT batch_id, source_account_id, currency, earned_amount, status,
	       levels_processed, recipient_count, total_distributed, error_message,
	       attempts, created_at, updated_at, started_at, completed_at
	FROM reward_batches
`

func createBatch(ctx context.Context, q querier, b distribution.RewardBatch) error {
	earned, err := toUnits(b.EarnedAmount)
	if err != nil {
		return fmt.Errorf("batch %s earned amount: %w", b.BatchID, err)
	}
	total, err := toUnits(b.TotalDistributed)
	if err != nil {
		return fmt.Errorf("batch %s total: %w", b.BatchID, err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO reward_batches
		(batch_id, source_account_id, currency, earned_amount, status,
		 levels_processed, recipient_count, total_distributed, error_message,
		 attempts, created_at, updated_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		b.BatchID,
		b.SourceAccountID,
		b.Currency,
		earned,
		b.Status,
		b.LevelsProcessed,
		b.RecipientCount,
		total,
		b.ErrorMessage,
		b.Attempts,
		formatTime(b.CreatedAt),
		formatTime(b.UpdatedAt),
		nullTime(b.StartedAt),
		nullTime(b.CompletedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("batch %s: %w", b.BatchID, distribution.ErrDuplicateBatch)
		}
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

func getBatch(ctx context.Context, q querier, id distribution.BatchID) (*distribution.RewardBatch, error) {
	rows, err := q.QueryContext(ctx, batchSelect+` WHERE batch_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("batch %s: %w", id, distribution.ErrBatchNotFound)
	}
	b, err := scanBatch(rows)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// transitionBatch is a conditional UPDATE. Zero affected rows means either
// a missing batch or a refused transition; a follow-up lookup tells which.
func transitionBatch(ctx context.Context, q querier, id distribution.BatchID, t distribution.Transition) error {
	if len(t.From) == 0 {
		return &distribution.TransitionError{BatchID: id, To: t.To}
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{t.To, formatTime(t.At)}
	if t.IncrementAttempts {
		sets = append(sets, "attempts = attempts + 1", "started_at = ?")
		args = append(args, formatTime(t.At))
	}
	if t.LevelsProcessed != nil {
		sets = append(sets, "levels_processed = ?")
		args = append(args, *t.LevelsProcessed)
	}
	if t.RecipientCount != nil {
		sets = append(sets, "recipient_count = ?")
		args = append(args, *t.RecipientCount)
	}
	if t.TotalDistributed != nil {
		units, err := toUnits(*t.TotalDistributed)
		if err != nil {
			return fmt.Errorf("batch %s total: %w", id, err)
		}
		sets = append(sets, "total_distributed = ?")
		args = append(args, units)
	}
	if t.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *t.ErrorMessage)
	}
	if t.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, formatTime(*t.CompletedAt))
	}

	where := []string{"batch_id = ?", "status IN (" + placeholders(len(t.From)) + ")"}
	args = append(args, id)
	for _, from := range t.From {
		args = append(args, from)
	}
	if t.RequireAttempts > 0 {
		where = append(where, "attempts = ?")
		args = append(args, t.RequireAttempts)
	}

	query := "UPDATE reward_batches SET " + strings.Join(sets, ", ") + " WHERE " + strings.Join(where, " AND ")
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update batch %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update batch %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = q.QueryRowContext(ctx, `SELECT 1 FROM reward_batches WHERE batch_id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("batch %s: %w", id, distribution.ErrBatchNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load batch %s: %w", id, err)
	}
	return &distribution.TransitionError{BatchID: id, To: t.To, From: t.From}
}

func scanBatches(ctx context.Context, q querier, f distribution.BatchFilter) ([]distribution.RewardBatch, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if !f.StaleBefore.IsZero() {
		where = append(where, "(status = 'failed' OR updated_at <= ?)")
		args = append(args, formatTime(f.StaleBefore))
	}
	if f.MaxAttempts > 0 {
		where = append(where, "attempts < ?")
		args = append(args, f.MaxAttempts)
	}
	if f.MinAttempts > 0 {
		where = append(where, "attempts >= ?")
		args = append(args, f.MinAttempts)
	}

	query := batchSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, batch_id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan batches: %w", err)
	}
	defer rows.Close()

	var batches []distribution.RewardBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func scanBatch(rows *sql.Rows) (distribution.RewardBatch, error) {
	var (
		b           distribution.RewardBatch
		earned      int64
		total       int64
		createdAt   string
		updatedAt   string
		startedAt   sql.NullString
		completedAt sql.NullString
	)

	err := rows.Scan(
		&b.BatchID, &b.SourceAccountID, &b.Currency, &earned, &b.Status,
		&b.LevelsProcessed, &b.RecipientCount, &total, &b.ErrorMessage,
		&b.Attempts, &createdAt, &updatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return b, fmt.Errorf("failed to scan batch: %w", err)
	}

	b.EarnedAmount = fromUnits(earned)
	b.TotalDistributed = fromUnits(total)
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	b.StartedAt = parseNullTime(startedAt)
	b.CompletedAt = parseNullTime(completedAt)
	return b, nil
}

// =============================================================================
// LEDGER TRANSACTIONS
// =============================================================================

const ledgerSelect = `
	SELECT id, batch_id, recipient_id, source_account_id, level, percent,
	       amount, currency, created_at
	FROM ledger_transactions
`

// insertLedgerTransactions writes all rows in one statement.
func insertLedgerTransactions(ctx context.Context, q querier, txs []distribution.LedgerTransaction) error {
	if len(txs) == 0 {
		return nil
	}

	values := make([]string, 0, len(txs))
	args := make([]any, 0, len(txs)*9)
	for _, tx := range txs {
		units, err := toUnits(tx.Amount)
		if err != nil {
			return fmt.Errorf("ledger transaction %s: %w", tx.ID, err)
		}
		values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			tx.ID,
			tx.BatchID,
			tx.RecipientID,
			tx.SourceAccountID,
			tx.Level,
			tx.Percent.String(),
			units,
			tx.Currency,
			formatTime(tx.CreatedAt),
		)
	}

	query := `
		INSERT INTO ledger_transactions
		(id, batch_id, recipient_id, source_account_id, level, percent, amount, currency, created_at)
		VALUES ` + strings.Join(values, ", ")
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		switch {
		case isUniqueConstraintError(err):
			return fmt.Errorf("ledger transactions for batch %s: %w", txs[0].BatchID, distribution.ErrDuplicateBatch)
		case isForeignKeyError(err):
			return fmt.Errorf("ledger transactions for batch %s: %w", txs[0].BatchID, distribution.ErrBatchNotFound)
		}
		return fmt.Errorf("failed to insert ledger transactions: %w", err)
	}
	return nil
}

func recentTransactions(ctx context.Context, q querier, recipient distribution.AccountID, limit int) ([]distribution.LedgerTransaction, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	return queryLedgerTransactions(ctx, q, ledgerSelect+`
		WHERE recipient_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, recipient, limit)
}

func queryLedgerTransactions(ctx context.Context, q querier, query string, args ...any) ([]distribution.LedgerTransaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger transactions: %w", err)
	}
	defer rows.Close()

	var txs []distribution.LedgerTransaction
	for rows.Next() {
		var (
			tx        distribution.LedgerTransaction
			percent   string
			amount    int64
			createdAt string
		)
		if err := rows.Scan(
			&tx.ID, &tx.BatchID, &tx.RecipientID, &tx.SourceAccountID, &tx.Level,
			&percent, &amount, &tx.Currency, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ledger transaction: %w", err)
		}
		tx.Percent, err = decimal.NewFromString(percent)
		if err != nil {
			return nil, fmt.Errorf("ledger transaction %s: bad percent %q: %w", tx.ID, percent, err)
		}
		tx.Amount = fromUnits(amount)
		tx.CreatedAt = parseTime(createdAt)
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed width so TEXT comparison orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var unitScale = decimal.New(1, distribution.AmountPlaces)

// toUnits converts an amount to integer 10^-8 units, truncating any
// further digits. Amounts outside int64 fail with ErrAmountOverflow.
func toUnits(d decimal.Decimal) (int64, error) {
	units := d.Mul(unitScale).Truncate(0).BigInt()
	if !units.IsInt64() {
		return 0, fmt.Errorf("amount %s: %w", d, distribution.ErrAmountOverflow)
	}
	return units.Int64(), nil
}

func fromUnits(units int64) decimal.Decimal {
	return decimal.New(units, -distribution.AmountPlaces)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isForeignKeyError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}

func isCheckError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintCheck
	}
	return false
}
