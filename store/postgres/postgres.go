/*
Package postgres provides a PostgreSQL implementation of distribution.TxStore
on top of pgxpool.

PURPOSE:
  Production backend for deployments where several engine processes share
  one database. Row locks, not a process mutex, serialize concurrent
  settlements.

SCHEMA:
  Managed by goose; migrations are embedded from ./migrations and applied
  by Migrate. Amounts are NUMERIC(38,8) and travel as text so no precision
  is lost between decimal.Decimal and the database.

BULK WRITES:
  CreditBalances and InsertLedgerTransactions send one statement each,
  expanding parallel arrays with unnest(). Credits are merged per account
  and sorted by account id so concurrent settlements lock balance rows in
  the same order.

CHAIN RESOLUTION:
  InviterChain is a WITH RECURSIVE query carrying the visited ids as a
  text[] path; a link is only followed if its id is not already in the
  path.

SEE ALSO:
  - store/sqlite: default single-node backend
  - distribution/storetest: shared contract tests
*/
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/warp/referral-engine/distribution"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Store implements distribution.TxStore using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to PostgreSQL and pings it.
func Open(ctx context.Context, connStr string) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate applies all pending migrations.
func Migrate(ctx context.Context, connStr string) error {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// =============================================================================
// STORE (distribution.Store interface)
// =============================================================================

func (s *Store) InviterOf(ctx context.Context, id distribution.AccountID) (distribution.AccountID, bool, error) {
	return queries{s.pool}.inviterOf(ctx, id)
}

func (s *Store) InviterChain(ctx context.Context, id distribution.AccountID, maxLevels int) (distribution.Chain, error) {
	return queries{s.pool}.inviterChain(ctx, id, maxLevels)
}

func (s *Store) CreateAccount(ctx context.Context, account distribution.Account) error {
	return queries{s.pool}.createAccount(ctx, account)
}

func (s *Store) GetAccount(ctx context.Context, id distribution.AccountID) (*distribution.Account, error) {
	return queries{s.pool}.getAccount(ctx, id)
}

func (s *Store) CreditBalances(ctx context.Context, currency distribution.Currency, credits []distribution.Credit, at time.Time) error {
	return queries{s.pool}.creditBalances(ctx, currency, credits, at)
}

func (s *Store) CreateBatch(ctx context.Context, batch distribution.RewardBatch) error {
	return queries{s.pool}.createBatch(ctx, batch)
}

func (s *Store) GetBatch(ctx context.Context, id distribution.BatchID) (*distribution.RewardBatch, error) {
	return queries{s.pool}.getBatch(ctx, id)
}

func (s *Store) TransitionBatch(ctx context.Context, id distribution.BatchID, t distribution.Transition) error {
	return queries{s.pool}.transitionBatch(ctx, id, t)
}

func (s *Store) ScanBatches(ctx context.Context, filter distribution.BatchFilter) ([]distribution.RewardBatch, error) {
	return queries{s.pool}.scanBatches(ctx, filter)
}

func (s *Store) InsertLedgerTransactions(ctx context.Context, txs []distribution.LedgerTransaction) error {
	return queries{s.pool}.insertLedgerTransactions(ctx, txs)
}

func (s *Store) TransactionsForBatch(ctx context.Context, id distribution.BatchID) ([]distribution.LedgerTransaction, error) {
	return queries{s.pool}.transactionsForBatch(ctx, id)
}

func (s *Store) RecentTransactions(ctx context.Context, recipient distribution.AccountID, limit int) ([]distribution.LedgerTransaction, error) {
	return queries{s.pool}.recentTransactions(ctx, recipient, limit)
}

// =============================================================================
// TRANSACTIONAL STORE (distribution.TxStore interface)
// =============================================================================

// WithTx runs fn in a READ COMMITTED transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store distribution.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err := fn(&txStore{q: queries{tx}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	q queries
}

func (ts *txStore) InviterOf(ctx context.Context, id distribution.AccountID) (distribution.AccountID, bool, error) {
	return ts.q.inviterOf(ctx, id)
}

func (ts *txStore) InviterChain(ctx context.Context, id distribution.AccountID, maxLevels int) (distribution.Chain, error) {
	return ts.q.inviterChain(ctx, id, maxLevels)
}

func (ts *txStore) CreateAccount(ctx context.Context, account distribution.Account) error {
	return ts.q.createAccount(ctx, account)
}

func (ts *txStore) GetAccount(ctx context.Context, id distribution.AccountID) (*distribution.Account, error) {
	return ts.q.getAccount(ctx, id)
}

func (ts *txStore) CreditBalances(ctx context.Context, currency distribution.Currency, credits []distribution.Credit, at time.Time) error {
	return ts.q.creditBalances(ctx, currency, credits, at)
}

func (ts *txStore) CreateBatch(ctx context.Context, batch distribution.RewardBatch) error {
	return ts.q.createBatch(ctx, batch)
}

func (ts *txStore) GetBatch(ctx context.Context, id distribution.BatchID) (*distribution.RewardBatch, error) {
	return ts.q.getBatch(ctx, id)
}

func (ts *txStore) TransitionBatch(ctx context.Context, id distribution.BatchID, t distribution.Transition) error {
	return ts.q.transitionBatch(ctx, id, t)
}

func (ts *txStore) ScanBatches(ctx context.Context, filter distribution.BatchFilter) ([]distribution.RewardBatch, error) {
	return ts.q.scanBatches(ctx, filter)
}

func (ts *txStore) InsertLedgerTransactions(ctx context.Context, txs []distribution.LedgerTransaction) error {
	return ts.q.insertLedgerTransactions(ctx, txs)
}

func (ts *txStore) TransactionsForBatch(ctx context.Context, id distribution.BatchID) ([]distribution.LedgerTransaction, error) {
	return ts.q.transactionsForBatch(ctx, id)
}

func (ts *txStore) RecentTransactions(ctx context.Context, recipient distribution.AccountID, limit int) ([]distribution.LedgerTransaction, error) {
	return ts.q.recentTransactions(ctx, recipient, limit)
}

// =============================================================================
// QUERIES
// =============================================================================

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db querier
}

func (q queries) inviterOf(ctx context.Context, id distribution.AccountID) (distribution.AccountID, bool, error) {
	var inviter pgtype.Text
	err := q.db.QueryRow(ctx, `SELECT inviter_id FROM accounts WHERE id = $1`, string(id)).Scan(&inviter)
	if errors.Is(err, pgx.ErrNoRows) {
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
		SELECT a.inviter_id, 1, ARRAY[a.id, a.inviter_id]
		FROM accounts a
		WHERE a.id = $1
		  AND a.inviter_id IS NOT NULL
		  AND a.inviter_id <> a.id
		UNION ALL
		SELECT p.inviter_id, c.level + 1, c.path || p.inviter_id
		FROM chain c
		JOIN accounts p ON p.id = c.id
		WHERE p.inviter_id IS NOT NULL
		  AND c.level < $2
		  AND NOT (p.inviter_id = ANY(c.path))
	)
	SELECT id, level FROM chain ORDER BY level ASC
`

func (q queries) inviterChain(ctx context.Context, id distribution.AccountID, maxLevels int) (distribution.Chain, error) {
	chain := distribution.Chain{}
	if maxLevels <= 0 {
		return chain, nil
	}

	rows, err := q.db.Query(ctx, chainQuery, string(id), maxLevels)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve inviter chain: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ancestor string
			level    int
		)
		if err := rows.Scan(&ancestor, &level); err != nil {
			return nil, fmt.Errorf("failed to scan chain link: %w", err)
		}
		chain = append(chain, distribution.ChainLink{AccountID: distribution.AccountID(ancestor), Level: level})
	}
	return chain, rows.Err()
}

func (q queries) createAccount(ctx context.Context, account distribution.Account) error {
	var inviter *string
	if account.InviterID != "" {
		s := string(account.InviterID)
		inviter = &s
	}
	_, err := q.db.Exec(ctx,
		`INSERT INTO accounts (id, inviter_id, created_at) VALUES ($1, $2, $3)`,
		string(account.ID), inviter, account.CreatedAt.UTC(),
	)
	switch {
	case err == nil:
		return nil
	case hasPGCode(err, pgUniqueViolation):
		return fmt.Errorf("account %s: %w", account.ID, distribution.ErrDuplicateAccount)
	case hasPGCode(err, pgForeignKeyViolation):
		return fmt.Errorf("inviter %s: %w", account.InviterID, distribution.ErrInviterNotFound)
	}
	return fmt.Errorf("failed to create account: %w", err)
}

func (q queries) getAccount(ctx context.Context, id distribution.AccountID) (*distribution.Account, error) {
	var (
		inviter   pgtype.Text
		createdAt time.Time
	)
	err := q.db.QueryRow(ctx,
		`SELECT inviter_id, created_at FROM accounts WHERE id = $1`, string(id),
	).Scan(&inviter, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, distribution.ErrAccountNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	account := &distribution.Account{
		ID:        id,
		InviterID: distribution.AccountID(inviter.String),
		CreatedAt: createdAt.UTC(),
		Balances:  make(map[distribution.Currency]decimal.Decimal),
	}

	rows, err := q.db.Query(ctx,
		`SELECT currency, amount::text FROM account_balances WHERE account_id = $1`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to load balances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var currency, amount string
		if err := rows.Scan(&currency, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		v, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("account %s: bad balance %q: %w", id, amount, err)
		}
		account.Balances[distribution.Currency(currency)] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return account, nil
}

func (q queries) creditBalances(ctx context.Context, currency distribution.Currency, credits []distribution.Credit, at time.Time) error {
	if len(credits) == 0 {
		return nil
	}

	// ON CONFLICT cannot touch the same row twice in one statement.
	merged := make(map[distribution.AccountID]decimal.Decimal, len(credits))
	for _, c := range credits {
		merged[c.AccountID] = merged[c.AccountID].Add(c.Amount)
	}
	ids := make([]string, 0, len(merged))
	for id := range merged {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	amounts := make([]string, len(ids))
	for i, id := range ids {
		amounts[i] = merged[distribution.AccountID(id)].String()
	}

	_, err := q.db.Exec(ctx, `
		INSERT INTO account_balances (account_id, currency, amount, updated_at)
		SELECT t.account_id, $1, t.amount::numeric, $4
		FROM unnest($2::text[], $3::text[]) AS t(account_id, amount)
		ON CONFLICT (account_id, currency)
		DO UPDATE SET amount = account_balances.amount + excluded.amount,
		              updated_at = excluded.updated_at
	`, string(currency), ids, amounts, at.UTC())
	if err != nil {
		if hasPGCode(err, pgForeignKeyViolation) {
			return fmt.Errorf("credit balances: %w", distribution.ErrAccountNotFound)
		}
		return fmt.Errorf("failed to credit balances: %w", err)
	}
	return nil
}

// =============================================================================
// DISTRIBUTION LEDGER
// =============================================================================

const batchSelect = `
	SELECT batch_id, source_account_id, currency, earned_amount::text, status,
	       levels_processed, recipient_count, total_distributed::text, error_message,
	       attempts, created_at, updated_at, started_at, completed_at
	FROM reward_batches
`

func (q queries) createBatch(ctx context.Context, b distribution.RewardBatch) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO reward_batches
		(batch_id, source_account_id, currency, earned_amount, status,
		 levels_processed, recipient_count, total_distributed, error_message,
		 attempts, created_at, updated_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8::numeric, $9, $10, $11, $12, $13, $14)
	`,
		string(b.BatchID),
		string(b.SourceAccountID),
		string(b.Currency),
		b.EarnedAmount.String(),
		string(b.Status),
		b.LevelsProcessed,
		b.RecipientCount,
		b.TotalDistributed.String(),
		b.ErrorMessage,
		b.Attempts,
		b.CreatedAt.UTC(),
		b.UpdatedAt.UTC(),
		b.StartedAt,
		b.CompletedAt,
	)
	if err != nil {
		if hasPGCode(err, pgUniqueViolation) {
			return fmt.Errorf("batch %s: %w", b.BatchID, distribution.ErrDuplicateBatch)
		}
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

func (q queries) getBatch(ctx context.Context, id distribution.BatchID) (*distribution.RewardBatch, error) {
	b, err := scanBatch(q.db.QueryRow(ctx, batchSelect+` WHERE batch_id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, distribution.ErrBatchNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// args numbers positional parameters as they are appended.
type args []any

func (a *args) add(v any) string {
	*a = append(*a, v)
	return fmt.Sprintf("$%d", len(*a))
}

func statusList(statuses []distribution.BatchStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func (q queries) transitionBatch(ctx context.Context, id distribution.BatchID, t distribution.Transition) error {
	if len(t.From) == 0 {
		return &distribution.TransitionError{BatchID: id, To: t.To}
	}

	var a args
	sets := []string{
		"status = " + a.add(string(t.To)),
		"updated_at = " + a.add(t.At.UTC()),
	}
	if t.IncrementAttempts {
		sets = append(sets, "attempts = attempts + 1", "started_at = "+a.add(t.At.UTC()))
	}
	if t.LevelsProcessed != nil {
		sets = append(sets, "levels_processed = "+a.add(*t.LevelsProcessed))
	}
	if t.RecipientCount != nil {
		sets = append(sets, "recipient_count = "+a.add(*t.RecipientCount))
	}
	if t.TotalDistributed != nil {
		sets = append(sets, "total_distributed = "+a.add(t.TotalDistributed.String())+"::numeric")
	}
	if t.ErrorMessage != nil {
		sets = append(sets, "error_message = "+a.add(*t.ErrorMessage))
	}
	if t.CompletedAt != nil {
		sets = append(sets, "completed_at = "+a.add(t.CompletedAt.UTC()))
	}

	where := []string{
		"batch_id = " + a.add(string(id)),
		"status = ANY(" + a.add(statusList(t.From)) + "::text[])",
	}
	if t.RequireAttempts > 0 {
		where = append(where, "attempts = "+a.add(t.RequireAttempts))
	}

	query := "UPDATE reward_batches SET " + strings.Join(sets, ", ") + " WHERE " + strings.Join(where, " AND ")
	tag, err := q.db.Exec(ctx, query, a...)
	if err != nil {
		return fmt.Errorf("failed to update batch %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reward_batches WHERE batch_id = $1)`, string(id)).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to load batch %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("batch %s: %w", id, distribution.ErrBatchNotFound)
	}
	return &distribution.TransitionError{BatchID: id, To: t.To, From: t.From}
}

func (q queries) scanBatches(ctx context.Context, f distribution.BatchFilter) ([]distribution.RewardBatch, error) {
	var (
		a     args
		where []string
	)
	if len(f.Statuses) > 0 {
		where = append(where, "status = ANY("+a.add(statusList(f.Statuses))+"::text[])")
	}
	if !f.StaleBefore.IsZero() {
		where = append(where, "(status = 'failed' OR updated_at <= "+a.add(f.StaleBefore.UTC())+")")
	}
	if f.MaxAttempts > 0 {
		where = append(where, "attempts < "+a.add(f.MaxAttempts))
	}
	if f.MinAttempts > 0 {
		where = append(where, "attempts >= "+a.add(f.MinAttempts))
	}

	query := batchSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, batch_id ASC"
	if f.Limit > 0 {
		query += " LIMIT " + a.add(f.Limit)
	}

	rows, err := q.db.Query(ctx, query, a...)
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

func scanBatch(row pgx.Row) (distribution.RewardBatch, error) {
	var (
		b                                 distribution.RewardBatch
		batchID, source, currency, status string
		earned, total                     string
		startedAt, completedAt            pgtype.Timestamptz
	)
	err := row.Scan(
		&batchID, &source, &currency, &earned, &status,
		&b.LevelsProcessed, &b.RecipientCount, &total, &b.ErrorMessage,
		&b.Attempts, &b.CreatedAt, &b.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return b, err
		}
		return b, fmt.Errorf("failed to scan batch: %w", err)
	}

	b.BatchID = distribution.BatchID(batchID)
	b.SourceAccountID = distribution.AccountID(source)
	b.Currency = distribution.Currency(currency)
	b.Status = distribution.BatchStatus(status)
	if b.EarnedAmount, err = decimal.NewFromString(earned); err != nil {
		return b, fmt.Errorf("batch %s: bad earned amount %q: %w", batchID, earned, err)
	}
	if b.TotalDistributed, err = decimal.NewFromString(total); err != nil {
		return b, fmt.Errorf("batch %s: bad total %q: %w", batchID, total, err)
	}
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	b.StartedAt = timePtr(startedAt)
	b.CompletedAt = timePtr(completedAt)
	return b, nil
}

// =============================================================================
// LEDGER TRANSACTIONS
// =============================================================================

const ledgerSelect = `
	SELECT id, batch_id, recipient_id, source_account_id, level, percent::text,
	       amount::text, currency, created_at
	FROM ledger_transactions
`

func (q queries) insertLedgerTransactions(ctx context.Context, txs []distribution.LedgerTransaction) error {
	if len(txs) == 0 {
		return nil
	}

	n := len(txs)
	var (
		ids        = make([]string, n)
		batchIDs   = make([]string, n)
		recipients = make([]string, n)
		sources    = make([]string, n)
		levels     = make([]int32, n)
		percents   = make([]string, n)
		amounts    = make([]string, n)
		currencies = make([]string, n)
		createdAt  = make([]time.Time, n)
	)
	for i, tx := range txs {
		ids[i] = tx.ID
		batchIDs[i] = string(tx.BatchID)
		recipients[i] = string(tx.RecipientID)
		sources[i] = string(tx.SourceAccountID)
		levels[i] = int32(tx.Level)
		percents[i] = tx.Percent.String()
		amounts[i] = tx.Amount.String()
		currencies[i] = string(tx.Currency)
		createdAt[i] = tx.CreatedAt.UTC()
	}

	_, err := q.db.Exec(ctx, `
		INSERT INTO ledger_transactions
		(id, batch_id, recipient_id, source_account_id, level, percent, amount, currency, created_at)
		SELECT t.id, t.batch_id, t.recipient_id, t.source_account_id, t.level,
		       t.percent::numeric, t.amount::numeric, t.currency, t.created_at
		FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::int4[],
		            $6::text[], $7::text[], $8::text[], $9::timestamptz[])
		     AS t(id, batch_id, recipient_id, source_account_id, level, percent, amount, currency, created_at)
	`, ids, batchIDs, recipients, sources, levels, percents, amounts, currencies, createdAt)
	if err != nil {
		switch {
		case hasPGCode(err, pgUniqueViolation):
			return fmt.Errorf("ledger transactions for batch %s: %w", txs[0].BatchID, distribution.ErrDuplicateBatch)
		case hasPGCode(err, pgForeignKeyViolation):
			return fmt.Errorf("ledger transactions for batch %s: %w", txs[0].BatchID, distribution.ErrBatchNotFound)
		}
		return fmt.Errorf("failed to insert ledger transactions: %w", err)
	}
	return nil
}

func (q queries) transactionsForBatch(ctx context.Context, id distribution.BatchID) ([]distribution.LedgerTransaction, error) {
	return q.queryLedgerTransactions(ctx, ledgerSelect+`
		WHERE batch_id = $1
		ORDER BY level ASC`, string(id))
}

func (q queries) recentTransactions(ctx context.Context, recipient distribution.AccountID, limit int) ([]distribution.LedgerTransaction, error) {
	var lim *int // NULL means no limit
	if limit > 0 {
		lim = &limit
	}
	return q.queryLedgerTransactions(ctx, ledgerSelect+`
		WHERE recipient_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, string(recipient), lim)
}

func (q queries) queryLedgerTransactions(ctx context.Context, query string, args ...any) ([]distribution.LedgerTransaction, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger transactions: %w", err)
	}
	defer rows.Close()

	var txs []distribution.LedgerTransaction
	for rows.Next() {
		var (
			tx                                   distribution.LedgerTransaction
			batchID, recipient, source, currency string
			percent, amount                      string
		)
		if err := rows.Scan(
			&tx.ID, &batchID, &recipient, &source, &tx.Level,
			&percent, &amount, &currency, &tx.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ledger transaction: %w", err)
		}
		tx.BatchID = distribution.BatchID(batchID)
		tx.RecipientID = distribution.AccountID(recipient)
		tx.SourceAccountID = distribution.AccountID(source)
		tx.Currency = distribution.Currency(currency)
		tx.CreatedAt = tx.CreatedAt.UTC()
		if tx.Percent, err = decimal.NewFromString(percent); err != nil {
			return nil, fmt.Errorf("ledger transaction %s: bad percent %q: %w", tx.ID, percent, err)
		}
		if tx.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("ledger transaction %s: bad amount %q: %w", tx.ID, amount, err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time.UTC()
	return &t
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
