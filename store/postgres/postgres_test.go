package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/warp/referral-engine/distribution"
	"github.com/warp/referral-engine/distribution/storetest"
)

// startPostgres runs a throwaway PostgreSQL container. Set
// REFERRAL_POSTGRES_TESTS=1 to enable; it needs a Docker daemon.
func startPostgres(t *testing.T) string {
	t.Helper()
	if os.Getenv("REFERRAL_POSTGRES_TESTS") != "1" {
		t.Skip("set REFERRAL_POSTGRES_TESTS=1 to run PostgreSQL tests")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("referral"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		tcpostgres.BasicWaitStrategies(),
		tcpostgres.WithSQLDriver("pgx"),
	)
	require.NoError(t, err, "failed to start PostgreSQL container")
	t.Cleanup(func() {
		terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		container.Terminate(terminateCtx)
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, connStr))
	return connStr
}

func openStore(t *testing.T, connStr string) *Store {
	t.Helper()
	s, err := Open(context.Background(), connStr)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// truncate empties every table so each contract subtest starts clean.
func truncate(t *testing.T, s *Store) {
	t.Helper()
	_, err := s.pool.Exec(context.Background(),
		`TRUNCATE ledger_transactions, reward_batches, account_balances, accounts`)
	require.NoError(t, err)
}

func TestPostgres_Contract(t *testing.T) {
	connStr := startPostgres(t)
	storetest.Run(t, func(t *testing.T) distribution.TxStore {
		s := openStore(t, connStr)
		truncate(t, s)
		return s
	})
}

func TestPostgres_MigrateIsIdempotent(t *testing.T) {
	connStr := startPostgres(t)
	require.NoError(t, Migrate(context.Background(), connStr))
}

func TestPostgres_InviterChainStopsAtCycle(t *testing.T) {
	// GIVEN: a -> b -> c -> a, closed with raw SQL
	// WHEN: The chain of a is resolved with the recursive query
	// THEN: It matches the iterative walk and never revisits an account

	connStr := startPostgres(t)
	ctx := context.Background()
	s := openStore(t, connStr)
	truncate(t, s)

	require.NoError(t, s.CreateAccount(ctx, distribution.Account{ID: "c"}))
	require.NoError(t, s.CreateAccount(ctx, distribution.Account{ID: "b", InviterID: "c"}))
	require.NoError(t, s.CreateAccount(ctx, distribution.Account{ID: "a", InviterID: "b"}))
	_, err := s.pool.Exec(ctx, `UPDATE accounts SET inviter_id = 'a' WHERE id = 'c'`)
	require.NoError(t, err)

	chain, err := s.InviterChain(ctx, "a", 20)
	require.NoError(t, err)
	assert.Equal(t, distribution.Chain{
		{AccountID: "b", Level: 1},
		{AccountID: "c", Level: 2},
	}, chain)

	iterative, err := distribution.IterativeResolver{}.Resolve(ctx, s, "a", 20)
	require.NoError(t, err)
	assert.Equal(t, chain, iterative)
}
