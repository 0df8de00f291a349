/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Accrual to settlement round trip over HTTP
- Error mapping (400/404/409/503)
- Admin endpoints: commission table, resolver mode, manual recovery
- Health check
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/referral-engine/distribution"
	"github.com/warp/referral-engine/logger"
	"github.com/warp/referral-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testServer struct {
	t      *testing.T
	store  *sqlite.Store
	engine *distribution.Engine
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tbl, err := distribution.NewCommissionTable(map[int]decimal.Decimal{
		1: decimal.RequireFromString("0.05"),
		2: decimal.RequireFromString("0.03"),
		3: decimal.RequireFromString("0.02"),
	}, distribution.DefaultMaxLevels)
	require.NoError(t, err)

	engine, err := distribution.NewEngine(store, distribution.Config{
		Table:       tbl,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
		Logger:      logger.NewTest(),
	})
	require.NoError(t, err)

	h := NewHandler(engine, store, logger.NewTest())
	return &testServer{t: t, store: store, engine: engine, router: NewRouter(h, RouterOptions{})}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(s.t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) drain() {
	s.t.Helper()
	require.NoError(s.t, s.engine.Drain(context.Background()))
}

func (s *testServer) account(id, inviter string) {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/accounts", CreateAccountRequest{ID: id, InviterID: inviter})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// ROUND TRIP
// =============================================================================

func TestAccrual_SettlesAndIsQueryable(t *testing.T) {
	// GIVEN: A -> B -> C -> D (D was invited by C, and so on)
	// WHEN: D earns 100 COIN through the API and the worker drains
	// THEN: C, B, A receive 5, 3, 2 and every query endpoint agrees

	s := newTestServer(t)
	s.account("A", "")
	s.account("B", "A")
	s.account("C", "B")
	s.account("D", "C")

	rec := s.do(http.MethodPost, "/api/accruals", `{"account_id":"D","amount":"100","currency":"coin"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	accepted := decode[AccrualResponse](t, rec)
	require.NotEmpty(t, accepted.BatchID)
	assert.Equal(t, "queued", accepted.Status)

	s.drain()

	rec = s.do(http.MethodGet, "/api/batches/"+accepted.BatchID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	batch := decode[BatchDTO](t, rec)
	assert.Equal(t, "completed", batch.Status)
	assert.Equal(t, "10", batch.TotalDistributed)
	assert.Equal(t, 3, batch.LevelsProcessed)
	assert.Equal(t, 3, batch.RecipientCount)
	assert.Equal(t, 1, batch.Attempts)
	assert.NotEmpty(t, batch.CompletedAt)

	for id, want := range map[string]string{"C": "5", "B": "3", "A": "2"} {
		rec = s.do(http.MethodGet, "/api/accounts/"+id, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, want, decode[AccountDTO](t, rec).Balances["COIN"], "account %s", id)
	}

	rec = s.do(http.MethodGet, "/api/batches/"+accepted.BatchID+"/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decode[[]TransactionDTO](t, rec)
	require.Len(t, rows, 3)
	assert.Equal(t, "C", rows[0].RecipientID)
	assert.Equal(t, 1, rows[0].Level)
	assert.Equal(t, "0.05", rows[0].Percent)

	rec = s.do(http.MethodGet, "/api/accounts/A/transactions?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	received := decode[[]TransactionDTO](t, rec)
	require.Len(t, received, 1)
	assert.Equal(t, "2", received[0].Amount)
	assert.Equal(t, "D", received[0].SourceAccountID)

	rec = s.do(http.MethodGet, "/api/batches?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]BatchDTO](t, rec), 1)

	rec = s.do(http.MethodGet, "/api/batches?status=queued,failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]BatchDTO](t, rec))
}

func TestGetChain(t *testing.T) {
	s := newTestServer(t)
	s.account("A", "")
	s.account("B", "A")
	s.account("C", "B")

	rec := s.do(http.MethodGet, "/api/accounts/C/chain", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	chain := decode[ChainResponse](t, rec)
	assert.Equal(t, "iterative", chain.Mode)
	assert.Equal(t, []ChainLinkDTO{{AccountID: "B", Level: 1}, {AccountID: "A", Level: 2}}, chain.Chain)

	rec = s.do(http.MethodGet, "/api/accounts/A/chain", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[ChainResponse](t, rec).Chain)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)
	s.account("A", "")

	rec := s.do(http.MethodPost, "/api/accruals", AccrualRequest{BatchID: "dup", AccountID: "A", Amount: decimal.NewFromInt(1), Currency: "TON"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"malformed body", http.MethodPost, "/api/accounts", `{"id":`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/accounts", `{"id":"x","name":"y"}`, http.StatusBadRequest},
		{"invalid account id", http.MethodPost, "/api/accounts", CreateAccountRequest{ID: "has space"}, http.StatusBadRequest},
		{"unknown inviter", http.MethodPost, "/api/accounts", CreateAccountRequest{ID: "B", InviterID: "ghost"}, http.StatusBadRequest},
		{"self invite", http.MethodPost, "/api/accounts", CreateAccountRequest{ID: "S", InviterID: "S"}, http.StatusBadRequest},
		{"duplicate account", http.MethodPost, "/api/accounts", CreateAccountRequest{ID: "A"}, http.StatusConflict},
		{"missing account", http.MethodGet, "/api/accounts/ghost", nil, http.StatusNotFound},
		{"negative amount", http.MethodPost, "/api/accruals", `{"account_id":"A","amount":"-1","currency":"COIN"}`, http.StatusBadRequest},
		{"amount above max", http.MethodPost, "/api/accruals", `{"account_id":"A","amount":"184467440837.09551616","currency":"COIN"}`, http.StatusBadRequest},
		{"unknown currency", http.MethodPost, "/api/accruals", `{"account_id":"A","amount":"1","currency":"USD"}`, http.StatusBadRequest},
		{"duplicate batch", http.MethodPost, "/api/accruals", AccrualRequest{BatchID: "dup", AccountID: "A", Amount: decimal.NewFromInt(1), Currency: "TON"}, http.StatusConflict},
		{"missing batch", http.MethodGet, "/api/batches/nope", nil, http.StatusNotFound},
		{"missing batch rows", http.MethodGet, "/api/batches/nope/transactions", nil, http.StatusNotFound},
		{"bad status filter", http.MethodGet, "/api/batches?status=done", nil, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/batches?limit=ten", nil, http.StatusBadRequest},
		{"negative limit", http.MethodGet, "/api/accounts/A/transactions?limit=-1", nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestAccrual_RejectedAfterStop(t *testing.T) {
	s := newTestServer(t)
	s.account("A", "")
	s.engine.Stop()

	rec := s.do(http.MethodPost, "/api/accruals", `{"account_id":"A","amount":"1","currency":"COIN"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAdmin_Mode(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/admin/mode", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ModeDTO{Mode: "iterative", Optimized: false}, decode[ModeDTO](t, rec))

	rec = s.do(http.MethodPut, "/api/admin/mode", `{"mode":"recursive"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ModeDTO{Mode: "recursive", Optimized: true}, decode[ModeDTO](t, rec))
	assert.Equal(t, distribution.ModeRecursive, s.engine.Mode())

	rec = s.do(http.MethodPut, "/api/admin/mode", `{"optimized":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, distribution.ModeIterative, s.engine.Mode())

	rec = s.do(http.MethodPut, "/api/admin/mode", `{"mode":"optimized"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, distribution.ModeRecursive, s.engine.Mode())

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPut, "/api/admin/mode", `{"mode":"turbo"}`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPut, "/api/admin/mode", `{}`).Code)
}

func TestAdmin_CommissionTable(t *testing.T) {
	// GIVEN: The default 5/3/2 table
	// WHEN: It is replaced with a single 10% level
	// THEN: The next settlement pays only the direct inviter, 10%

	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/admin/commission-table", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"percent":"0.05"`)

	rec = s.do(http.MethodPut, "/api/admin/commission-table", `{"levels":[{"level":21,"percent":"0.1"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPut, "/api/admin/commission-table", `{"levels":[{"level":1,"percent":"0.1"}],"min_reward":"5"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPut, "/api/admin/commission-table", `{"levels":[{"level":1,"percent":"0.1"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	s.account("A", "")
	s.account("B", "A")
	s.account("C", "B")
	rec = s.do(http.MethodPost, "/api/accruals", `{"account_id":"C","amount":"50","currency":"TON"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	s.drain()

	b := decode[AccountDTO](t, s.do(http.MethodGet, "/api/accounts/B", nil))
	a := decode[AccountDTO](t, s.do(http.MethodGet, "/api/accounts/A", nil))
	assert.Equal(t, "5", b.Balances["TON"])
	assert.Empty(t, a.Balances)
}

func TestAdmin_RecoverStuckBatch(t *testing.T) {
	// GIVEN: A batch left processing by a crashed process (written directly)
	// WHEN: Recovery is triggered with all=true and the worker drains
	// THEN: The batch is requeued once and settles exactly once

	s := newTestServer(t)
	s.account("A", "")
	s.account("B", "A")

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.store.CreateBatch(ctx, distribution.RewardBatch{
		BatchID:          "stuck",
		SourceAccountID:  "B",
		Currency:         distribution.CurrencyCoin,
		EarnedAmount:     decimal.NewFromInt(100),
		Status:           distribution.BatchProcessing,
		TotalDistributed: decimal.Zero,
		Attempts:         1,
		CreatedAt:        now,
		UpdatedAt:        now,
		StartedAt:        &now,
	}))

	rec := s.do(http.MethodPost, "/api/admin/recover", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[RecoverResponse](t, rec).Requeued, "fresh rows are not stale yet")

	rec = s.do(http.MethodPost, "/api/admin/recover?all=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[RecoverResponse](t, rec).Requeued)

	s.drain()

	batch := decode[BatchDTO](t, s.do(http.MethodGet, "/api/batches/stuck", nil))
	assert.Equal(t, "completed", batch.Status)
	assert.Equal(t, 2, batch.Attempts)
	assert.Equal(t, "5", decode[AccountDTO](t, s.do(http.MethodGet, "/api/accounts/A", nil)).Balances["COIN"])

	rec = s.do(http.MethodPost, "/api/admin/recover?all=true", nil)
	assert.Equal(t, 0, decode[RecoverResponse](t, rec).Requeued)
}

// =============================================================================
// HEALTH & METRICS
// =============================================================================

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("database is locked") }

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)

	down := NewRouter(NewHandler(s.engine, downPinger{}, nil), RouterOptions{})
	rec = httptest.NewRecorder()
	down.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(http.MethodGet, "/healthz", nil)

	rec := s.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "referral_engine_http_requests_total")
}
