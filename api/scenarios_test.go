package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenario_List(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarioBuilders))
}

func TestScenario_DeepChainIsCapped(t *testing.T) {
	// GIVEN: The deep-chain scenario (26 accounts, accrual at the bottom)
	// WHEN: It is loaded and the worker drains
	// THEN: Only the configured levels are paid, and the chain walk stops at max levels

	s := newTestServer(t)
	rec := s.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "deep-chain"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	loaded := decode[LoadScenarioResponse](t, rec)
	require.Len(t, loaded.Accounts, 26)
	require.Len(t, loaded.BatchIDs, 1)

	s.drain()

	batch := decode[BatchDTO](t, s.do(http.MethodGet, "/api/batches/"+loaded.BatchIDs[0], nil))
	assert.Equal(t, "completed", batch.Status)
	assert.Equal(t, 20, batch.LevelsProcessed)
	assert.Equal(t, 3, batch.RecipientCount)
	assert.Equal(t, "10", batch.TotalDistributed)
}

func TestScenario_WideTreeLoadsTwice(t *testing.T) {
	// GIVEN: The wide-tree scenario loaded twice
	// WHEN: Both runs settle
	// THEN: Runs do not collide and each root earns 15 leaves x 10 x 3% = 4.5

	s := newTestServer(t)
	var runs []LoadScenarioResponse
	for i := 0; i < 2; i++ {
		rec := s.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "wide-tree"})
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		runs = append(runs, decode[LoadScenarioResponse](t, rec))
	}
	require.NotEqual(t, runs[0].RunID, runs[1].RunID)

	s.drain()

	for _, run := range runs {
		root := decode[AccountDTO](t, s.do(http.MethodGet, "/api/accounts/"+run.RunID+".root", nil))
		assert.Equal(t, "4.5", root.Balances["COIN"])
		manager := decode[AccountDTO](t, s.do(http.MethodGet, "/api/accounts/"+run.RunID+".m1", nil))
		assert.Equal(t, "2.5", manager.Balances["COIN"])
	}
}

func TestScenario_Unknown(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
