/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
	Provides pre-built referral graphs plus earning events so the engine can
	be exercised end to end without an upstream income system. Each scenario
	creates its accounts and submits its accruals through the same engine
	calls the real producer uses.

AVAILABLE SCENARIOS:

	deep-chain:      25-level linear chain; one accrual at the bottom shows
	                 the chain being capped at the max level
	wide-tree:       One root, 3 managers, 5 leaves each; every leaf earns
	mixed-currency:  Short chain earning in both COIN and TON

HOW SCENARIOS WORK:
 1. Account ids are prefixed with a per-load run id, so a scenario can be
    loaded repeatedly into the same database
 2. Accounts are created top-down (inviters first)
 3. Accruals are submitted and queued; the worker settles them

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "wide-tree"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Add a builder to 'scenarioBuilders'

SEE ALSO:
  - handlers.go: account and accrual handlers
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/referral-engine/distribution"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "deep-chain",
		Name:        "Deep Chain",
		Description: "25-level linear referral chain; commissions stop at the max level",
	},
	{
		ID:          "wide-tree",
		Name:        "Wide Tree",
		Description: "Root with 3 managers and 15 leaves; every leaf earns 10 COIN",
	},
	{
		ID:          "mixed-currency",
		Name:        "Mixed Currency",
		Description: "Three-level chain earning COIN and TON",
	},
}

// scenarioPlan is the graph and the earning events of one scenario.
type scenarioPlan struct {
	// accounts in creation order; inviter "" is a root.
	accounts []scenarioAccount
	accruals []scenarioAccrual
}

type scenarioAccount struct {
	id, inviter string
}

type scenarioAccrual struct {
	account  string
	amount   string
	currency distribution.Currency
}

var scenarioBuilders = map[string]func() scenarioPlan{
	"deep-chain":     deepChainPlan,
	"wide-tree":      wideTreePlan,
	"mixed-currency": mixedCurrencyPlan,
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario creates a scenario's accounts and submits its accruals.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	build, ok := scenarioBuilders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	resp, err := h.loadScenario(r.Context(), req.ScenarioID, build())
	if err != nil {
		h.writeDomainError(w, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) loadScenario(ctx context.Context, id string, plan scenarioPlan) (LoadScenarioResponse, error) {
	run := strings.SplitN(uuid.NewString(), "-", 2)[0]
	prefixed := func(s string) distribution.AccountID {
		return distribution.AccountID(run + "." + s)
	}

	resp := LoadScenarioResponse{ScenarioID: id, RunID: run}
	for _, a := range plan.accounts {
		var inviter distribution.AccountID
		if a.inviter != "" {
			inviter = prefixed(a.inviter)
		}
		if _, err := h.Engine.CreateAccount(ctx, prefixed(a.id), inviter); err != nil {
			return resp, fmt.Errorf("create %s: %w", a.id, err)
		}
		resp.Accounts = append(resp.Accounts, string(prefixed(a.id)))
	}

	for _, acc := range plan.accruals {
		batchID, err := h.Engine.OnAccrual(ctx, prefixed(acc.account), decimal.RequireFromString(acc.amount), acc.currency)
		if err != nil {
			return resp, fmt.Errorf("accrual for %s: %w", acc.account, err)
		}
		resp.BatchIDs = append(resp.BatchIDs, string(batchID))
	}

	h.log.Info("api: scenario loaded", "scenario", id, "run", run,
		"accounts", len(resp.Accounts), "batches", len(resp.BatchIDs))
	return resp, nil
}

// =============================================================================
// SCENARIO BUILDERS
// =============================================================================

func deepChainPlan() scenarioPlan {
	var p scenarioPlan
	p.accounts = append(p.accounts, scenarioAccount{id: "n00"})
	for i := 1; i <= 25; i++ {
		p.accounts = append(p.accounts, scenarioAccount{
			id:      fmt.Sprintf("n%02d", i),
			inviter: fmt.Sprintf("n%02d", i-1),
		})
	}
	p.accruals = []scenarioAccrual{{account: "n25", amount: "100", currency: distribution.CurrencyCoin}}
	return p
}

func wideTreePlan() scenarioPlan {
	var p scenarioPlan
	p.accounts = append(p.accounts, scenarioAccount{id: "root"})
	for m := 1; m <= 3; m++ {
		manager := fmt.Sprintf("m%d", m)
		p.accounts = append(p.accounts, scenarioAccount{id: manager, inviter: "root"})
		for l := 1; l <= 5; l++ {
			leaf := fmt.Sprintf("m%d-l%d", m, l)
			p.accounts = append(p.accounts, scenarioAccount{id: leaf, inviter: manager})
			p.accruals = append(p.accruals, scenarioAccrual{account: leaf, amount: "10", currency: distribution.CurrencyCoin})
		}
	}
	return p
}

func mixedCurrencyPlan() scenarioPlan {
	return scenarioPlan{
		accounts: []scenarioAccount{
			{id: "a"},
			{id: "b", inviter: "a"},
			{id: "c", inviter: "b"},
			{id: "d", inviter: "c"},
		},
		accruals: []scenarioAccrual{
			{account: "d", amount: "250.5", currency: distribution.CurrencyCoin},
			{account: "d", amount: "3.25", currency: distribution.CurrencyTON},
			{account: "c", amount: "40", currency: distribution.CurrencyTON},
		},
	}
}
