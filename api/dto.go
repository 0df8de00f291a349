/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the distribution domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Response wrappers

AMOUNTS:
  Every amount and percentage is rendered as a decimal string ("5.25"), never
  a JSON float. Requests accept either a string or a number.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/table.go: TableJSON, the commission table wire format
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/referral-engine/distribution"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

// AccountDTO represents an account in API responses.
type AccountDTO struct {
	ID        string            `json:"id"`
	InviterID string            `json:"inviter_id,omitempty"`
	Balances  map[string]string `json:"balances"`
	CreatedAt string            `json:"created_at,omitempty"`
}

// CreateAccountRequest is the request to create an account.
type CreateAccountRequest struct {
	ID        string `json:"id"`
	InviterID string `json:"inviter_id,omitempty"`
}

// ChainLinkDTO is one ancestor of an account.
type ChainLinkDTO struct {
	AccountID string `json:"account_id"`
	Level     int    `json:"level"`
}

// ChainResponse is the resolved inviter chain of an account.
type ChainResponse struct {
	AccountID string         `json:"account_id"`
	Mode      string         `json:"mode"`
	Chain     []ChainLinkDTO `json:"chain"`
}

// =============================================================================
// ACCRUALS & BATCHES
// =============================================================================

// AccrualRequest reports an earning event.
type AccrualRequest struct {
	BatchID   string          `json:"batch_id,omitempty"`
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

// AccrualResponse acknowledges a queued batch.
type AccrualResponse struct {
	BatchID string `json:"batch_id"`
	Status  string `json:"status"`
}

// BatchDTO represents a Distribution Ledger row.
type BatchDTO struct {
	BatchID          string `json:"batch_id"`
	SourceAccountID  string `json:"source_account_id"`
	Currency         string `json:"currency"`
	EarnedAmount     string `json:"earned_amount"`
	Status           string `json:"status"`
	LevelsProcessed  int    `json:"levels_processed"`
	RecipientCount   int    `json:"recipient_count"`
	TotalDistributed string `json:"total_distributed"`
	ErrorMessage     string `json:"error_message,omitempty"`
	Attempts         int    `json:"attempts"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
	StartedAt        string `json:"started_at,omitempty"`
	CompletedAt      string `json:"completed_at,omitempty"`
}

// TransactionDTO represents one payout.
type TransactionDTO struct {
	ID              string `json:"id"`
	BatchID         string `json:"batch_id"`
	RecipientID     string `json:"recipient_id"`
	SourceAccountID string `json:"source_account_id"`
	Level           int    `json:"level"`
	Percent         string `json:"percent"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	CreatedAt       string `json:"created_at"`
}

// =============================================================================
// ADMIN
// =============================================================================

// ModeDTO is the current chain resolver mode.
type ModeDTO struct {
	Mode      string `json:"mode"`
	Optimized bool   `json:"optimized"`
}

// SetModeRequest switches the resolver. Either field may be used; Mode wins
// when both are set.
type SetModeRequest struct {
	Mode      string `json:"mode,omitempty"`
	Optimized *bool  `json:"optimized,omitempty"`
}

// RecoverResponse reports how many batches a recovery run requeued.
type RecoverResponse struct {
	Requeued int `json:"requeued"`
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status string `json:"status"`
	Mode   string `json:"mode"`
	Queued int    `json:"queued"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func toAccountDTO(a *distribution.Account) AccountDTO {
	dto := AccountDTO{
		ID:        string(a.ID),
		InviterID: string(a.InviterID),
		Balances:  make(map[string]string, len(a.Balances)),
		CreatedAt: formatTime(a.CreatedAt),
	}
	for currency, amount := range a.Balances {
		dto.Balances[string(currency)] = amount.String()
	}
	return dto
}

func toChainResponse(id distribution.AccountID, mode distribution.ResolverMode, chain distribution.Chain) ChainResponse {
	resp := ChainResponse{
		AccountID: string(id),
		Mode:      string(mode),
		Chain:     make([]ChainLinkDTO, len(chain)),
	}
	for i, link := range chain {
		resp.Chain[i] = ChainLinkDTO{AccountID: string(link.AccountID), Level: link.Level}
	}
	return resp
}

func toBatchDTO(b *distribution.RewardBatch) BatchDTO {
	return BatchDTO{
		BatchID:          string(b.BatchID),
		SourceAccountID:  string(b.SourceAccountID),
		Currency:         string(b.Currency),
		EarnedAmount:     b.EarnedAmount.String(),
		Status:           string(b.Status),
		LevelsProcessed:  b.LevelsProcessed,
		RecipientCount:   b.RecipientCount,
		TotalDistributed: b.TotalDistributed.String(),
		ErrorMessage:     b.ErrorMessage,
		Attempts:         b.Attempts,
		CreatedAt:        formatTime(b.CreatedAt),
		UpdatedAt:        formatTime(b.UpdatedAt),
		StartedAt:        formatTimePtr(b.StartedAt),
		CompletedAt:      formatTimePtr(b.CompletedAt),
	}
}

func toBatchDTOs(batches []distribution.RewardBatch) []BatchDTO {
	dtos := make([]BatchDTO, len(batches))
	for i := range batches {
		dtos[i] = toBatchDTO(&batches[i])
	}
	return dtos
}

func toTransactionDTOs(txs []distribution.LedgerTransaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = TransactionDTO{
			ID:              tx.ID,
			BatchID:         string(tx.BatchID),
			RecipientID:     string(tx.RecipientID),
			SourceAccountID: string(tx.SourceAccountID),
			Level:           tx.Level,
			Percent:         tx.Percent.String(),
			Amount:          tx.Amount.String(),
			Currency:        string(tx.Currency),
			CreatedAt:       formatTime(tx.CreatedAt),
		}
	}
	return dtos
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// LoadScenarioResponse lists what a scenario load created.
type LoadScenarioResponse struct {
	ScenarioID string   `json:"scenario_id"`
	RunID      string   `json:"run_id"`
	Accounts   []string `json:"accounts"`
	BatchIDs   []string `json:"batch_ids"`
}
