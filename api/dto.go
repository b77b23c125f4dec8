/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON structures decoupling the internal domain model from the external API
  contract. Amounts travel as decimal strings; float64 would corrupt them in
  transit.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
*/
package api

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/balance-engine/balance"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// AccountRequest registers an account.
type AccountRequest struct {
	ID              string `json:"id"`
	Currency        string `json:"currency"`
	ObservedBalance string `json:"observed_balance"`
	// Imported marks the balance as already reflecting the transaction
	// backlog (bulk import).
	Imported bool `json:"imported,omitempty"`
}

// BalanceDTO represents one account balance in responses.
type BalanceDTO struct {
	AccountID      string `json:"account_id"`
	CurrentBalance string `json:"current_balance"`
	InitialBalance string `json:"initial_balance,omitempty"`
	Mode           string `json:"mode,omitempty"`
	Currency       string `json:"currency"`
	LastUpdatedAt  string `json:"last_updated_at"`
}

// TransactionRequest submits one balance-affecting event.
type TransactionRequest struct {
	ID              string `json:"id"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	Type            string `json:"type"`
	SourceAccountID string `json:"source_account_id"`
	TargetAccountID string `json:"target_account_id,omitempty"`
	Date            string `json:"date"`
	// Priority: immediate, high, normal, low. Defaults to normal.
	Priority string `json:"priority,omitempty"`
}

// CacheStatsDTO reports cache counters.
type CacheStatsDTO struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toBalanceDTO(b balance.AccountBalance) BalanceDTO {
	dto := BalanceDTO{
		AccountID:      string(b.AccountID),
		CurrentBalance: b.CurrentBalance.String(),
		Mode:           string(b.Mode),
		Currency:       string(b.Currency),
		LastUpdatedAt:  b.LastUpdatedAt.UTC().Format(time.RFC3339),
	}
	if b.InitialBalance != nil {
		dto.InitialBalance = b.InitialBalance.String()
	}
	return dto
}

func (r AccountRequest) toAccount() (balance.Account, error) {
	if r.ID == "" {
		return balance.Account{}, fmt.Errorf("account id is required")
	}
	observed, err := decimal.NewFromString(r.ObservedBalance)
	if err != nil {
		return balance.Account{}, fmt.Errorf("invalid observed_balance: %w", err)
	}
	return balance.Account{
		ID:              balance.AccountID(r.ID),
		Currency:        balance.Currency(r.Currency),
		ObservedBalance: observed,
	}, nil
}

func (r TransactionRequest) toTransaction() (balance.Transaction, error) {
	if r.ID == "" {
		return balance.Transaction{}, fmt.Errorf("transaction id is required")
	}
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return balance.Transaction{}, fmt.Errorf("invalid amount: %w", err)
	}

	txType := balance.TransactionType(r.Type)
	switch txType {
	case balance.TxIncome, balance.TxExpense, balance.TxTransfer, balance.TxDeposit:
	default:
		return balance.Transaction{}, fmt.Errorf("invalid transaction type %q", r.Type)
	}
	if txType == balance.TxTransfer && r.TargetAccountID == "" {
		return balance.Transaction{}, fmt.Errorf("transfers require target_account_id")
	}

	date := time.Now()
	if r.Date != "" {
		date, err = time.Parse(time.RFC3339, r.Date)
		if err != nil {
			return balance.Transaction{}, fmt.Errorf("invalid date: %w", err)
		}
	}

	return balance.Transaction{
		ID:              r.ID,
		Amount:          amount,
		Currency:        balance.Currency(r.Currency),
		Type:            txType,
		SourceAccountID: balance.AccountID(r.SourceAccountID),
		TargetAccountID: balance.AccountID(r.TargetAccountID),
		Date:            date,
	}, nil
}

func parsePriority(s string) (balance.Priority, error) {
	switch s {
	case "immediate":
		return balance.PriorityImmediate, nil
	case "high":
		return balance.PriorityHigh, nil
	case "", "normal":
		return balance.PriorityNormal, nil
	case "low":
		return balance.PriorityLow, nil
	}
	return balance.PriorityNormal, fmt.Errorf("invalid priority %q", s)
}
