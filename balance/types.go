/*
Package balance maintains a single, consistent, concurrently-mutable view of
per-account monetary balances derived from a stream of financial transactions.

PURPOSE:
  Multiple producers (manual entry, bulk import, recurring generation,
  transfers) mutate balances concurrently. This package guarantees that
  mutations are applied in a well-defined order, that reads never observe a
  torn intermediate state, and that expensive recomputation is avoided via
  incremental deltas and a bounded cache.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: an input event with a signed monetary effect per account
  - Account: registration input from the account source
  - AccountBalance: the authoritative per-account record, owned by Store
  - Operation / UpdateRequest: the unit of work flowing through the queue
  - Priority: immediate > high > normal > low

DESIGN PRINCIPLES:
  1. Precision: all monetary math uses decimal.Decimal, never float64
  2. Single writer: only the queue consumer mutates the Store
  3. Type safety: AccountID and Currency are distinct string types
  4. Explicit DI: the Coordinator is built from its parts, no back-pointers

SEE ALSO:
  - engine.go: pure effect and delta calculation
  - store.go: authoritative balance records and change notifications
  - queue.go: priority-debounced serialization of writes
  - cache.go: bounded LRU in front of Store reads
  - coordinator.go: the public entry point composing the above
*/
package balance

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type Currency string

// =============================================================================
// TRANSACTION - Input event from the transaction source
// =============================================================================

type TransactionType string

const (
	TxIncome   TransactionType = "income"   // +amount on source account
	TxExpense  TransactionType = "expense"  // -amount on source account
	TxTransfer TransactionType = "transfer" // -amount on source, +amount on target
	TxDeposit  TransactionType = "deposit"  // deposit interest, income-like
)

// Transaction is a balance-affecting event. The package never stores
// transactions; it only consumes their effects.
type Transaction struct {
	ID              string
	Amount          decimal.Decimal
	Currency        Currency
	Type            TransactionType
	SourceAccountID AccountID
	TargetAccountID AccountID // transfers only
	Date            time.Time
}

// AffectedAccounts returns the accounts whose balance this transaction
// touches: the source, and for transfers also the target.
func (t Transaction) AffectedAccounts() []AccountID {
	ids := []AccountID{t.SourceAccountID}
	if t.Type == TxTransfer && t.TargetAccountID != "" && t.TargetAccountID != t.SourceAccountID {
		ids = append(ids, t.TargetAccountID)
	}
	return ids
}

// =============================================================================
// ACCOUNT - Registration input from the account source
// =============================================================================

// Account is what collaborators supply when registering an account or
// bootstrapping a full recalculation.
type Account struct {
	ID              AccountID
	Currency        Currency
	ObservedBalance decimal.Decimal
}

// =============================================================================
// ACCOUNT BALANCE - Authoritative record, owned exclusively by Store
// =============================================================================

// CalculationMode decides how a full recalculation treats an account.
//
//   - ModeFromInitialBalance: CurrentBalance == *InitialBalance + sum of the
//     signed effect of every transaction attributed to the account.
//   - ModePreserveImported: CurrentBalance already reflected all transactions
//     known at registration time (bulk import supplies a final balance).
//     Only transactions added afterwards are applied incrementally.
//     Replaying the backlog would double-count.
//
// The mode is assigned once, when the account transitions from "freshly
// observed" to "initial balance computed or supplied", and can be explicitly
// reassigned via MarkAsManual / MarkAsImported.
type CalculationMode string

const (
	ModeUnknown            CalculationMode = ""
	ModeFromInitialBalance CalculationMode = "from_initial_balance"
	ModePreserveImported   CalculationMode = "preserve_imported"
)

// AccountBalance is the authoritative balance record for one account.
// Mutated only through the Store API.
type AccountBalance struct {
	AccountID      AccountID
	CurrentBalance decimal.Decimal
	InitialBalance *decimal.Decimal // required once Mode == ModeFromInitialBalance
	Mode           CalculationMode
	Currency       Currency
	LastUpdatedAt  time.Time // ordering/debug only, the queue provides ordering
}

// =============================================================================
// OPERATION - What a request asks the pipeline to do
// =============================================================================

type OperationKind string

const (
	OpAdd                 OperationKind = "add"
	OpRemove              OperationKind = "remove"
	OpUpdate              OperationKind = "update"
	OpAdjust              OperationKind = "adjust"
	OpRecalculateAll      OperationKind = "recalculate_all"
	OpRecalculateAccounts OperationKind = "recalculate_accounts"
)

// Operation is a tagged variant. Which fields are populated depends on Kind:
//
//	OpAdd/OpRemove:          Transactions (one or many, batched)
//	OpUpdate:                OldTransaction and NewTransaction
//	OpAdjust:                AdjustAccountID + AdjustDelta (raw delta, no
//	                         transaction; carries optimistic adjustments)
//	OpRecalculateAll:        Accounts + History
//	OpRecalculateAccounts:   Accounts + History + AccountIDs (the subset)
type Operation struct {
	Kind OperationKind

	Transactions   []Transaction
	OldTransaction *Transaction
	NewTransaction *Transaction

	AdjustAccountID AccountID
	AdjustDelta     decimal.Decimal

	Accounts   []Account
	History    []Transaction
	AccountIDs []AccountID
}

// AffectedAccounts returns the union of account ids this operation touches.
func (op Operation) AffectedAccounts() []AccountID {
	seen := make(map[AccountID]bool)
	var ids []AccountID
	add := func(id AccountID) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	for _, tx := range op.Transactions {
		for _, id := range tx.AffectedAccounts() {
			add(id)
		}
	}
	if op.OldTransaction != nil {
		for _, id := range op.OldTransaction.AffectedAccounts() {
			add(id)
		}
	}
	if op.NewTransaction != nil {
		for _, id := range op.NewTransaction.AffectedAccounts() {
			add(id)
		}
	}
	add(op.AdjustAccountID)
	for _, id := range op.AccountIDs {
		add(id)
	}
	if op.Kind == OpRecalculateAll {
		for _, acc := range op.Accounts {
			add(acc.ID)
		}
	}
	return ids
}

// =============================================================================
// PRIORITY - Lower ordinal is more urgent
// =============================================================================

type Priority int

const (
	PriorityImmediate Priority = iota // processed synchronously, caller waits
	PriorityHigh                      // short debounce
	PriorityNormal                    // default debounce
	PriorityLow                       // drained only when nothing else pending
	numPriorities
)

func (p Priority) String() string {
	switch p {
	case PriorityImmediate:
		return "immediate"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// =============================================================================
// UPDATE REQUEST - Ephemeral, owned by the queue during its lifetime
// =============================================================================

// UpdateRequest is one unit of work for the queue. Requests at the same
// priority touching the same account are always applied in enqueue order.
type UpdateRequest struct {
	ID                 uuid.UUID
	AffectedAccountIDs []AccountID
	Operation          Operation
	Priority           Priority
	EnqueuedAt         time.Time

	// done receives the processing result for synchronous (immediate) calls.
	// Nil for fire-and-forget priorities.
	done chan error
}

// NewUpdateRequest builds a request for the given operation.
func NewUpdateRequest(op Operation, priority Priority) *UpdateRequest {
	req := &UpdateRequest{
		ID:                 uuid.New(),
		AffectedAccountIDs: op.AffectedAccounts(),
		Operation:          op,
		Priority:           priority,
	}
	if priority == PriorityImmediate {
		req.done = make(chan error, 1)
	}
	return req
}

// =============================================================================
// OPTIMISTIC OPERATION - Speculative adjustment, reversible by exact delta
// =============================================================================

// OptimisticOperation records a speculative balance adjustment applied ahead
// of confirmed persistence. Reverting subtracts the exact delta, never a full
// recompute.
type OptimisticOperation struct {
	ID        uuid.UUID
	AccountID AccountID
	Delta     decimal.Decimal
	AppliedAt time.Time
}

// =============================================================================
// CONVERSION
// =============================================================================

// ConvertFunc converts an amount between currencies. Injected by the
// collaborator that owns exchange rates. When absent, cross-currency effects
// fail with ErrConversionUnavailable.
type ConvertFunc func(amount decimal.Decimal, from, to Currency) (decimal.Decimal, error)

// =============================================================================
// TOLERANCE
// =============================================================================

// tolerance is one minor currency unit. Two balances closer than this are
// considered equal for debug and consistency assertions only. Never used to
// round stored values.
var tolerance = decimal.NewFromFloat(0.01)

// WithinTolerance reports whether a and b differ by less than one minor
// currency unit.
func WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(tolerance)
}
