/*
engine.go - Pure balance calculation

PURPOSE:
  Computes the signed monetary effect of transactions on accounts. The engine
  is stateless and pure: safe to call from any goroutine without
  synchronization. It knows nothing about queues, caches, or stores.

EFFECT RULES:
  income:    +amount on the source account
  deposit:   +amount on the source account (interest is income-like)
  expense:   -amount on the source account
  transfer:  -amount on the source account, +amount on the target account

CURRENCY:
  When the transaction currency differs from the account currency, the
  injected ConvertFunc resolves the effect. Without a converter the engine
  fails with ErrConversionUnavailable and the caller must not apply a
  partial effect.

NUMERIC SEMANTICS:
  All math uses decimal.Decimal. Repeated incremental application must not
  drift at the cent level, which rules out binary floating point.
*/
package balance

import "github.com/shopspring/decimal"

// =============================================================================
// ENGINE
// =============================================================================

// Engine computes transaction effects and full recalculations. Zero value is
// usable; Convert may be nil when all accounts share one currency.
type Engine struct {
	Convert ConvertFunc
}

// NewEngine creates an engine with the given conversion function.
func NewEngine(convert ConvertFunc) *Engine {
	return &Engine{Convert: convert}
}

// Effect returns the signed effect of tx on the given account, expressed in
// the account's currency. Transactions that do not reference the account have
// a zero effect.
func (e *Engine) Effect(tx Transaction, accountID AccountID, currency Currency) (decimal.Decimal, error) {
	var raw decimal.Decimal

	switch tx.Type {
	case TxIncome, TxDeposit:
		if tx.SourceAccountID == accountID {
			raw = tx.Amount
		}
	case TxExpense:
		if tx.SourceAccountID == accountID {
			raw = tx.Amount.Neg()
		}
	case TxTransfer:
		if tx.SourceAccountID == accountID {
			raw = raw.Sub(tx.Amount)
		}
		if tx.TargetAccountID == accountID {
			raw = raw.Add(tx.Amount)
		}
	}

	if raw.IsZero() || tx.Currency == currency || tx.Currency == "" {
		return raw, nil
	}
	if e.Convert == nil {
		return decimal.Zero, &ConversionError{From: tx.Currency, To: currency, Amount: tx.Amount}
	}
	converted, err := e.Convert(raw, tx.Currency, currency)
	if err != nil {
		return decimal.Zero, &ConversionError{From: tx.Currency, To: currency, Amount: tx.Amount}
	}
	return converted, nil
}

// ApplyTransaction returns current plus the effect of tx on the account.
func (e *Engine) ApplyTransaction(tx Transaction, current decimal.Decimal, account AccountBalance) (decimal.Decimal, error) {
	effect, err := e.Effect(tx, account.AccountID, account.Currency)
	if err != nil {
		return current, err
	}
	return current.Add(effect), nil
}

// RevertTransaction is the exact inverse of ApplyTransaction: it negates the
// effect. Used for deletions and optimistic-update rollback.
func (e *Engine) RevertTransaction(tx Transaction, current decimal.Decimal, account AccountBalance) (decimal.Decimal, error) {
	effect, err := e.Effect(tx, account.AccountID, account.Currency)
	if err != nil {
		return current, err
	}
	return current.Sub(effect), nil
}

// Delta returns the net signed delta an operation applies to one account.
// An update combines revert(old) and apply(new) into a single delta so the
// store sees one write instead of two.
func (e *Engine) Delta(op Operation, accountID AccountID, currency Currency) (decimal.Decimal, error) {
	total := decimal.Zero

	switch op.Kind {
	case OpAdd:
		for _, tx := range op.Transactions {
			effect, err := e.Effect(tx, accountID, currency)
			if err != nil {
				return decimal.Zero, err
			}
			total = total.Add(effect)
		}
	case OpRemove:
		for _, tx := range op.Transactions {
			effect, err := e.Effect(tx, accountID, currency)
			if err != nil {
				return decimal.Zero, err
			}
			total = total.Sub(effect)
		}
	case OpUpdate:
		if op.OldTransaction != nil {
			effect, err := e.Effect(*op.OldTransaction, accountID, currency)
			if err != nil {
				return decimal.Zero, err
			}
			total = total.Sub(effect)
		}
		if op.NewTransaction != nil {
			effect, err := e.Effect(*op.NewTransaction, accountID, currency)
			if err != nil {
				return decimal.Zero, err
			}
			total = total.Add(effect)
		}
	}

	return total, nil
}

// SumEffects returns the net signed effect of all transactions attributed to
// the account. Used for initial-balance derivation and recalculation.
func (e *Engine) SumEffects(txs []Transaction, accountID AccountID, currency Currency) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, tx := range txs {
		effect, err := e.Effect(tx, accountID, currency)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(effect)
	}
	return total, nil
}

// CalculateBalance recomputes an account's balance from scratch.
//
// Under ModeFromInitialBalance the result is initialBalance plus the sum of
// effects of all attributed transactions. Under ModePreserveImported the
// already-known balance is returned unchanged: replay is only meaningful for
// initial-balance accounts, and callers must not expect it for imported ones.
func (e *Engine) CalculateBalance(account AccountBalance, txs []Transaction) (decimal.Decimal, error) {
	if account.Mode == ModePreserveImported {
		return account.CurrentBalance, nil
	}

	initial := decimal.Zero
	if account.InitialBalance != nil {
		initial = *account.InitialBalance
	}
	sum, err := e.SumEffects(txs, account.AccountID, account.Currency)
	if err != nil {
		return decimal.Zero, err
	}
	return initial.Add(sum), nil
}
