/*
repository.go - Collaborator interfaces for bootstrapping

PURPOSE:
  The engine itself is not durable: its state is always reconstructible from
  accounts plus transactions via RecalculateAll. These interfaces define the
  boundary to the collaborator that owns that durable data. Implementations
  live in repo/memory and repo/sqlite.
*/
package balance

import "context"

// AccountRepository supplies and persists account records.
type AccountRepository interface {
	// Accounts returns every known account.
	Accounts(ctx context.Context) ([]Account, error)

	// SaveAccount inserts or updates an account.
	SaveAccount(ctx context.Context, acc Account) error

	// DeleteAccount removes an account.
	DeleteAccount(ctx context.Context, id AccountID) error
}

// TransactionRepository supplies and persists the transaction history.
type TransactionRepository interface {
	// Transactions returns the full history, ordered by date.
	Transactions(ctx context.Context) ([]Transaction, error)

	// TransactionsForAccounts returns the history restricted to transactions
	// touching any of the given accounts.
	TransactionsForAccounts(ctx context.Context, ids []AccountID) ([]Transaction, error)

	// Transaction returns one transaction by id.
	Transaction(ctx context.Context, id string) (Transaction, bool, error)

	// SaveTransaction inserts or updates a transaction.
	SaveTransaction(ctx context.Context, tx Transaction) error

	// DeleteTransaction removes a transaction and returns the removed record
	// so callers can revert its balance effect.
	DeleteTransaction(ctx context.Context, id string) (Transaction, bool, error)
}
