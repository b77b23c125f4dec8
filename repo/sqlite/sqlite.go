/*
Package sqlite provides a SQLite-backed implementation of the repository
interfaces.

PURPOSE:
  Durable storage for accounts and transactions, the inputs the balance
  engine reconstructs its state from. The engine itself stays in memory;
  after a restart, RecalculateAll over this repository restores every
  balance.

KEY TABLES:
  accounts:     registered accounts with observed balances
  transactions: the full balance-affecting event history

AMOUNTS:
  Monetary values are stored as decimal strings, never as REAL. SQLite's
  floating-point affinity would reintroduce exactly the cent-level drift the
  engine avoids.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  repo, err := sqlite.New("./data/balances.db")
  if err != nil {
      log.Fatal(err)
  }
  defer repo.Close()

SEE ALSO:
  - balance/repository.go: Interface definitions
  - repo/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/balance-engine/balance"
)

// Repository implements the repository interfaces using SQLite.
type Repository struct {
	db *sql.DB
}

// New creates a SQLite repository at the given path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Repository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &Repository{db: db}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return repo, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		currency TEXT NOT NULL,
		observed_balance TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		source_account_id TEXT NOT NULL,
		target_account_id TEXT,
		tx_date TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_source
		ON transactions(source_account_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_target
		ON transactions(target_account_id) WHERE target_account_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_transactions_date
		ON transactions(tx_date);
	`
	_, err := r.db.Exec(schema)
	return err
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (r *Repository) Accounts(ctx context.Context) ([]balance.Account, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, currency, observed_balance FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var out []balance.Account
	for rows.Next() {
		var acc balance.Account
		var observed string
		if err := rows.Scan(&acc.ID, &acc.Currency, &observed); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		acc.ObservedBalance, err = decimal.NewFromString(observed)
		if err != nil {
			return nil, fmt.Errorf("invalid observed balance for %s: %w", acc.ID, err)
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

func (r *Repository) SaveAccount(ctx context.Context, acc balance.Account) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (id, currency, observed_balance, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			currency = excluded.currency,
			observed_balance = excluded.observed_balance`,
		string(acc.ID), string(acc.Currency), acc.ObservedBalance.String(),
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func (r *Repository) DeleteAccount(ctx context.Context, id balance.AccountID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

const txColumns = `id, amount, currency, tx_type, source_account_id, target_account_id, tx_date`

func (r *Repository) Transactions(ctx context.Context) ([]balance.Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+txColumns+` FROM transactions ORDER BY tx_date, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (r *Repository) TransactionsForAccounts(ctx context.Context, ids []balance.AccountID) ([]balance.Transaction, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := ""
	args := make([]any, 0, len(ids)*2)
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, string(id))
	}
	// Same set again for the target column.
	for _, id := range ids {
		args = append(args, string(id))
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+txColumns+` FROM transactions
		 WHERE source_account_id IN (`+placeholders+`)
		    OR target_account_id IN (`+placeholders+`)
		 ORDER BY tx_date, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (r *Repository) Transaction(ctx context.Context, id string) (balance.Transaction, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id = ?`, id)

	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return balance.Transaction{}, false, nil
	}
	if err != nil {
		return balance.Transaction{}, false, err
	}
	return tx, true, nil
}

func (r *Repository) SaveTransaction(ctx context.Context, tx balance.Transaction) error {
	var target any
	if tx.TargetAccountID != "" {
		target = string(tx.TargetAccountID)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transactions (id, amount, currency, tx_type, source_account_id, target_account_id, tx_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			amount = excluded.amount,
			currency = excluded.currency,
			tx_type = excluded.tx_type,
			source_account_id = excluded.source_account_id,
			target_account_id = excluded.target_account_id,
			tx_date = excluded.tx_date`,
		tx.ID, tx.Amount.String(), string(tx.Currency), string(tx.Type),
		string(tx.SourceAccountID), target,
		tx.Date.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}
	return nil
}

func (r *Repository) DeleteTransaction(ctx context.Context, id string) (balance.Transaction, bool, error) {
	tx, ok, err := r.Transaction(ctx, id)
	if err != nil || !ok {
		return balance.Transaction{}, ok, err
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id); err != nil {
		return balance.Transaction{}, false, fmt.Errorf("failed to delete transaction: %w", err)
	}
	return tx, true, nil
}

// =============================================================================
// SCAN HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (balance.Transaction, error) {
	var tx balance.Transaction
	var amount, txDate string
	var target sql.NullString

	if err := row.Scan(&tx.ID, &amount, &tx.Currency, &tx.Type,
		&tx.SourceAccountID, &target, &txDate); err != nil {
		return balance.Transaction{}, err
	}

	var err error
	tx.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return balance.Transaction{}, fmt.Errorf("invalid amount for %s: %w", tx.ID, err)
	}
	tx.Date, err = time.Parse(time.RFC3339, txDate)
	if err != nil {
		return balance.Transaction{}, fmt.Errorf("invalid date for %s: %w", tx.ID, err)
	}
	if target.Valid {
		tx.TargetAccountID = balance.AccountID(target.String)
	}
	return tx, nil
}

func scanTransactions(rows *sql.Rows) ([]balance.Transaction, error) {
	var out []balance.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

var _ balance.AccountRepository = (*Repository)(nil)
var _ balance.TransactionRepository = (*Repository)(nil)
