// Package memory provides in-memory repository implementations for testing
// and development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/balance-engine/balance"
)

// =============================================================================
// MEMORY REPOSITORY - Accounts and transactions in maps
// =============================================================================

// Repository implements balance.AccountRepository and
// balance.TransactionRepository in memory.
type Repository struct {
	mu           sync.RWMutex
	accounts     map[balance.AccountID]balance.Account
	transactions map[string]balance.Transaction
}

func New() *Repository {
	return &Repository{
		accounts:     make(map[balance.AccountID]balance.Account),
		transactions: make(map[string]balance.Transaction),
	}
}

// -----------------------------------------------------------------------------
// AccountRepository
// -----------------------------------------------------------------------------

func (r *Repository) Accounts(_ context.Context) ([]balance.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]balance.Account, 0, len(r.accounts))
	for _, acc := range r.accounts {
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Repository) SaveAccount(_ context.Context, acc balance.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[acc.ID] = acc
	return nil
}

func (r *Repository) DeleteAccount(_ context.Context, id balance.AccountID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.accounts, id)
	return nil
}

// -----------------------------------------------------------------------------
// TransactionRepository
// -----------------------------------------------------------------------------

func (r *Repository) Transactions(_ context.Context) ([]balance.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked(nil), nil
}

func (r *Repository) TransactionsForAccounts(_ context.Context, ids []balance.AccountID) ([]balance.Transaction, error) {
	wanted := make(map[balance.AccountID]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked(func(tx balance.Transaction) bool {
		for _, id := range tx.AffectedAccounts() {
			if wanted[id] {
				return true
			}
		}
		return false
	}), nil
}

func (r *Repository) Transaction(_ context.Context, id string) (balance.Transaction, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tx, ok := r.transactions[id]
	return tx, ok, nil
}

func (r *Repository) SaveTransaction(_ context.Context, tx balance.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transactions[tx.ID] = tx
	return nil
}

func (r *Repository) DeleteTransaction(_ context.Context, id string) (balance.Transaction, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.transactions[id]
	if ok {
		delete(r.transactions, id)
	}
	return tx, ok, nil
}

func (r *Repository) sortedLocked(keep func(balance.Transaction) bool) []balance.Transaction {
	out := make([]balance.Transaction, 0, len(r.transactions))
	for _, tx := range r.transactions {
		if keep == nil || keep(tx) {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].ID < out[j].ID
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out
}

var _ balance.AccountRepository = (*Repository)(nil)
var _ balance.TransactionRepository = (*Repository)(nil)
