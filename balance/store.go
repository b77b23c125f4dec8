/*
store.go - Authoritative balance records and change notifications

PURPOSE:
  The Store is the exclusive owner of all AccountBalance records and the
  single source of truth. The cache in front of it is an optimization only;
  correctness never depends on it.

SINGLE-WRITER RULE:
  All mutations flow through the queue's one consumer goroutine. The internal
  RWMutex exists for the Go memory model: reads may come from any caller
  goroutine and must observe fully written records, never a torn state.

CHANGE NOTIFICATIONS:
  Every mutation emits one push of {accountID -> balance} for the accounts it
  changed. Batched mutations coalesce into a single aggregated push. A push
  always represents a Store state that existed at some instant; subscribers
  never receive a partial map.

SNAPSHOT / RESTORE:
  Snapshot() captures the full record set; Restore() reinstates it. Used as a
  safety net around risky bulk operations (full recalculation) and in tests.
*/
package balance

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// STORE
// =============================================================================

// Subscriber receives {accountID -> balance} snapshots after mutations.
// Callbacks run on the mutating goroutine; keep them cheap and do not call
// back into the Store from them.
type Subscriber func(changed map[AccountID]decimal.Decimal)

// Store owns the authoritative map of account balances.
type Store struct {
	mu          sync.RWMutex
	balances    map[AccountID]*AccountBalance
	subscribers map[int]Subscriber
	nextSubID   int
	logger      *zap.Logger
}

// NewStore creates an empty store.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		balances:    make(map[AccountID]*AccountBalance),
		subscribers: make(map[int]Subscriber),
		logger:      logger,
	}
}

// =============================================================================
// REGISTRATION
// =============================================================================

// RegisterAccount inserts a record for the account if none exists.
// Re-registration of a known account is a no-op for balance data, tolerating
// re-sync calls from collaborators.
func (s *Store) RegisterAccount(acc Account) {
	s.registerAccounts([]Account{acc}, false)
}

// RegisterAccounts is the batch form of RegisterAccount. One aggregated
// notification is emitted for all newly inserted accounts.
func (s *Store) RegisterAccounts(accounts []Account) {
	s.registerAccounts(accounts, false)
}

// RegisterAccountsForce overwrites existing records with the observed
// balances, resetting mode and initial balance.
func (s *Store) RegisterAccountsForce(accounts []Account) {
	s.registerAccounts(accounts, true)
}

func (s *Store) registerAccounts(accounts []Account, force bool) {
	changed := make(map[AccountID]decimal.Decimal)

	s.mu.Lock()
	now := time.Now()
	for _, acc := range accounts {
		if _, exists := s.balances[acc.ID]; exists && !force {
			continue
		}
		s.balances[acc.ID] = &AccountBalance{
			AccountID:      acc.ID,
			CurrentBalance: acc.ObservedBalance,
			Mode:           ModeUnknown,
			Currency:       acc.Currency,
			LastUpdatedAt:  now,
		}
		changed[acc.ID] = acc.ObservedBalance
	}
	subs := s.subscribersLocked()
	s.mu.Unlock()

	s.notify(subs, changed)
}

// RemoveAccount deletes the record. The cache treats subsequent lookups as
// misses, so no cascading invalidation is required.
func (s *Store) RemoveAccount(id AccountID) {
	s.mu.Lock()
	delete(s.balances, id)
	s.mu.Unlock()
}

// =============================================================================
// READS
// =============================================================================

// Balance returns a copy of the account's record.
func (s *Store) Balance(id AccountID) (AccountBalance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[id]
	if !ok {
		return AccountBalance{}, false
	}
	return copyBalance(b), true
}

// AllBalances returns a copy of every record.
func (s *Store) AllBalances() map[AccountID]AccountBalance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[AccountID]AccountBalance, len(s.balances))
	for id, b := range s.balances {
		out[id] = copyBalance(b)
	}
	return out
}

// InitialBalance returns the recorded initial balance, if any.
func (s *Store) InitialBalance(id AccountID) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[id]
	if !ok || b.InitialBalance == nil {
		return decimal.Zero, false
	}
	return *b.InitialBalance, true
}

// =============================================================================
// WRITES
// =============================================================================

// SetBalance writes the account's current balance. Fails silently (logged,
// no error) when the account is unregistered: it may have been deleted
// concurrently and the write is simply dropped.
func (s *Store) SetBalance(amount decimal.Decimal, id AccountID) {
	s.mu.Lock()
	b, ok := s.balances[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("dropping balance write for unregistered account",
			zap.String("account_id", string(id)))
		return
	}
	b.CurrentBalance = amount
	b.LastUpdatedAt = time.Now()
	subs := s.subscribersLocked()
	s.mu.Unlock()

	s.notify(subs, map[AccountID]decimal.Decimal{id: amount})
}

// AdjustBalance adds delta to the account's current balance and returns the
// new value. Backs the optimistic-update path; like every balance write it
// runs on the queue consumer only.
func (s *Store) AdjustBalance(id AccountID, delta decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	b, ok := s.balances[id]
	if !ok {
		s.mu.Unlock()
		return decimal.Zero, ErrAccountNotRegistered
	}
	b.CurrentBalance = b.CurrentBalance.Add(delta)
	b.LastUpdatedAt = time.Now()
	updated := b.CurrentBalance
	subs := s.subscribersLocked()
	s.mu.Unlock()

	s.notify(subs, map[AccountID]decimal.Decimal{id: updated})
	return updated, nil
}

// PerformBatchUpdate applies many writes atomically from the observer's
// perspective: one aggregated notification instead of one per account.
// This is what keeps bulk import cheap on the subscriber side.
func (s *Store) PerformBatchUpdate(updates map[AccountID]decimal.Decimal) {
	if len(updates) == 0 {
		return
	}
	changed := make(map[AccountID]decimal.Decimal, len(updates))

	s.mu.Lock()
	now := time.Now()
	for id, amount := range updates {
		b, ok := s.balances[id]
		if !ok {
			s.logger.Warn("dropping batch write for unregistered account",
				zap.String("account_id", string(id)))
			continue
		}
		b.CurrentBalance = amount
		b.LastUpdatedAt = now
		changed[id] = amount
	}
	subs := s.subscribersLocked()
	s.mu.Unlock()

	s.notify(subs, changed)
}

// SetInitialBalance records the balance baseline before any tracked
// transaction. Does not touch the current balance, so no notification.
func (s *Store) SetInitialBalance(amount decimal.Decimal, id AccountID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[id]
	if !ok {
		s.logger.Warn("dropping initial balance for unregistered account",
			zap.String("account_id", string(id)))
		return
	}
	v := amount
	b.InitialBalance = &v
}

// MarkAsManual sets the account's calculation mode to from-initial-balance.
// Idempotent.
func (s *Store) MarkAsManual(id AccountID) {
	s.setMode(id, ModeFromInitialBalance)
}

// MarkAsImported sets the account's calculation mode to preserve-imported.
// Idempotent.
func (s *Store) MarkAsImported(id AccountID) {
	s.setMode(id, ModePreserveImported)
}

func (s *Store) setMode(id AccountID, mode CalculationMode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[id]
	if !ok {
		s.logger.Warn("dropping mode change for unregistered account",
			zap.String("account_id", string(id)),
			zap.String("mode", string(mode)))
		return
	}
	b.Mode = mode
}

// =============================================================================
// SNAPSHOT / RESTORE
// =============================================================================

// StoreSnapshot is an opaque copy of the store's records.
type StoreSnapshot struct {
	balances map[AccountID]AccountBalance
}

// Snapshot captures the current record set.
func (s *Store) Snapshot() StoreSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := StoreSnapshot{balances: make(map[AccountID]AccountBalance, len(s.balances))}
	for id, b := range s.balances {
		snap.balances[id] = copyBalance(b)
	}
	return snap
}

// Restore reinstates a previously captured record set and emits one
// aggregated notification for all restored balances.
func (s *Store) Restore(snap StoreSnapshot) {
	changed := make(map[AccountID]decimal.Decimal, len(snap.balances))

	s.mu.Lock()
	s.balances = make(map[AccountID]*AccountBalance, len(snap.balances))
	for id, b := range snap.balances {
		restored := copyBalance(&b)
		s.balances[id] = &restored
		changed[id] = restored.CurrentBalance
	}
	subs := s.subscribersLocked()
	s.mu.Unlock()

	s.notify(subs, changed)
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

// Subscribe registers a callback for balance changes and returns an
// unsubscribe function.
func (s *Store) Subscribe(fn Subscriber) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// subscribersLocked copies the subscriber list so callbacks run outside the
// lock. Caller must hold mu.
func (s *Store) subscribersLocked() []Subscriber {
	subs := make([]Subscriber, 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	return subs
}

func (s *Store) notify(subs []Subscriber, changed map[AccountID]decimal.Decimal) {
	if len(changed) == 0 || len(subs) == 0 {
		return
	}
	for _, fn := range subs {
		fn(changed)
	}
}

func copyBalance(b *AccountBalance) AccountBalance {
	out := *b
	if b.InitialBalance != nil {
		v := *b.InitialBalance
		out.InitialBalance = &v
	}
	return out
}
