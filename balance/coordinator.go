/*
coordinator.go - The sole public entry point

PURPOSE:
  Composes engine, store, queue, and cache into one API. External
  collaborators call the Coordinator and never touch the parts directly.

CONTROL FLOW:
  caller -> UpdateForTransaction -> queue (priority) -> serialized drain ->
  processRequest -> engine delta -> store batch write -> cache refresh ->
  store emits change -> subscribers observe.

IMMEDIATE PRIORITY:
  An immediate-priority call blocks until its request is processed, so the
  caller observes the post-write balance. All other priorities return once
  the request is accepted; their errors surface through logs and metrics
  only.

DUAL CALCULATION MODES:
  RecalculateAll is the single place where the imported-versus-manual
  distinction is resolved. Every other component is oblivious to it.
  Mode and initial balance are assigned once per account and only change
  through explicit MarkAsManual / MarkAsImported.
*/
package balance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/balance-engine/observability"
)

// =============================================================================
// CONSTRUCTION
// =============================================================================

// Options configures a Coordinator. Zero values fall back to defaults;
// Convert may be nil when every account shares one currency.
type Options struct {
	Convert       ConvertFunc
	Queue         QueueConfig
	CacheCapacity int
	Logger        *zap.Logger
	Metrics       *observability.Metrics
}

// Coordinator is the only component external collaborators call directly.
type Coordinator struct {
	engine  *Engine
	store   *Store
	queue   *UpdateQueue
	cache   *CacheManager
	logger  *zap.Logger
	metrics *observability.Metrics

	optMu      sync.Mutex
	optimistic map[uuid.UUID]OptimisticOperation
}

// NewCoordinator wires the four components together and starts the queue
// consumer. Callers own the lifecycle: Close when done.
func NewCoordinator(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Coordinator{
		engine:     NewEngine(opts.Convert),
		store:      NewStore(logger.Named("store")),
		cache:      NewCacheManager(opts.CacheCapacity, opts.Metrics),
		logger:     logger,
		metrics:    opts.Metrics,
		optimistic: make(map[uuid.UUID]OptimisticOperation),
	}
	c.queue = NewUpdateQueue(opts.Queue, c.processRequest, logger.Named("queue"), opts.Metrics)
	c.queue.Start()
	return c
}

// Close drains and stops the queue.
func (c *Coordinator) Close() {
	c.queue.Flush()
	c.queue.Stop()
}

// =============================================================================
// TRANSACTION EVENTS
// =============================================================================

// UpdateForTransaction enqueues a balance update for one transaction event.
// kind must be OpAdd or OpRemove. With PriorityImmediate the call blocks
// until the request is processed and returns its error; otherwise it returns
// once the request is accepted.
func (c *Coordinator) UpdateForTransaction(ctx context.Context, tx Transaction, kind OperationKind, priority Priority) error {
	return c.UpdateForTransactions(ctx, []Transaction{tx}, kind, priority)
}

// UpdateForTransactions is the batch variant: one request touching the union
// of affected accounts, so the store emits a single aggregated notification.
func (c *Coordinator) UpdateForTransactions(ctx context.Context, txs []Transaction, kind OperationKind, priority Priority) error {
	if kind != OpAdd && kind != OpRemove {
		return fmt.Errorf("unsupported operation kind %q for transaction update", kind)
	}
	return c.submit(ctx, Operation{Kind: kind, Transactions: txs}, priority)
}

// UpdateForModifiedTransaction enqueues the edit of a transaction. The
// engine folds revert(old) and apply(new) into a single delta, so the store
// sees one write.
func (c *Coordinator) UpdateForModifiedTransaction(ctx context.Context, oldTx, newTx Transaction, priority Priority) error {
	op := Operation{Kind: OpUpdate, OldTransaction: &oldTx, NewTransaction: &newTx}
	return c.submit(ctx, op, priority)
}

func (c *Coordinator) submit(ctx context.Context, op Operation, priority Priority) error {
	req := NewUpdateRequest(op, priority)
	if err := c.queue.Enqueue(req); err != nil {
		return err
	}
	if priority != PriorityImmediate {
		return nil
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// RECALCULATION
// =============================================================================

// RecalculateAll recomputes every account from scratch given the full
// account and transaction sets. Runs at immediate priority: the call returns
// only after the store reflects the recomputed balances.
//
// For accounts in from-initial-balance mode (or with no mode yet) the
// initial balance is derived once as current balance minus the summed effect
// of existing transactions, then the balance is recomputed on top of it.
// Preserve-imported accounts are left untouched; only transactions added
// after registration affect them, incrementally.
func (c *Coordinator) RecalculateAll(ctx context.Context, accounts []Account, history []Transaction) error {
	op := Operation{Kind: OpRecalculateAll, Accounts: accounts, History: history}
	return c.submit(ctx, op, PriorityImmediate)
}

// RecalculateAccounts restricts recalculation to a subset of account ids,
// avoiding a pass over all accounts after a subset of transactions was
// deleted or edited.
func (c *Coordinator) RecalculateAccounts(ctx context.Context, ids []AccountID, accounts []Account, history []Transaction) error {
	op := Operation{Kind: OpRecalculateAccounts, Accounts: accounts, History: history, AccountIDs: ids}
	return c.submit(ctx, op, PriorityImmediate)
}

// =============================================================================
// OPTIMISTIC UPDATES
// =============================================================================

// OptimisticUpdate applies delta to the account's balance ahead of the
// confirmed write, for perceived latency in interactive UIs. The returned
// token reverses it precisely on failure.
//
// The adjustment travels through the queue at immediate priority: it jumps
// every pending tier but waits for the request currently in flight, so the
// single-writer rule holds and a concurrent incremental update can never
// erase it.
func (c *Coordinator) OptimisticUpdate(id AccountID, delta decimal.Decimal) (uuid.UUID, error) {
	if err := c.adjust(id, delta); err != nil {
		return uuid.Nil, err
	}
	token := uuid.New()

	c.optMu.Lock()
	c.optimistic[token] = OptimisticOperation{
		ID:        token,
		AccountID: id,
		Delta:     delta,
		AppliedAt: time.Now(),
	}
	c.optMu.Unlock()
	return token, nil
}

// RevertOptimisticUpdate undoes a speculative adjustment by subtracting the
// exact delta. Never a full recompute.
func (c *Coordinator) RevertOptimisticUpdate(token uuid.UUID) error {
	c.optMu.Lock()
	op, ok := c.optimistic[token]
	if ok {
		delete(c.optimistic, token)
	}
	c.optMu.Unlock()

	if !ok {
		return ErrUnknownOptimisticToken
	}
	return c.adjust(op.AccountID, op.Delta.Neg())
}

// adjust serializes a raw balance delta through the queue and waits for it.
func (c *Coordinator) adjust(id AccountID, delta decimal.Decimal) error {
	req := NewUpdateRequest(Operation{
		Kind:            OpAdjust,
		AdjustAccountID: id,
		AdjustDelta:     delta,
	}, PriorityImmediate)
	if err := c.queue.Enqueue(req); err != nil {
		return err
	}
	return <-req.done
}

// ConfirmOptimisticUpdate forgets a speculative adjustment once the
// underlying write is confirmed, keeping the applied delta in place.
func (c *Coordinator) ConfirmOptimisticUpdate(token uuid.UUID) error {
	c.optMu.Lock()
	defer c.optMu.Unlock()

	if _, ok := c.optimistic[token]; !ok {
		return ErrUnknownOptimisticToken
	}
	delete(c.optimistic, token)
	return nil
}

// =============================================================================
// STORE PASS-THROUGHS - Callers never touch the Store directly
// =============================================================================

// RegisterAccounts registers accounts in from-scratch (mode unknown) state.
// Idempotent: already-known accounts keep their balance and mode.
func (c *Coordinator) RegisterAccounts(accounts []Account) {
	c.store.RegisterAccounts(accounts)
}

// RegisterImportedAccounts registers accounts whose observed balance already
// reflects their transaction backlog. They are marked preserve-imported so
// recalculation never replays history onto them.
func (c *Coordinator) RegisterImportedAccounts(accounts []Account) {
	c.store.RegisterAccounts(accounts)
	for _, acc := range accounts {
		c.store.MarkAsImported(acc.ID)
		c.cache.Invalidate(acc.ID)
	}
}

// UnregisterAccount destroys the account's record.
func (c *Coordinator) UnregisterAccount(id AccountID) {
	c.store.RemoveAccount(id)
	c.cache.Invalidate(id)
}

// SetInitialBalance records the balance baseline for an account.
func (c *Coordinator) SetInitialBalance(amount decimal.Decimal, id AccountID) {
	c.store.SetInitialBalance(amount, id)
	c.cache.Invalidate(id)
}

// MarkAsManual reassigns the account to from-initial-balance mode.
func (c *Coordinator) MarkAsManual(id AccountID) {
	c.store.MarkAsManual(id)
	c.cache.Invalidate(id)
}

// MarkAsImported reassigns the account to preserve-imported mode.
func (c *Coordinator) MarkAsImported(id AccountID) {
	c.store.MarkAsImported(id)
	c.cache.Invalidate(id)
}

// Subscribe registers a callback on the store's change stream.
func (c *Coordinator) Subscribe(fn Subscriber) (unsubscribe func()) {
	return c.store.Subscribe(fn)
}

// FlushQueue forces processing of everything pending, for callers who need a
// guaranteed-fresh read immediately after a write burst.
func (c *Coordinator) FlushQueue() {
	c.queue.Flush()
}

// =============================================================================
// READS
// =============================================================================

// GetBalance reads through the cache. A miss falls back to the store and
// populates the cache.
func (c *Coordinator) GetBalance(id AccountID) (AccountBalance, bool) {
	if b, ok := c.cache.Get(id); ok {
		return b, true
	}
	b, ok := c.store.Balance(id)
	if !ok {
		return AccountBalance{}, false
	}
	c.cache.Put(id, b)
	return b, true
}

// AllBalances returns a copy of every record, straight from the store.
func (c *Coordinator) AllBalances() map[AccountID]AccountBalance {
	return c.store.AllBalances()
}

// CacheStats reports cache hit/miss counters.
func (c *Coordinator) CacheStats() CacheStats {
	return c.cache.Stats()
}

// =============================================================================
// REQUEST PROCESSING - Runs on the queue's single consumer goroutine
// =============================================================================

func (c *Coordinator) processRequest(req *UpdateRequest) error {
	switch req.Operation.Kind {
	case OpAdd, OpRemove, OpUpdate:
		return c.processIncremental(req)
	case OpAdjust:
		return c.processAdjust(req)
	case OpRecalculateAll, OpRecalculateAccounts:
		return c.processRecalculation(req)
	default:
		return fmt.Errorf("unknown operation kind %q", req.Operation.Kind)
	}
}

// processAdjust applies a raw delta, the carrier for optimistic adjustments.
func (c *Coordinator) processAdjust(req *UpdateRequest) error {
	op := req.Operation
	if _, err := c.store.AdjustBalance(op.AdjustAccountID, op.AdjustDelta); err != nil {
		return err
	}
	c.refreshCache(op.AdjustAccountID)
	return nil
}

// processIncremental applies the operation's net delta to every affected
// account in one batch write. Conversion failures abort the whole request
// before any write: a partial effect is never applied.
func (c *Coordinator) processIncremental(req *UpdateRequest) error {
	updates := make(map[AccountID]decimal.Decimal, len(req.AffectedAccountIDs))

	for _, id := range req.AffectedAccountIDs {
		current, ok := c.store.Balance(id)
		if !ok {
			// The account may have been deleted concurrently. Non-fatal.
			c.logger.Warn("skipping update for unregistered account",
				zap.String("account_id", string(id)),
				zap.String("request_id", req.ID.String()))
			c.cache.Invalidate(id)
			continue
		}

		delta, err := c.engine.Delta(req.Operation, id, current.Currency)
		if err != nil {
			return err
		}
		if delta.IsZero() {
			continue
		}
		updates[id] = current.CurrentBalance.Add(delta)
	}

	c.store.PerformBatchUpdate(updates)
	for id := range updates {
		c.refreshCache(id)
	}
	return nil
}

// processRecalculation is the dual-mode branch. A store snapshot taken up
// front lets the whole operation roll back if any account fails.
func (c *Coordinator) processRecalculation(req *UpdateRequest) error {
	op := req.Operation
	snap := c.store.Snapshot()

	accounts := op.Accounts
	if op.Kind == OpRecalculateAccounts {
		subset := make(map[AccountID]bool, len(op.AccountIDs))
		for _, id := range op.AccountIDs {
			subset[id] = true
		}
		filtered := accounts[:0:0]
		for _, acc := range accounts {
			if subset[acc.ID] {
				filtered = append(filtered, acc)
			}
		}
		accounts = filtered
	}

	updates := make(map[AccountID]decimal.Decimal, len(accounts))

	for _, acc := range accounts {
		c.store.RegisterAccount(acc)
		bal, ok := c.store.Balance(acc.ID)
		if !ok {
			continue
		}

		if bal.Mode == ModePreserveImported {
			// Balance already reflects the backlog. Replaying it would
			// double-count.
			continue
		}

		// Derive the initial balance once: what the balance was before any
		// tracked transaction. Stable afterwards, never re-derived.
		if bal.InitialBalance == nil {
			sum, err := c.engine.SumEffects(op.History, acc.ID, bal.Currency)
			if err != nil {
				c.store.Restore(snap)
				c.cache.InvalidateAll()
				return err
			}
			initial := bal.CurrentBalance.Sub(sum)
			c.store.SetInitialBalance(initial, acc.ID)
		}
		if bal.Mode == ModeUnknown {
			c.store.MarkAsManual(acc.ID)
		}
		bal, _ = c.store.Balance(acc.ID)

		recomputed, err := c.engine.CalculateBalance(bal, op.History)
		if err != nil {
			c.store.Restore(snap)
			c.cache.InvalidateAll()
			return err
		}

		if !WithinTolerance(bal.CurrentBalance, recomputed) {
			ie := &InvariantError{
				AccountID:   acc.ID,
				Incremental: bal.CurrentBalance,
				Recomputed:  recomputed,
			}
			c.logger.Error("balance diverged, resynchronizing from recomputation",
				zap.String("account_id", string(acc.ID)),
				zap.String("incremental", bal.CurrentBalance.String()),
				zap.String("recomputed", recomputed.String()),
				zap.Error(ie))
			if c.metrics != nil {
				c.metrics.IncrInvariantFailure()
			}
		}
		updates[acc.ID] = recomputed
	}

	c.store.PerformBatchUpdate(updates)
	c.cache.InvalidateAll()
	return nil
}

func (c *Coordinator) refreshCache(id AccountID) {
	if b, ok := c.store.Balance(id); ok {
		c.cache.Put(id, b)
	} else {
		c.cache.Invalidate(id)
	}
}
