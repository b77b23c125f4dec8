package balance_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/balance-engine/balance"
)

func newTestCoordinator(t *testing.T, opts balance.Options) *balance.Coordinator {
	t.Helper()
	if opts.Queue.DebounceHigh == 0 {
		opts.Queue.DebounceHigh = time.Millisecond
	}
	if opts.Queue.DebounceNormal == 0 {
		opts.Queue.DebounceNormal = time.Millisecond
	}
	c := balance.NewCoordinator(opts)
	t.Cleanup(c.Close)
	return c
}

func mustBalance(t *testing.T, c *balance.Coordinator, id balance.AccountID) decimal.Decimal {
	t.Helper()
	b, ok := c.GetBalance(id)
	require.True(t, ok, "account %s not registered", id)
	return b.CurrentBalance
}

// =============================================================================
// INCREMENTAL UPDATE TESTS
// =============================================================================

func TestCoordinator_ManualAccountLifecycle(t *testing.T) {
	// GIVEN: a manually created account holding 50000
	// WHEN: an expense of 5000 is recorded
	// THEN: the balance reads 45000

	c := newTestCoordinator(t, balance.Options{})
	ctx := context.Background()

	c.RegisterAccounts([]balance.Account{account("checking", "50000")})

	err := c.UpdateForTransaction(ctx, expense("t1", "checking", "5000"), balance.OpAdd, balance.PriorityImmediate)
	require.NoError(t, err)

	assert.True(t, mustBalance(t, c, "checking").Equal(dec("45000")))
}

func TestCoordinator_TransferMovesMoneyBetweenAccounts(t *testing.T) {
	c := newTestCoordinator(t, balance.Options{})
	ctx := context.Background()

	c.RegisterAccounts([]balance.Account{account("a", "100"), account("b", "100")})

	err := c.UpdateForTransaction(ctx, transfer("t1", "a", "b", "30"), balance.OpAdd, balance.PriorityImmediate)
	require.NoError(t, err)

	assert.True(t, mustBalance(t, c, "a").Equal(dec("70")))
	assert.True(t, mustBalance(t, c, "b").Equal(dec("130")))
}

func TestCoordinator_ModifiedTransactionAppliesNetDelta(t *testing.T) {
	c := newTestCoordinator(t, balance.Options{})
	ctx := context.Background()

	c.RegisterAccounts([]balance.Account{account("acc", "1000")})

	oldTx := expense("t1", "acc", "100")
	require.NoError(t, c.UpdateForTransaction(ctx, oldTx, balance.OpAdd, balance.PriorityImmediate))

	newTx := expense("t1", "acc", "130")
	require.NoError(t, c.UpdateForModifiedTransaction(ctx, oldTx, newTx, balance.PriorityImmediate))

	assert.True(t, mustBalance(t, c, "acc").Equal(dec("870")))
}

func TestCoordinator_RejectsRecalculationKindsOnTransactionPath(t *testing.T) {
	c := newTestCoordinator(t, balance.Options{})

	err := c.UpdateForTransaction(context.Background(), expense("t1", "acc", "1"), balance.OpUpdate, balance.PriorityImmediate)
	assert.Error(t, err)
}

func TestCoordinator_ConversionFailureLeavesBalancesUntouched(t *testing.T) {
	// GIVEN: a cross-currency transfer and no converter
	// THEN: the request fails and neither account moves, even the one whose
	// leg would not have needed conversion

	c := newTestCoordinator(t, balance.Options{})
	ctx := context.Background()

	c.RegisterAccounts([]balance.Account{account("eur", "100")})
	usd := balance.Account{ID: "usd", Currency: "USD", ObservedBalance: dec("100")}
	c.RegisterAccounts([]balance.Account{usd})

	tx := transfer("t1", "eur", "usd", "30")
	err := c.UpdateForTransaction(ctx, tx, balance.OpAdd, balance.PriorityImmediate)
	require.ErrorIs(t, err, balance.ErrConversionUnavailable)

	assert.True(t, mustBalance(t, c, "eur").Equal(dec("100")))
	assert.True(t, mustBalance(t, c, "usd").Equal(dec("100")))
}

func TestCoordinator_UnregisteredAccountIsSkippedNotFatal(t *testing.T) {
	c := newTestCoordinator(t, balance.Options{})
	ctx := context.Background()

	c.RegisterAccounts([]balance.Account{account("known", "100")})

	// Transfer touches one registered and one unknown account.
	err := c.UpdateForTransaction(ctx, transfer("t1", "known", "ghost", "25"), balance.OpAdd, balance.PriorityImmediate)
	require.NoError(t, err)

	assert.True(t, mustBalance(t, c, "known").Equal(dec("75")))
	_, ok := c.GetBalance("ghost")
	assert.False(t, ok)
}

// =============================================================================
// RECALCULATION TESTS
// =============================================================================

func TestCoordinator_RecalculateAll_DerivesInitialOnce(t *testing.T) {
	// GIVEN: an account observed at 398695.57 with a transaction backlog
	// WHEN: recalculating, then deleting a 2750 expense from the history
	// THEN: the balance reads 401445.57, regardless of how the observed
	// balance was originally produced

	c := newTestCoordinator(t, balance.Options{})
	ctx := context.Background()

	accounts := []balance.Account{account("acc2", "398695.57")}
	history := []balance.Transaction{
		expense("t1", "acc2", "2750"),
		expense("t2", "acc2", "120.43"),
		income("t3", "acc2", "4000"),
	}

	require.NoError(t, c.RecalculateAll(ctx, accounts, history))
	assert.True(t, mustBalance(t, c, "acc2").Equal(dec("398695.57")),
		"recalculation over the same history must reproduce the observed balance")

	b, _ := c.GetBalance("acc2")
	assert.Equal(t, balance.ModeFromInitialBalance, b.Mode)
	require.NotNil(t, b.InitialBalance)
	// 398695.57 - (-2750 - 120.43 + 4000) = 397566.00
	assert.True(t, b.InitialBalance.Equal(dec("397566")), "got %s", b.InitialBalance)

	require.NoError(t, c.UpdateForTransaction(ctx, history[0], balance.OpRemove, balance.PriorityImmediate))
	assert.True(t, mustBalance(t, c, "acc2").Equal(dec("401445.57")))
}

func TestCoordinator_RecalculateAll_IsIdempotent(t *testing.T) {
	// The initial balance is derived exactly once; a second recalculation over
	// the same history must not move anything.

	c := newTestCoordinator(t, balance.Options{})
	ctx := context.Background()

	accounts := []balance.Account{account("acc", "1000")}
	history := []balance.Transaction{expense("t1", "acc", "200")}

	require.NoError(t, c.RecalculateAll(ctx, accounts, history))
	first := mustBalance(t, c, "acc")

	require.NoError(t, c.RecalculateAll(ctx, accounts, history))
	assert.True(t, mustBalance(t, c, "acc").Equal(first))

	b, _ := c.GetBalance("acc")
	require.NotNil(t, b.InitialBalance)
	assert.True(t, b.InitialBalance.Equal(dec("1200")))
}

func TestCoordinator_RecalculateAll_PreservesImportedAccounts(t *testing.T) {
	// GIVEN: an imported account whose observed balance already includes its
	// backlog, and a manual account
	// WHEN: recalculating over the combined history
	// THEN: the imported balance is untouched, the manual one is recomputed

	c := newTestCoordinator(t, balance.Options{})
	ctx := context.Background()

	imported := account("imported", "398695.57")
	manual := account("manual", "1000")
	c.RegisterImportedAccounts([]balance.Account{imported})

	history := []balance.Transaction{
		expense("t1", "imported", "2750"),
		expense("t2", "manual", "100"),
	}

	require.NoError(t, c.RecalculateAll(ctx, []balance.Account{imported, manual}, history))

	assert.True(t, mustBalance(t, c, "imported").Equal(dec("398695.57")),
		"replaying the backlog onto an imported account would double-count")
	assert.True(t, mustBalance(t, c, "manual").Equal(dec("1000")))

	// New transactions still apply incrementally to imported accounts.
	require.NoError(t, c.UpdateForTransaction(ctx, expense("t3", "imported", "10"), balance.OpAdd, balance.PriorityImmediate))
	assert.True(t, mustBalance(t, c, "imported").Equal(dec("398685.57")))
}

func TestCoordinator_RecalculateAccounts_TouchesOnlyTheSubset(t *testing.T) {
	c := newTestCoordinator(t, balance.Options{})
	ctx := context.Background()

	accounts := []balance.Account{account("a", "100"), account("b", "200")}
	history := []balance.Transaction{expense("t1", "a", "10"), expense("t2", "b", "20")}
	require.NoError(t, c.RecalculateAll(ctx, accounts, history))

	// Drift b's balance behind the store's back via an optimistic adjustment,
	// then recalculate only a. b keeps the drift.
	_, err := c.OptimisticUpdate("b", dec("-5"))
	require.NoError(t, err)

	require.NoError(t, c.RecalculateAccounts(ctx, []balance.AccountID{"a"}, accounts, history))

	assert.True(t, mustBalance(t, c, "a").Equal(dec("100")))
	assert.True(t, mustBalance(t, c, "b").Equal(dec("195")), "subset recalculation must not touch b")
}

// =============================================================================
// PRIORITY AND ORDERING TESTS
// =============================================================================

func TestCoordinator_ImmediateOvertakesQueuedBackgroundWork(t *testing.T) {
	// GIVEN: a burst of normal-priority updates parked in a long debounce
	// window for account a
	// WHEN: an immediate update for unrelated account b arrives
	// THEN: b's update completes while a's burst is still pending

	c := newTestCoordinator(t, balance.Options{
		Queue: balance.QueueConfig{DebounceNormal: time.Hour},
	})
	ctx := context.Background()

	c.RegisterAccounts([]balance.Account{account("a", "1000"), account("b", "1000")})

	for i := 0; i < 20; i++ {
		err := c.UpdateForTransaction(ctx, expense("bulk", "a", "1"), balance.OpAdd, balance.PriorityNormal)
		require.NoError(t, err)
	}

	require.NoError(t, c.UpdateForTransaction(ctx, expense("urgent", "b", "50"), balance.OpAdd, balance.PriorityImmediate))

	assert.True(t, mustBalance(t, c, "b").Equal(dec("950")))
	assert.True(t, mustBalance(t, c, "a").Equal(dec("1000")), "debounced burst must still be pending")

	c.FlushQueue()
	assert.True(t, mustBalance(t, c, "a").Equal(dec("980")))
}

func TestCoordinator_SameAccountUpdatesApplyInOrder(t *testing.T) {
	c := newTestCoordinator(t, balance.Options{})
	ctx := context.Background()

	c.RegisterAccounts([]balance.Account{account("acc", "0")})

	// Non-commutative only in aggregate; order shows up as the final sum.
	for i := 0; i < 50; i++ {
		require.NoError(t, c.UpdateForTransaction(ctx, income("t", "acc", "1"), balance.OpAdd, balance.PriorityHigh))
	}
	c.FlushQueue()

	assert.True(t, mustBalance(t, c, "acc").Equal(dec("50")))
}

func TestCoordinator_QueueFullSurfacesAsError(t *testing.T) {
	c := newTestCoordinator(t, balance.Options{
		Queue: balance.QueueConfig{Capacity: 2, DebounceNormal: time.Hour},
	})
	ctx := context.Background()

	c.RegisterAccounts([]balance.Account{account("acc", "0")})

	require.NoError(t, c.UpdateForTransaction(ctx, income("t1", "acc", "1"), balance.OpAdd, balance.PriorityNormal))
	require.NoError(t, c.UpdateForTransaction(ctx, income("t2", "acc", "1"), balance.OpAdd, balance.PriorityNormal))

	err := c.UpdateForTransaction(ctx, income("t3", "acc", "1"), balance.OpAdd, balance.PriorityNormal)
	assert.ErrorIs(t, err, balance.ErrQueueFull)
	assert.True(t, balance.IsRetryable(err))

	c.FlushQueue()
	assert.True(t, mustBalance(t, c, "acc").Equal(dec("2")), "rejected request must not be applied")
}

// =============================================================================
// OPTIMISTIC UPDATE TESTS
// =============================================================================

func TestCoordinator_OptimisticUpdateAndRevert_RestoresExactBalance(t *testing.T) {
	// GIVEN: a speculative -100 adjustment
	// WHEN: it is reverted
	// THEN: the balance equals the exact pre-adjustment value

	c := newTestCoordinator(t, balance.Options{})

	c.RegisterAccounts([]balance.Account{account("acc", "1234.56")})

	token, err := c.OptimisticUpdate("acc", dec("-100"))
	require.NoError(t, err)
	assert.True(t, mustBalance(t, c, "acc").Equal(dec("1134.56")))

	require.NoError(t, c.RevertOptimisticUpdate(token))
	assert.True(t, mustBalance(t, c, "acc").Equal(dec("1234.56")))

	assert.ErrorIs(t, c.RevertOptimisticUpdate(token), balance.ErrUnknownOptimisticToken)
}

func TestCoordinator_ConfirmOptimisticUpdate_KeepsTheDelta(t *testing.T) {
	c := newTestCoordinator(t, balance.Options{})

	c.RegisterAccounts([]balance.Account{account("acc", "500")})

	token, err := c.OptimisticUpdate("acc", dec("-100"))
	require.NoError(t, err)
	require.NoError(t, c.ConfirmOptimisticUpdate(token))

	assert.True(t, mustBalance(t, c, "acc").Equal(dec("400")))
	assert.ErrorIs(t, c.RevertOptimisticUpdate(token), balance.ErrUnknownOptimisticToken,
		"a confirmed token must not be revertible")
}

func TestCoordinator_OptimisticUpdateOnUnknownAccountFails(t *testing.T) {
	c := newTestCoordinator(t, balance.Options{})

	_, err := c.OptimisticUpdate("ghost", dec("-1"))
	assert.ErrorIs(t, err, balance.ErrAccountNotRegistered)
}

func TestCoordinator_OptimisticUpdateSerializesWithInFlightWork(t *testing.T) {
	// GIVEN: a queued update mid-processing, parked inside the converter
	// WHEN: an optimistic adjustment for the same account arrives concurrently
	// THEN: the adjustment lands after the in-flight write instead of being
	// erased by it, and reverting restores the exact post-update balance

	var entered sync.Once
	inConvert := make(chan struct{})
	release := make(chan struct{})
	convert := func(amount decimal.Decimal, from, to balance.Currency) (decimal.Decimal, error) {
		entered.Do(func() { close(inConvert) })
		<-release
		return amount, nil
	}

	c := newTestCoordinator(t, balance.Options{Convert: convert})
	ctx := context.Background()

	c.RegisterAccounts([]balance.Account{{ID: "acc", Currency: "USD", ObservedBalance: dec("100")}})

	// EUR income on a USD account forces the converter, holding the consumer
	// mid-request.
	require.NoError(t, c.UpdateForTransaction(ctx, income("t1", "acc", "10"), balance.OpAdd, balance.PriorityHigh))
	<-inConvert

	tokenCh := make(chan uuid.UUID, 1)
	errCh := make(chan error, 1)
	go func() {
		token, err := c.OptimisticUpdate("acc", dec("-100"))
		errCh <- err
		tokenCh <- token
	}()

	// Let the adjustment reach the queue while the incremental update is
	// still in flight, then release the consumer.
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, <-errCh)
	token := <-tokenCh
	assert.True(t, mustBalance(t, c, "acc").Equal(dec("10")),
		"100 + 10 - 100, both writes must survive")

	require.NoError(t, c.RevertOptimisticUpdate(token))
	assert.True(t, mustBalance(t, c, "acc").Equal(dec("110")))
}

func TestCoordinator_ConcurrentOptimisticAndQueuedUpdates(t *testing.T) {
	// Interleaves confirmed updates with optimistic apply-then-revert pairs
	// on one account. Every revert cancels its apply exactly, so only the
	// confirmed updates may remain in the final balance.

	c := newTestCoordinator(t, balance.Options{})
	ctx := context.Background()

	c.RegisterAccounts([]balance.Account{account("acc", "0")})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.UpdateForTransaction(ctx, income("t", "acc", "1"), balance.OpAdd, balance.PriorityImmediate))
		}()
		go func() {
			defer wg.Done()
			token, err := c.OptimisticUpdate("acc", dec("5"))
			if assert.NoError(t, err) {
				assert.NoError(t, c.RevertOptimisticUpdate(token))
			}
		}()
	}
	wg.Wait()
	c.FlushQueue()

	assert.True(t, mustBalance(t, c, "acc").Equal(dec("20")),
		"got %s", mustBalance(t, c, "acc"))
}

func TestCoordinator_ClosedCoordinatorReportsQueueStopped(t *testing.T) {
	c := balance.NewCoordinator(balance.Options{})
	c.Close()

	err := c.UpdateForTransaction(context.Background(), income("t1", "acc", "1"), balance.OpAdd, balance.PriorityNormal)
	assert.ErrorIs(t, err, balance.ErrQueueStopped)
	assert.False(t, balance.IsRetryable(err), "shutdown is not a backpressure signal")

	_, err = c.OptimisticUpdate("acc", dec("1"))
	assert.ErrorIs(t, err, balance.ErrQueueStopped)
}

// =============================================================================
// CACHE COHERENCE TESTS
// =============================================================================

func TestCoordinator_CacheNeverServesStaleBalances(t *testing.T) {
	// GIVEN: a balance pulled into the cache by a read
	// WHEN: a confirmed write lands
	// THEN: the next read reflects the write

	c := newTestCoordinator(t, balance.Options{})
	ctx := context.Background()

	c.RegisterAccounts([]balance.Account{account("acc", "100")})

	assert.True(t, mustBalance(t, c, "acc").Equal(dec("100")))

	require.NoError(t, c.UpdateForTransaction(ctx, expense("t1", "acc", "40"), balance.OpAdd, balance.PriorityImmediate))
	assert.True(t, mustBalance(t, c, "acc").Equal(dec("60")))

	stats := c.CacheStats()
	assert.Greater(t, stats.Hits+stats.Misses, int64(0))
}

func TestCoordinator_SubscribersObserveAggregatedChanges(t *testing.T) {
	c := newTestCoordinator(t, balance.Options{})
	ctx := context.Background()

	c.RegisterAccounts([]balance.Account{account("a", "100"), account("b", "100")})

	var pushes []map[balance.AccountID]decimal.Decimal
	unsubscribe := c.Subscribe(func(changed map[balance.AccountID]decimal.Decimal) {
		cp := make(map[balance.AccountID]decimal.Decimal, len(changed))
		for id, v := range changed {
			cp[id] = v
		}
		pushes = append(pushes, cp)
	})
	defer unsubscribe()

	require.NoError(t, c.UpdateForTransaction(ctx, transfer("t1", "a", "b", "25"), balance.OpAdd, balance.PriorityImmediate))

	require.Len(t, pushes, 1, "a transfer is one mutation, one push")
	assert.True(t, pushes[0]["a"].Equal(dec("75")))
	assert.True(t, pushes[0]["b"].Equal(dec("125")))
}
