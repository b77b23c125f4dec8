package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/balance-engine/balance"
)

func tx(id string, source balance.AccountID, day int) balance.Transaction {
	return balance.Transaction{
		ID:              id,
		Amount:          decimal.NewFromInt(10),
		Currency:        "EUR",
		Type:            balance.TxExpense,
		SourceAccountID: source,
		Date:            time.Date(2025, time.March, day, 0, 0, 0, 0, time.UTC),
	}
}

func TestRepository_AccountsSortedByID(t *testing.T) {
	repo := New()
	ctx := context.Background()

	require.NoError(t, repo.SaveAccount(ctx, balance.Account{ID: "b", Currency: "EUR"}))
	require.NoError(t, repo.SaveAccount(ctx, balance.Account{ID: "a", Currency: "EUR"}))

	accounts, err := repo.Accounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, balance.AccountID("a"), accounts[0].ID)
	assert.Equal(t, balance.AccountID("b"), accounts[1].ID)
}

func TestRepository_TransactionsSortedByDateThenID(t *testing.T) {
	repo := New()
	ctx := context.Background()

	require.NoError(t, repo.SaveTransaction(ctx, tx("t2", "acc", 1)))
	require.NoError(t, repo.SaveTransaction(ctx, tx("t3", "acc", 5)))
	require.NoError(t, repo.SaveTransaction(ctx, tx("t1", "acc", 1)))

	txs, err := repo.Transactions(ctx)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, "t1", txs[0].ID)
	assert.Equal(t, "t2", txs[1].ID)
	assert.Equal(t, "t3", txs[2].ID)
}

func TestRepository_TransactionsForAccounts_IncludesTransferTargets(t *testing.T) {
	repo := New()
	ctx := context.Background()

	require.NoError(t, repo.SaveTransaction(ctx, tx("t1", "a", 1)))
	require.NoError(t, repo.SaveTransaction(ctx, tx("t2", "b", 2)))
	incoming := tx("t3", "c", 3)
	incoming.Type = balance.TxTransfer
	incoming.TargetAccountID = "a"
	require.NoError(t, repo.SaveTransaction(ctx, incoming))

	txs, err := repo.TransactionsForAccounts(ctx, []balance.AccountID{"a"})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "t1", txs[0].ID)
	assert.Equal(t, "t3", txs[1].ID)
}

func TestRepository_DeleteTransaction(t *testing.T) {
	repo := New()
	ctx := context.Background()

	require.NoError(t, repo.SaveTransaction(ctx, tx("t1", "acc", 1)))

	deleted, ok, err := repo.DeleteTransaction(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t1", deleted.ID)

	_, ok, err = repo.Transaction(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)
}
