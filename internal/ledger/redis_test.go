package ledger

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*Ledger, *miniredis.Miniredis, sqlmock.Sqlmock) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.MatchExpectationsInOrder(false)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO credit_transactions").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE customers").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	l := New(rdb, db, 1, zerolog.Nop())
	t.Cleanup(func() { l.Close() })

	return l, mr, mock
}

func TestDebit_SucceedsAndAppendsTransaction(t *testing.T) {
	l, mr, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("credit:balance:user1", "100.00000000"))

	newBalance, txID, err := l.Debit(ctx, "user1", "provider1", decimal.NewFromInt(25))
	require.NoError(t, err)
	require.True(t, newBalance.Equal(decimal.NewFromInt(75)))
	require.NotEmpty(t, txID)

	stored, err := mr.Get("credit:balance:user1")
	require.NoError(t, err)
	require.Equal(t, "75.00000000", stored)

	length, err := mr.Llen("credit:transactions:user1")
	require.NoError(t, err)
	require.Equal(t, 1, length)

	// allow the async write worker a moment to run against the sqlmock.
	time.Sleep(20 * time.Millisecond)
}

func TestDebit_InsufficientCreditsLeavesBalanceUnchanged(t *testing.T) {
	l, mr, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("credit:balance:user1", "10.00000000"))

	_, _, err := l.Debit(ctx, "user1", "provider1", decimal.NewFromInt(25))
	require.ErrorIs(t, err, ErrInsufficientCredits)

	stored, err := mr.Get("credit:balance:user1")
	require.NoError(t, err)
	require.Equal(t, "10.00000000", stored)
}

func TestGetBalance_UnknownCustomerIsZero(t *testing.T) {
	l, _, _ := newTestLedger(t)
	balance, err := l.GetBalance(context.Background(), "nobody")
	require.NoError(t, err)
	require.True(t, balance.IsZero())
}

func TestVerifyCredits(t *testing.T) {
	l, mr, _ := newTestLedger(t)
	require.NoError(t, mr.Set("credit:balance:user1", "50.00000000"))

	ok, err := l.VerifyCredits(context.Background(), "user1", decimal.NewFromInt(40))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.VerifyCredits(context.Background(), "user1", decimal.NewFromInt(60))
	require.NoError(t, err)
	require.False(t, ok)
}
