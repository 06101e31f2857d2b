// Package ledger manages customer credit balances.
//
// Redis holds the hot balance and append-only transaction list, mutated
// atomically through a Lua script so verify+debit+append commit as one
// unit — no check-then-act window for concurrent requests against the
// same customer. PostgreSQL is the durable mirror: each debit is queued
// onto a buffered channel and written through by a background worker
// pool, so the hot path never blocks on a database round trip. When the
// queue is full the mirror write is dropped with a warning.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DecimalPlaces is the fixed-point precision every stored amount is
// rounded to, toward zero.
const DecimalPlaces = 8

// TransactionKind labels a ledger entry.
type TransactionKind string

const (
	KindInferenceUsage TransactionKind = "inference_usage"
	KindAdjustment     TransactionKind = "adjustment"
)

// Transaction is one append-only ledger entry.
type Transaction struct {
	TransactionID string          `json:"transaction_id"`
	UserID        string          `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	ProviderID    string          `json:"provider_id"`
	Kind          TransactionKind `json:"transaction_type"`
	Timestamp     int64           `json:"timestamp"`
}

// ErrInsufficientCredits is returned by Debit when a customer's balance
// cannot cover the requested amount.
var ErrInsufficientCredits = fmt.Errorf("insufficient credits")

// writeOp is a queued PostgreSQL write.
type writeOp struct {
	ctx context.Context
	tx  Transaction
}

// Ledger manages balance verification and debit across Redis and Postgres.
type Ledger struct {
	redis *redis.Client
	db    *sql.DB
	log   zerolog.Logger

	debitScript *redis.Script

	writeQueue chan writeOp
	wg         sync.WaitGroup
}

// New creates a Ledger against an existing Redis client and Postgres
// handle, and starts its async write-behind workers.
func New(rdb *redis.Client, db *sql.DB, numWorkers int, logger zerolog.Logger) *Ledger {
	l := &Ledger{
		redis:       rdb,
		db:          db,
		log:         logger.With().Str("component", "ledger").Logger(),
		debitScript: redis.NewScript(debitLua),
		writeQueue:  make(chan writeOp, 10000),
	}

	if numWorkers <= 0 {
		numWorkers = 10
	}
	l.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go l.asyncWriteWorker(i)
	}

	return l
}

func balanceKey(userID string) string {
	return fmt.Sprintf("credit:balance:%s", userID)
}

func transactionsKey(userID string) string {
	return fmt.Sprintf("credit:transactions:%s", userID)
}

// debitLua verifies, debits, and appends the transaction atomically, setting
// the appended record's balance_after to the new balance. It returns
// {applied, new_balance_string}; applied is 0 and the balance is unchanged
// when funds are insufficient.
const debitLua = `
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
if balance < amount then
    return {0, tostring(balance)}
end
local new_balance = string.format('%.8f', balance - amount)
redis.call('SET', KEYS[1], new_balance)
local record = cjson.decode(ARGV[2])
record['balance_after'] = new_balance
redis.call('RPUSH', KEYS[2], cjson.encode(record))
return {1, new_balance}
`

// GetBalance returns a customer's current Redis balance, defaulting to
// zero for an unknown customer.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	raw, err := l.redis.Get(ctx, balanceKey(userID)).Result()
	if err == redis.Nil {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}
	bal, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance: %w", err)
	}
	return bal, nil
}

// VerifyCredits reports whether userID's balance covers required, without
// side effects.
func (l *Ledger) VerifyCredits(ctx context.Context, userID string, required decimal.Decimal) (bool, error) {
	balance, err := l.GetBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance.GreaterThanOrEqual(required), nil
}

// Debit atomically verifies and deducts amount from userID's balance,
// appending a transaction record, and returns the resulting balance and
// the transaction's ID. Returns ErrInsufficientCredits if the balance
// cannot cover amount.
func (l *Ledger) Debit(ctx context.Context, userID, providerID string, amount decimal.Decimal) (decimal.Decimal, string, error) {
	amount = amount.Truncate(DecimalPlaces)

	tx := Transaction{
		TransactionID: uuid.NewString(),
		UserID:        userID,
		Amount:        amount,
		ProviderID:    providerID,
		Kind:          KindInferenceUsage,
		Timestamp:     time.Now().Unix(),
	}

	txData, err := json.Marshal(tx)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("marshal transaction: %w", err)
	}

	keys := []string{balanceKey(userID), transactionsKey(userID)}
	result, err := l.debitScript.Run(ctx, l.redis, keys, amount.String(), string(txData)).Result()
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("debit script: %w", err)
	}

	resultArr, ok := result.([]interface{})
	if !ok || len(resultArr) != 2 {
		return decimal.Zero, "", fmt.Errorf("unexpected debit script result: %v", result)
	}

	applied, _ := resultArr[0].(int64)
	balanceStr, _ := resultArr[1].(string)
	newBalance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("parse resulting balance: %w", err)
	}

	if applied == 0 {
		return newBalance, "", ErrInsufficientCredits
	}

	tx.BalanceAfter = newBalance
	l.enqueueWrite(tx)

	l.log.Debug().
		Str("user_id", userID).
		Str("provider_id", providerID).
		Str("amount", amount.String()).
		Str("balance_after", newBalance.String()).
		Msg("credits debited")

	return newBalance, tx.TransactionID, nil
}

func (l *Ledger) enqueueWrite(tx Transaction) {
	select {
	case l.writeQueue <- writeOp{ctx: context.Background(), tx: tx}:
	default:
		l.log.Warn().Str("user_id", tx.UserID).Msg("write queue full, dropping async transaction mirror")
	}
}

func (l *Ledger) asyncWriteWorker(workerID int) {
	defer l.wg.Done()

	logger := l.log.With().Int("worker_id", workerID).Logger()

	for op := range l.writeQueue {
		const maxRetries = 5
		backoff := 100 * time.Millisecond

		for attempt := 1; attempt <= maxRetries; attempt++ {
			err := l.writeTransactionToDB(op.ctx, op.tx)
			if err == nil {
				break
			}
			if attempt < maxRetries {
				logger.Warn().Err(err).Int("attempt", attempt).Msg("async ledger write failed, retrying")
				time.Sleep(backoff)
				backoff *= 2
				continue
			}
			logger.Error().Err(err).Msg("async ledger write failed after all retries")
		}
	}
}

func (l *Ledger) writeTransactionToDB(ctx context.Context, tx Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dbTx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer dbTx.Rollback()

	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO credit_transactions (
			transaction_id, user_id, amount, balance_after, provider_id, kind, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, to_timestamp($7))
	`, tx.TransactionID, tx.UserID, tx.Amount.String(), tx.BalanceAfter.String(),
		tx.ProviderID, string(tx.Kind), tx.Timestamp)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	_, err = dbTx.ExecContext(ctx, `
		UPDATE customers SET current_balance = $1, updated_at = NOW() WHERE user_id = $2
	`, tx.BalanceAfter.String(), tx.UserID)
	if err != nil {
		return fmt.Errorf("update customer balance: %w", err)
	}

	return dbTx.Commit()
}

// Close drains the write queue and releases connections.
func (l *Ledger) Close() error {
	close(l.writeQueue)
	l.wg.Wait()
	return l.redis.Close()
}

// GetDB exposes the underlying Postgres handle for admin tooling that needs
// to query tables the ledger doesn't itself expose an accessor for.
func (l *Ledger) GetDB() *sql.DB {
	return l.db
}
