// Package sync keeps the Redis hot balance cache consistent with the
// Postgres customers table, which is the durable source of truth.
//
// Strategy:
//  1. On startup, Redis is populated from Postgres (cold cache)
//  2. Periodically, customers updated recently are re-synced (drift correction)
//  3. On demand, a single customer can be re-synced when integrity issues
//     are detected
package sync

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Syncer mirrors customer balances from Postgres into Redis.
type Syncer struct {
	redis  *redis.Client
	db     *sql.DB
	log    zerolog.Logger
	stopCh chan struct{}
}

// NewSyncer creates a Syncer instance.
func NewSyncer(rdb *redis.Client, db *sql.DB, logger zerolog.Logger) *Syncer {
	return &Syncer{
		redis:  rdb,
		db:     db,
		log:    logger.With().Str("component", "syncer").Logger(),
		stopCh: make(chan struct{}),
	}
}

func balanceKey(userID string) string {
	return fmt.Sprintf("credit:balance:%s", userID)
}

// InitializeRedis performs a full sync of every customer's balance from
// Postgres into Redis. Must run before the service accepts requests, or
// every balance check falls through to a zero default.
func (s *Syncer) InitializeRedis(ctx context.Context) error {
	start := time.Now()
	s.log.Info().Msg("starting full redis initialization from postgresql")

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, current_balance
		FROM customers
		ORDER BY user_id
	`)
	if err != nil {
		return fmt.Errorf("failed to query customers: %w", err)
	}
	defer rows.Close()

	pipe := s.redis.Pipeline()
	count := 0

	for rows.Next() {
		var userID, balance string
		if err := rows.Scan(&userID, &balance); err != nil {
			s.log.Error().Err(err).Msg("failed to scan customer row")
			continue
		}

		pipe.Set(ctx, balanceKey(userID), balance, 0)
		count++

		if count%1000 == 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("pipeline exec failed at count %d: %w", count, err)
			}
			pipe = s.redis.Pipeline()
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("final pipeline exec failed: %w", err)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("row iteration error: %w", err)
	}

	s.log.Info().
		Int("customer_count", count).
		Dur("duration", time.Since(start)).
		Msg("redis initialization complete")
	return nil
}

// StartPeriodicSync starts a background goroutine re-syncing customers
// updated recently, correcting drift from manual balance adjustments.
func (s *Syncer) StartPeriodicSync(interval time.Duration) {
	if interval == 0 {
		interval = 5 * time.Minute
	}
	s.log.Info().Dur("interval", interval).Msg("starting periodic sync")

	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				if err := s.syncRecentlyUpdatedCustomers(ctx); err != nil {
					s.log.Error().Err(err).Msg("periodic sync failed")
				}
				cancel()
			case <-s.stopCh:
				ticker.Stop()
				s.log.Info().Msg("periodic sync stopped")
				return
			}
		}
	}()
}

func (s *Syncer) syncRecentlyUpdatedCustomers(ctx context.Context) error {
	start := time.Now()

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, current_balance
		FROM customers
		WHERE updated_at > NOW() - INTERVAL '1 hour'
	`)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	pipe := s.redis.Pipeline()
	count := 0

	for rows.Next() {
		var userID, balance string
		if err := rows.Scan(&userID, &balance); err != nil {
			continue
		}
		pipe.Set(ctx, balanceKey(userID), balance, 0)
		count++
	}

	if count > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("pipeline exec failed: %w", err)
		}
	}

	s.log.Debug().
		Int("synced_customers", count).
		Dur("duration", time.Since(start)).
		Msg("incremental sync complete")
	return nil
}

// SyncCustomer re-syncs a single customer's balance on demand, typically
// after an integrity check flags a discrepancy.
func (s *Syncer) SyncCustomer(ctx context.Context, userID string) error {
	var balance string
	err := s.db.QueryRowContext(ctx, `
		SELECT current_balance FROM customers WHERE user_id = $1
	`, userID).Scan(&balance)

	if err == sql.ErrNoRows {
		return fmt.Errorf("customer not found: %s", userID)
	} else if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	if err := s.redis.Set(ctx, balanceKey(userID), balance, 0).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	s.log.Info().Str("user_id", userID).Str("balance", balance).Msg("customer balance synced")
	return nil
}

// VerifyIntegrity samples customers and compares their Redis balance
// against Postgres, auto-fixing any mismatch found. Returns the number of
// discrepancies seen.
func (s *Syncer) VerifyIntegrity(ctx context.Context, sampleSize int) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, current_balance
		FROM customers
		ORDER BY RANDOM()
		LIMIT $1
	`, sampleSize)
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	discrepancies := 0

	for rows.Next() {
		var userID, pgBalance string
		if err := rows.Scan(&userID, &pgBalance); err != nil {
			continue
		}

		redisBalance, err := s.redis.Get(ctx, balanceKey(userID)).Result()
		if err == redis.Nil {
			s.log.Warn().Str("user_id", userID).Msg("customer missing in redis")
			discrepancies++
			continue
		} else if err != nil {
			continue
		}

		redisDec, errR := decimal.NewFromString(redisBalance)
		pgDec, errP := decimal.NewFromString(pgBalance)
		if errR != nil || errP != nil || !redisDec.Equal(pgDec) {
			s.log.Warn().
				Str("user_id", userID).
				Str("redis_balance", redisBalance).
				Str("postgres_balance", pgBalance).
				Msg("balance mismatch detected")
			discrepancies++

			if err := s.SyncCustomer(ctx, userID); err != nil {
				s.log.Error().Err(err).Str("user_id", userID).Msg("failed to sync customer")
			}
		}
	}

	return discrepancies, nil
}

// Stop stops the periodic sync goroutine.
func (s *Syncer) Stop() {
	close(s.stopCh)
}
