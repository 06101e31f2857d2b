package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/inferexchange/matchcore/internal/breaker"
	"github.com/inferexchange/matchcore/internal/latency"
	"github.com/inferexchange/matchcore/internal/orderbook"
	"github.com/inferexchange/matchcore/internal/ratelimit"
)

func TestSweep_EvictsIdleStateForGoneProvider(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ob := orderbook.New(rdb, orderbook.DefaultStaleThreshold, zerolog.Nop())
	cb := breaker.New(1, time.Millisecond, time.Millisecond)
	rl := ratelimit.New(10, 1)
	lr := latency.New()

	cb.RecordFailure("gone-provider")
	rl.Consume("gone-provider", 1)
	lr.RecordLatency("gone-provider", 10*time.Millisecond)

	time.Sleep(5 * time.Millisecond)

	r := New(ob, cb, rl, lr, time.Hour, time.Millisecond, zerolog.Nop())
	r.sweep(context.Background())

	require.Equal(t, breaker.Closed, cb.StateOf("gone-provider"), "evicted provider reports fresh default state")
}

func TestSweep_KeepsStateForLiveProvider(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ob := orderbook.New(rdb, orderbook.DefaultStaleThreshold, zerolog.Nop())
	cb := breaker.New(1, time.Millisecond, time.Millisecond)
	rl := ratelimit.New(10, 1)
	lr := latency.New()

	require.NoError(t, ob.UpsertAsk(context.Background(), orderbook.Ask{
		ProviderID: "live-provider", Model: "gpt-4", Price: decimal.NewFromInt(1), LastHeartbeat: time.Now().Unix(),
	}))
	cb.RecordFailure("live-provider")
	time.Sleep(5 * time.Millisecond)

	r := New(ob, cb, rl, lr, time.Hour, time.Millisecond, zerolog.Nop())
	r.sweep(context.Background())

	require.Equal(t, breaker.Open, cb.StateOf("live-provider"))
}
