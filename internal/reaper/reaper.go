// Package reaper runs the background maintenance loop that keeps the order
// book free of stale asks and evicts idle provider admission state.
package reaper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/inferexchange/matchcore/internal/breaker"
	"github.com/inferexchange/matchcore/internal/latency"
	"github.com/inferexchange/matchcore/internal/orderbook"
	"github.com/inferexchange/matchcore/internal/ratelimit"
)

// DefaultInterval is how often the reaper sweeps, distinct from the idle
// eviction window itself.
const DefaultInterval = 30 * time.Second

// Reaper periodically removes stale order book entries and evicts
// per-provider admission state for providers no longer present in the
// order book.
type Reaper struct {
	orderBook *orderbook.OrderBook
	breaker   *breaker.Breaker
	limiter   *ratelimit.Limiter
	router    *latency.Router
	log       zerolog.Logger

	interval   time.Duration
	idleWindow time.Duration
}

// New creates a Reaper over the given components.
func New(ob *orderbook.OrderBook, cb *breaker.Breaker, rl *ratelimit.Limiter, lr *latency.Router, interval, idleWindow time.Duration, logger zerolog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reaper{
		orderBook:  ob,
		breaker:    cb,
		limiter:    rl,
		router:     lr,
		log:        logger.With().Str("component", "reaper").Logger(),
		interval:   interval,
		idleWindow: idleWindow,
	}
}

// Run blocks, sweeping on each tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("reaper stopping")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	removed, err := r.orderBook.ReapStale(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("reap stale asks failed")
		return
	}
	if removed > 0 {
		r.log.Info().Int("removed", removed).Msg("reaped stale asks")
	}

	live, err := r.liveProviders(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to list live providers for idle eviction")
		return
	}

	breakerEvicted := r.breaker.EvictIdle(live, r.idleWindow)
	limiterEvicted := r.limiter.EvictIdle(live, r.idleWindow)
	routerEvicted := r.router.EvictIdle(live, r.idleWindow)

	if breakerEvicted+limiterEvicted+routerEvicted > 0 {
		r.log.Info().
			Int("breaker_evicted", breakerEvicted).
			Int("limiter_evicted", limiterEvicted).
			Int("latency_evicted", routerEvicted).
			Msg("evicted idle provider state")
	}
}

// liveProviders returns the set of provider_ids currently present in the
// order book, across all models.
func (r *Reaper) liveProviders(ctx context.Context) (map[string]struct{}, error) {
	return r.orderBook.LiveProviderIDs(ctx)
}
