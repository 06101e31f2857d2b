// Package orderbook maintains the set of live provider asks and answers the
// matching engine's two questions: which asks are admissible for a bid, and
// which of those form the Pareto frontier over (price, latency, tokens).
//
// Redis is the index: the full ask record lives at ask:{provider_id}:{model},
// with two per-(model, gpu_type) sorted sets for price and latency, plus a
// per-model aggregate price index so candidates() does not need to union
// across gpu types at query time (see DESIGN.md, §9 open question).
package orderbook

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DefaultStaleThreshold is how old a heartbeat can be before an ask is
// ineligible for matching.
const DefaultStaleThreshold = 120 * time.Second

// Ask is a provider's open offer to serve inference for a model.
type Ask struct {
	ProviderID      string          `json:"provider_id"`
	EndpointURL     string          `json:"endpoint_url"`
	Model           string          `json:"model"`
	GPUType         string          `json:"gpu_type"`
	Price           decimal.Decimal `json:"price"`
	MaxLatencyMS    uint32          `json:"max_latency_ms"`
	AvailableTokens uint32          `json:"available_tokens"`
	LastHeartbeat   int64           `json:"last_heartbeat"`
}

// fresh reports whether the ask's heartbeat is within staleThreshold of now.
func (a Ask) fresh(now time.Time, staleThreshold time.Duration) bool {
	return now.Unix()-a.LastHeartbeat <= int64(staleThreshold/time.Second)
}

// Dominates reports whether a Pareto-dominates b on (price asc, latency asc,
// tokens desc), with at least one strict inequality.
func (a Ask) Dominates(b Ask) bool {
	priceBetter := a.Price.LessThanOrEqual(b.Price)
	latencyBetter := a.MaxLatencyMS <= b.MaxLatencyMS
	tokensBetter := a.AvailableTokens >= b.AvailableTokens
	if !(priceBetter && latencyBetter && tokensBetter) {
		return false
	}
	return a.Price.LessThan(b.Price) ||
		a.MaxLatencyMS < b.MaxLatencyMS ||
		a.AvailableTokens > b.AvailableTokens
}

// Bid is a one-shot match request. It lives only for the duration of a
// single RPC.
type Bid struct {
	Model           string
	Prompt          string
	MaxPrice        decimal.Decimal
	MaxLatencyMS    uint32
	UserID          string
	RequiredCredits decimal.Decimal
	Timestamp       int64
}

// Depth summarizes order book depth for one model.
type Depth struct {
	Model    string          `json:"model"`
	Count    int             `json:"count"`
	MinPrice decimal.Decimal `json:"min_price"`
	MaxPrice decimal.Decimal `json:"max_price"`
}

// Status aggregates order book health for GetOrderBookStatus.
type Status struct {
	TotalAsks       int             `json:"total_asks"`
	ActiveProviders int             `json:"active_providers"`
	Depths          []Depth         `json:"depths"`
	MinPrice        decimal.Decimal `json:"min_price"`
	MaxPrice        decimal.Decimal `json:"max_price"`
	LastMatchUnix   int64           `json:"last_match_timestamp"`
}

// OrderBook indexes asks in Redis and produces candidate sets for bids.
//
// Thread safety: every method is a thin wrapper over Redis commands except
// lastMatch, which is touched from both the match pipeline and status
// reporting goroutines and is therefore accessed atomically.
type OrderBook struct {
	redis          *redis.Client
	log            zerolog.Logger
	staleThreshold time.Duration

	lastMatch int64 // unix seconds, best-effort, updated by the match pipeline
}

// New creates an OrderBook backed by the given Redis client.
func New(rdb *redis.Client, staleThreshold time.Duration, logger zerolog.Logger) *OrderBook {
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	return &OrderBook{
		redis:          rdb,
		log:            logger.With().Str("component", "orderbook").Logger(),
		staleThreshold: staleThreshold,
	}
}

func askKey(providerID, model string) string {
	return fmt.Sprintf("ask:%s:%s", providerID, model)
}

func priceKey(model, gpuType string) string {
	return fmt.Sprintf("price:%s:%s", model, gpuType)
}

func priceAggregateKey(model string) string {
	return fmt.Sprintf("price:%s", model)
}

func latencyKey(model, gpuType string) string {
	return fmt.Sprintf("latency:%s:%s", model, gpuType)
}

// UpsertAsk writes the full ask record and then indexes it. A second publish
// for the same (provider_id, model) replaces the prior record and index
// entries in place (ZADD is idempotent per member).
//
// The full record is written before the indices to satisfy the heartbeat
// ordering guarantee: a concurrent reader must never observe an index entry
// for an ask whose record has not yet landed.
func (ob *OrderBook) UpsertAsk(ctx context.Context, ask Ask) error {
	data, err := json.Marshal(ask)
	if err != nil {
		return fmt.Errorf("marshal ask: %w", err)
	}

	if err := ob.redis.Set(ctx, askKey(ask.ProviderID, ask.Model), data, 0).Err(); err != nil {
		return fmt.Errorf("write ask record: %w", err)
	}

	price, _ := ask.Price.Float64()
	pipe := ob.redis.Pipeline()
	pipe.ZAdd(ctx, priceKey(ask.Model, ask.GPUType), &redis.Z{Score: price, Member: ask.ProviderID})
	pipe.ZAdd(ctx, priceAggregateKey(ask.Model), &redis.Z{Score: price, Member: ask.ProviderID})
	pipe.ZAdd(ctx, latencyKey(ask.Model, ask.GPUType), &redis.Z{Score: float64(ask.MaxLatencyMS), Member: ask.ProviderID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index ask: %w", err)
	}

	return nil
}

// removeIndexEntries unlinks provider_id from the per-gpu price, aggregate
// price, and latency sorted sets for an ask.
func (ob *OrderBook) removeIndexEntries(ctx context.Context, ask Ask) error {
	pipe := ob.redis.Pipeline()
	pipe.ZRem(ctx, priceKey(ask.Model, ask.GPUType), ask.ProviderID)
	pipe.ZRem(ctx, priceAggregateKey(ask.Model), ask.ProviderID)
	pipe.ZRem(ctx, latencyKey(ask.Model, ask.GPUType), ask.ProviderID)
	_, err := pipe.Exec(ctx)
	return err
}

// ReapStale scans every ask, removing entries whose heartbeat age exceeds
// the stale threshold, and returns the count removed. Malformed records are
// logged once and skipped, not treated as fatal.
func (ob *OrderBook) ReapStale(ctx context.Context) (int, error) {
	keys, err := ob.redis.Keys(ctx, "ask:*").Result()
	if err != nil {
		return 0, fmt.Errorf("scan asks: %w", err)
	}

	now := time.Now()
	removed := 0
	for _, key := range keys {
		raw, err := ob.redis.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			ob.log.Error().Err(err).Str("key", key).Msg("reap: read failed")
			continue
		}

		var ask Ask
		if err := json.Unmarshal(raw, &ask); err != nil {
			ob.log.Warn().Err(err).Str("key", key).Msg("reap: malformed ask record, skipping")
			continue
		}

		if ask.fresh(now, ob.staleThreshold) {
			continue
		}

		if err := ob.redis.Del(ctx, key).Err(); err != nil {
			ob.log.Error().Err(err).Str("key", key).Msg("reap: delete failed")
			continue
		}
		if err := ob.removeIndexEntries(ctx, ask); err != nil {
			ob.log.Error().Err(err).Str("provider_id", ask.ProviderID).Msg("reap: de-index failed")
			continue
		}

		removed++
	}

	return removed, nil
}

// Candidates returns the Pareto frontier of asks matching bid, sorted
// ascending by price then by latency.
func (ob *OrderBook) Candidates(ctx context.Context, bid Bid) ([]Ask, error) {
	providerIDs, err := ob.redis.ZRangeByScore(ctx, priceAggregateKey(bid.Model), &redis.ZRangeBy{
		Min: "-inf",
		Max: bid.MaxPrice.String(),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("query price index: %w", err)
	}
	if len(providerIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(providerIDs))
	for i, providerID := range providerIDs {
		keys[i] = askKey(providerID, bid.Model)
	}

	raws, err := ob.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch ask records: %w", err)
	}

	now := time.Now()
	asks := make([]Ask, 0, len(raws))
	for _, v := range raws {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}

		var ask Ask
		if err := json.Unmarshal([]byte(s), &ask); err != nil {
			ob.log.Warn().Err(err).Msg("candidates: malformed ask record, skipping")
			continue
		}

		if ask.Model != bid.Model {
			continue
		}
		if ask.Price.GreaterThan(bid.MaxPrice) {
			continue
		}
		if ask.MaxLatencyMS > bid.MaxLatencyMS {
			continue
		}
		if !ask.fresh(now, ob.staleThreshold) {
			continue
		}

		asks = append(asks, ask)
	}

	return ParetoFrontier(asks), nil
}

// ParetoFrontier returns every non-dominated ask among asks, sorted
// ascending by price (primary) and latency (secondary).
func ParetoFrontier(asks []Ask) []Ask {
	frontier := make([]Ask, 0, len(asks))
	for _, candidate := range asks {
		dominated := false
		kept := frontier[:0:0]
		for _, existing := range frontier {
			if existing.Dominates(candidate) {
				dominated = true
			}
			if !candidate.Dominates(existing) {
				kept = append(kept, existing)
			}
		}
		if dominated {
			frontier = kept
			continue
		}
		frontier = append(kept, candidate)
	}

	sort.Slice(frontier, func(i, j int) bool {
		if !frontier[i].Price.Equal(frontier[j].Price) {
			return frontier[i].Price.LessThan(frontier[j].Price)
		}
		return frontier[i].MaxLatencyMS < frontier[j].MaxLatencyMS
	})

	return frontier
}

// Status aggregates total/active ask counts, per-model depth, and the
// overall price range across non-stale asks. If model is non-empty, the
// counts, depths, and price range all cover that model only.
func (ob *OrderBook) Status(ctx context.Context, model string) (Status, error) {
	keys, err := ob.redis.Keys(ctx, "ask:*").Result()
	if err != nil {
		return Status{}, fmt.Errorf("scan asks: %w", err)
	}

	now := time.Now()
	byModel := make(map[string][]Ask)

	for _, key := range keys {
		raw, err := ob.redis.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var ask Ask
		if err := json.Unmarshal(raw, &ask); err != nil {
			continue
		}
		if !ask.fresh(now, ob.staleThreshold) {
			continue
		}
		if model != "" && ask.Model != model {
			continue
		}
		byModel[ask.Model] = append(byModel[ask.Model], ask)
	}

	status := Status{LastMatchUnix: ob.LastMatch()}
	providers := make(map[string]struct{})

	for m, asks := range byModel {
		depth := Depth{Model: m, Count: len(asks)}
		for i, ask := range asks {
			providers[ask.ProviderID] = struct{}{}
			if i == 0 || ask.Price.LessThan(depth.MinPrice) {
				depth.MinPrice = ask.Price
			}
			if i == 0 || ask.Price.GreaterThan(depth.MaxPrice) {
				depth.MaxPrice = ask.Price
			}
			if status.TotalAsks == 0 || ask.Price.LessThan(status.MinPrice) {
				status.MinPrice = ask.Price
			}
			if status.TotalAsks == 0 || ask.Price.GreaterThan(status.MaxPrice) {
				status.MaxPrice = ask.Price
			}
			status.TotalAsks++
		}
		status.Depths = append(status.Depths, depth)
	}

	sort.Slice(status.Depths, func(i, j int) bool { return status.Depths[i].Model < status.Depths[j].Model })
	status.ActiveProviders = len(providers)

	return status, nil
}

// RecordMatch stamps the timestamp of the most recent successful match, for
// GetOrderBookStatus reporting.
func (ob *OrderBook) RecordMatch(t time.Time) {
	atomic.StoreInt64(&ob.lastMatch, t.Unix())
}

// LastMatch returns the unix timestamp of the most recent successful match,
// or zero if none has occurred yet.
func (ob *OrderBook) LastMatch() int64 {
	return atomic.LoadInt64(&ob.lastMatch)
}

// LiveProviderIDs returns the set of provider_ids with at least one
// current ask record, regardless of freshness. Used by the reaper to
// decide which per-provider admission state is still live.
func (ob *OrderBook) LiveProviderIDs(ctx context.Context) (map[string]struct{}, error) {
	keys, err := ob.redis.Keys(ctx, "ask:*").Result()
	if err != nil {
		return nil, fmt.Errorf("scan asks: %w", err)
	}

	live := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		raw, err := ob.redis.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var ask Ask
		if err := json.Unmarshal(raw, &ask); err != nil {
			continue
		}
		live[ask.ProviderID] = struct{}{}
	}
	return live, nil
}
