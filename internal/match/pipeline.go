// Package match composes the order book, admission filters, and credit
// ledger into a single matching operation.
package match

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/inferexchange/matchcore/internal/breaker"
	"github.com/inferexchange/matchcore/internal/latency"
	"github.com/inferexchange/matchcore/internal/ledger"
	"github.com/inferexchange/matchcore/internal/orderbook"
	"github.com/inferexchange/matchcore/internal/ratelimit"
)

// ErrNoMatch is returned when no ask survives the candidate/admission
// filters for a bid.
var ErrNoMatch = errors.New("no eligible provider for bid")

// RateLimitTokensPerMatch is how many rate-limit tokens a single match
// consumes against the winning provider's bucket.
const RateLimitTokensPerMatch = 1.0

// Result is the outcome of a successful match.
type Result struct {
	Ask           orderbook.Ask
	CreditCost    decimal.Decimal
	BalanceAfter  decimal.Decimal
	TransactionID string
}

// Pipeline ties together order book candidate selection, the admission
// filters, and the credit ledger.
type Pipeline struct {
	orderBook *orderbook.OrderBook
	breaker   *breaker.Breaker
	limiter   *ratelimit.Limiter
	router    *latency.Router
	ledger    *ledger.Ledger
	log       zerolog.Logger
}

// New creates a Pipeline over the given components.
func New(ob *orderbook.OrderBook, cb *breaker.Breaker, rl *ratelimit.Limiter, lr *latency.Router, lg *ledger.Ledger, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		orderBook: ob,
		breaker:   cb,
		limiter:   rl,
		router:    lr,
		ledger:    lg,
		log:       logger.With().Str("component", "match_pipeline").Logger(),
	}
}

// Match finds the best admissible ask for bid, debits the user's credit
// balance for the cost of serving it, and returns the result.
//
// Admission order: order book candidates (price/latency/freshness already
// filtered there) -> circuit breaker -> latency router -> rate limiter peek
// (non-consuming). The Pareto frontier is already sorted ascending by
// (price, latency), so the first admissible candidate is the lexicographic
// winner. Exactly one rate-limit token is then consumed against the winner,
// after the ledger debit succeeds — a rejected or un-selected candidate
// never pays a rate-limit cost.
func (p *Pipeline) Match(ctx context.Context, bid orderbook.Bid, costFn func(ask orderbook.Ask) decimal.Decimal) (*Result, error) {
	candidates, err := p.orderBook.Candidates(ctx, bid)
	if err != nil {
		return nil, fmt.Errorf("candidates: %w", err)
	}

	var chosen *orderbook.Ask
	for i := range candidates {
		ask := candidates[i]
		if !p.breaker.CanExecute(ask.ProviderID) {
			continue
		}
		if !p.router.Admit(ask.ProviderID, time.Duration(bid.MaxLatencyMS)*time.Millisecond) {
			continue
		}
		if !p.limiter.Peek(ask.ProviderID, RateLimitTokensPerMatch) {
			continue
		}
		chosen = &ask
		break
	}

	if chosen == nil {
		return nil, ErrNoMatch
	}

	cost := costFn(*chosen)

	newBalance, txID, err := p.ledger.Debit(ctx, bid.UserID, chosen.ProviderID, cost)
	if err != nil {
		return nil, fmt.Errorf("debit: %w", err)
	}

	if !p.limiter.Consume(chosen.ProviderID, RateLimitTokensPerMatch) {
		// Lost the race against a concurrent match for the same provider
		// between the peek above and this consume; the candidate is no
		// longer admissible, but the debit has already committed. The
		// ledger's non-goal on refunds (see the provider-failure case)
		// applies here too: the caller still receives the chosen ask and
		// must forward the request, since credits have already moved.
		p.log.Warn().Str("provider_id", chosen.ProviderID).Msg("rate limit token lost between peek and consume")
	}

	p.orderBook.RecordMatch(time.Now())

	return &Result{
		Ask:           *chosen,
		CreditCost:    cost,
		BalanceAfter:  newBalance,
		TransactionID: txID,
	}, nil
}

// RecordOutcome updates the circuit breaker and latency router after a
// forwarded request completes. observedLatency is ignored on failure.
func (p *Pipeline) RecordOutcome(providerID string, observedLatency time.Duration, err error) {
	if err != nil {
		p.breaker.RecordFailure(providerID)
		return
	}
	p.breaker.RecordSuccess(providerID)
	p.router.RecordLatency(providerID, observedLatency)
}
