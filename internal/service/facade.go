// Package service exposes the matching engine's seven RPC operations over
// a transport-agnostic facade: transports (gRPC, REST) translate wire
// formats to these plain Go types and translate *Error back to their own
// status representation.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/inferexchange/matchcore/internal/breaker"
	"github.com/inferexchange/matchcore/internal/latency"
	"github.com/inferexchange/matchcore/internal/ledger"
	"github.com/inferexchange/matchcore/internal/match"
	"github.com/inferexchange/matchcore/internal/orderbook"
	"github.com/inferexchange/matchcore/internal/ratelimit"
	"github.com/inferexchange/matchcore/internal/stream"
)

// SubmitBidRequest is the input to SubmitBid / SubmitBidStream.
type SubmitBidRequest struct {
	Model           string          `json:"model"`
	Prompt          string          `json:"prompt"`
	MaxPrice        decimal.Decimal `json:"max_price"`
	MaxLatencyMS    uint32          `json:"max_latency_ms"`
	UserID          string          `json:"user_id"`
	RequiredCredits decimal.Decimal `json:"required_credits"`
}

// SubmitBidResponse is the output of a non-streaming SubmitBid.
type SubmitBidResponse struct {
	ProviderID string `json:"provider_id"`
	Status     string `json:"status"`
}

// UpdateProviderStatusRequest is the input to UpdateProviderStatus.
type UpdateProviderStatusRequest struct {
	ProviderID      string          `json:"provider_id"`
	EndpointURL     string          `json:"endpoint_url"`
	Model           string          `json:"model"`
	GPUType         string          `json:"gpu_type"`
	Price           decimal.Decimal `json:"price"`
	MaxLatencyMS    uint32          `json:"max_latency_ms"`
	AvailableTokens uint32          `json:"available_tokens"`
}

// UpdateProviderStatusResponse is the output of UpdateProviderStatus.
type UpdateProviderStatusResponse struct {
	Status string `json:"status"`
}

// CircuitStatusResponse is the output of GetCircuitStatus.
type CircuitStatusResponse struct {
	State string `json:"state"`
}

// RateLimitStatusResponse is the output of GetRateLimitStatus.
type RateLimitStatusResponse struct {
	RemainingTokens float64 `json:"remaining_tokens"`
	TokensPerSecond float64 `json:"tokens_per_second"`
	IsLimited       bool    `json:"is_limited"`
}

// LatencyMetricsResponse is the output of GetLatencyMetrics.
type LatencyMetricsResponse struct {
	P95MS   float64 `json:"p95_ms"`
	HasData bool    `json:"has_data"`
}

// Service implements the matching engine's seven RPC operations against
// the order book, admission filters, credit ledger, and stream forwarder.
type Service struct {
	orderBook *orderbook.OrderBook
	breaker   *breaker.Breaker
	limiter   *ratelimit.Limiter
	router    *latency.Router
	ledger    *ledger.Ledger
	pipeline  *match.Pipeline
	forwarder *stream.Forwarder
	log       zerolog.Logger
}

// New assembles a Service from its components.
func New(ob *orderbook.OrderBook, cb *breaker.Breaker, rl *ratelimit.Limiter, lr *latency.Router, lg *ledger.Ledger, fwd *stream.Forwarder, logger zerolog.Logger) *Service {
	return &Service{
		orderBook: ob,
		breaker:   cb,
		limiter:   rl,
		router:    lr,
		ledger:    lg,
		pipeline:  match.New(ob, cb, rl, lr, lg, logger),
		forwarder: fwd,
		log:       logger.With().Str("component", "service").Logger(),
	}
}

func validateBid(req SubmitBidRequest) error {
	if req.Model == "" {
		return newError(KindInvalidArgument, "model is required", nil)
	}
	if req.UserID == "" {
		return newError(KindInvalidArgument, "user_id is required", nil)
	}
	if req.MaxPrice.IsNegative() {
		return newError(KindInvalidArgument, "max_price must be non-negative", nil)
	}
	if req.RequiredCredits.IsNegative() {
		return newError(KindInvalidArgument, "required_credits must be non-negative", nil)
	}
	return nil
}

// matchBid runs the common bid-matching logic shared by SubmitBid and
// SubmitBidStream: credit precondition check, order book match, ledger
// debit.
func (s *Service) matchBid(ctx context.Context, req SubmitBidRequest) (*match.Result, error) {
	if err := validateBid(req); err != nil {
		return nil, err
	}

	ok, err := s.ledger.VerifyCredits(ctx, req.UserID, req.RequiredCredits)
	if err != nil {
		return nil, newError(KindBackendUnavailable, "credit verification failed", err)
	}
	if !ok {
		return nil, newError(KindFailedPrecondition, "insufficient credits", nil)
	}

	bid := orderbook.Bid{
		Model:           req.Model,
		Prompt:          req.Prompt,
		MaxPrice:        req.MaxPrice,
		MaxLatencyMS:    req.MaxLatencyMS,
		UserID:          req.UserID,
		RequiredCredits: req.RequiredCredits,
		Timestamp:       time.Now().Unix(),
	}

	costFn := func(ask orderbook.Ask) decimal.Decimal {
		return ledger.DefaultCost(len(req.Prompt), req.Model, ask.GPUType)
	}

	result, err := s.pipeline.Match(ctx, bid, costFn)
	if err != nil {
		if errors.Is(err, match.ErrNoMatch) {
			return nil, newError(KindNoMatch, "no eligible provider", err)
		}
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			return nil, newError(KindFailedPrecondition, "insufficient credits", err)
		}
		return nil, newError(KindInternal, "match failed", err)
	}

	return result, nil
}

// SubmitBid matches a bid to the best admissible ask, debits the user's
// credit balance, and returns the selected provider without forwarding
// the inference request itself (the caller is expected to stream via
// SubmitBidStream, or forward out of band — both share the same match).
func (s *Service) SubmitBid(ctx context.Context, req SubmitBidRequest) (*SubmitBidResponse, error) {
	result, err := s.matchBid(ctx, req)
	if err != nil {
		return nil, err
	}
	return &SubmitBidResponse{ProviderID: result.Ask.ProviderID, Status: "matched"}, nil
}

// SubmitBidStream matches a bid, forwards the resulting request to the
// selected provider, and invokes onEvent for each streamed chunk. Latency
// is recorded from match time to the first streamed byte; success/failure
// feeds back into the circuit breaker.
func (s *Service) SubmitBidStream(ctx context.Context, req SubmitBidRequest, onEvent func(stream.Event) error) error {
	result, err := s.matchBid(ctx, req)
	if err != nil {
		return err
	}

	start := time.Now()
	var firstByte time.Duration
	gotFirst := false

	forwardErr := s.forwarder.Forward(ctx, result.Ask.ProviderID, result.Ask.EndpointURL, stream.Request{
		Model:  req.Model,
		Prompt: req.Prompt,
		Stream: true,
	}, func(ev stream.Event) error {
		if !gotFirst {
			firstByte = time.Since(start)
			gotFirst = true
		}
		return onEvent(ev)
	})

	if forwardErr != nil {
		s.pipeline.RecordOutcome(result.Ask.ProviderID, 0, forwardErr)
		var upstreamErr *stream.UpstreamError
		if errors.As(forwardErr, &upstreamErr) {
			return newError(KindUpstreamError, "provider stream failed", forwardErr)
		}
		return newError(KindInternal, "stream forwarding failed", forwardErr)
	}

	s.pipeline.RecordOutcome(result.Ask.ProviderID, firstByte, nil)
	return nil
}

// UpdateProviderStatus publishes or refreshes a provider's ask.
func (s *Service) UpdateProviderStatus(ctx context.Context, req UpdateProviderStatusRequest) (*UpdateProviderStatusResponse, error) {
	if req.ProviderID == "" || req.Model == "" {
		return nil, newError(KindInvalidArgument, "provider_id and model are required", nil)
	}
	if req.Price.IsNegative() {
		return nil, newError(KindInvalidArgument, "price must be non-negative", nil)
	}

	ask := orderbook.Ask{
		ProviderID:      req.ProviderID,
		EndpointURL:     req.EndpointURL,
		Model:           req.Model,
		GPUType:         req.GPUType,
		Price:           req.Price,
		MaxLatencyMS:    req.MaxLatencyMS,
		AvailableTokens: req.AvailableTokens,
		LastHeartbeat:   time.Now().Unix(),
	}

	if err := s.orderBook.UpsertAsk(ctx, ask); err != nil {
		return nil, newError(KindInternal, "failed to publish ask", err)
	}
	return &UpdateProviderStatusResponse{Status: "updated"}, nil
}

// GetOrderBookStatus returns order book depth and price range, optionally
// restricted to one model.
func (s *Service) GetOrderBookStatus(ctx context.Context, model string) (orderbook.Status, error) {
	status, err := s.orderBook.Status(ctx, model)
	if err != nil {
		return orderbook.Status{}, newError(KindInternal, "failed to compute order book status", err)
	}
	return status, nil
}

// GetCircuitStatus reports a provider's circuit breaker state.
func (s *Service) GetCircuitStatus(providerID string) CircuitStatusResponse {
	return CircuitStatusResponse{State: s.breaker.StateOf(providerID).String()}
}

// GetRateLimitStatus reports a provider's token bucket state.
func (s *Service) GetRateLimitStatus(providerID string) RateLimitStatusResponse {
	remaining := s.limiter.Remaining(providerID)
	return RateLimitStatusResponse{
		RemainingTokens: remaining,
		TokensPerSecond: ratelimit.DefaultFillRate,
		IsLimited:       remaining < match.RateLimitTokensPerMatch,
	}
}

// GetLatencyMetrics reports a provider's rolling p95 latency.
func (s *Service) GetLatencyMetrics(providerID string) LatencyMetricsResponse {
	p95, ok := s.router.P95(providerID)
	return LatencyMetricsResponse{P95MS: float64(p95.Milliseconds()), HasData: ok}
}
