package rest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/inferexchange/matchcore/internal/breaker"
	"github.com/inferexchange/matchcore/internal/latency"
	"github.com/inferexchange/matchcore/internal/ledger"
	"github.com/inferexchange/matchcore/internal/orderbook"
	"github.com/inferexchange/matchcore/internal/ratelimit"
	"github.com/inferexchange/matchcore/internal/service"
	"github.com/inferexchange/matchcore/internal/stream"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ob := orderbook.New(rdb, orderbook.DefaultStaleThreshold, zerolog.Nop())
	cb := breaker.New(3, 30*time.Second, 5*time.Second)
	rl := ratelimit.New(ratelimit.DefaultCapacity, ratelimit.DefaultFillRate)
	lr := latency.New()
	lg := ledger.New(rdb, db, 1, zerolog.Nop())
	t.Cleanup(func() { lg.Close() })
	fwd := stream.New(2 * time.Second)

	svc := service.New(ob, cb, rl, lr, lg, fwd, zerolog.Nop())
	return NewHandler(svc, zerolog.Nop())
}

func TestHandleSubmitBid_InvalidJSON(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/bids", bytes.NewBufferString("not json"))
	rec := httptest.NewRecorder()

	h.handleSubmitBid(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSubmitBid_ValidationError(t *testing.T) {
	h := newTestHandler(t)
	body, _ := json.Marshal(service.SubmitBidRequest{})
	req := httptest.NewRequest(http.MethodPost, "/v1/bids", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()

	h.handleSubmitBid(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSubmitBid_WrongMethod(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/bids", nil)
	rec := httptest.NewRecorder()

	h.handleSubmitBid(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleProviderStatus_RoutesToCircuit(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/providers/provider1/circuit", nil)
	rec := httptest.NewRecorder()

	h.handleProviderStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp service.CircuitStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "closed", resp.State)
}

func TestHandleProviderStatus_UnknownResource(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/providers/provider1/bogus", nil)
	rec := httptest.NewRecorder()

	h.handleProviderStatus(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleOrderBookStatus(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/orderbook", nil)
	rec := httptest.NewRecorder()

	h.handleOrderBookStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.handleHealth(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}
