package grpcserver

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/inferexchange/matchcore/internal/breaker"
	"github.com/inferexchange/matchcore/internal/latency"
	"github.com/inferexchange/matchcore/internal/ledger"
	"github.com/inferexchange/matchcore/internal/orderbook"
	"github.com/inferexchange/matchcore/internal/ratelimit"
	"github.com/inferexchange/matchcore/internal/service"
	"github.com/inferexchange/matchcore/internal/stream"
)

func newTestMatchingServer(t *testing.T) MatchingServer {
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

	return service.New(ob, cb, rl, lr, lg, fwd, zerolog.Nop())
}

func TestSubmitBidHandler_DecodesRequestAndCallsService(t *testing.T) {
	srv := newTestMatchingServer(t)

	dec := func(v interface{}) error {
		*v.(*service.SubmitBidRequest) = service.SubmitBidRequest{}
		return nil
	}

	resp, err := submitBidHandler(srv, context.Background(), dec, nil)
	require.Nil(t, resp)

	var svcErr *service.Error
	require.ErrorAs(t, err, &svcErr)
	require.Equal(t, service.KindInvalidArgument, svcErr.Kind)
}

func TestGetCircuitStatusHandler_ReturnsWireResponse(t *testing.T) {
	srv := newTestMatchingServer(t)

	dec := func(v interface{}) error {
		*v.(*ProviderIDRequest) = ProviderIDRequest{ProviderID: "provider1"}
		return nil
	}

	resp, err := getCircuitStatusHandler(srv, context.Background(), dec, nil)
	require.NoError(t, err)
	require.Equal(t, "closed", resp.(*service.CircuitStatusResponse).State)
}

func TestToStatus_MapsNoMatchToNotFound(t *testing.T) {
	err := &service.Error{Kind: service.KindNoMatch, Msg: "no eligible provider"}
	mapped := toStatus(err)
	require.Equal(t, codes.NotFound, status.Code(mapped))
	require.Contains(t, mapped.Error(), "no eligible provider")
}
