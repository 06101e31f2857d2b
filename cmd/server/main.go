// Command server runs the matching engine: the gRPC and REST surfaces over
// the order book, admission filters, credit ledger, and stream forwarder,
// plus a background reaper sweeping stale asks and idle per-provider state.
//
// Lifecycle:
//  1. Load configuration from env
//  2. Connect to Redis and PostgreSQL
//  3. Wire components and start the reaper
//  4. Start gRPC and HTTP servers
//  5. Wait for shutdown signal
//  6. Gracefully drain connections
package main

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/inferexchange/matchcore/internal/breaker"
	"github.com/inferexchange/matchcore/internal/config"
	"github.com/inferexchange/matchcore/internal/latency"
	"github.com/inferexchange/matchcore/internal/ledger"
	"github.com/inferexchange/matchcore/internal/orderbook"
	"github.com/inferexchange/matchcore/internal/ratelimit"
	"github.com/inferexchange/matchcore/internal/reaper"
	"github.com/inferexchange/matchcore/internal/service"
	"github.com/inferexchange/matchcore/internal/stream"
	"github.com/inferexchange/matchcore/internal/transport/grpcserver"
	"github.com/inferexchange/matchcore/internal/transport/rest"
)

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	logger.Info().
		Str("environment", cfg.Environment).
		Str("grpc_port", cfg.GRPCPort).
		Str("http_port", cfg.HTTPPort).
		Msg("starting matchcore server")

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     100,
		MinIdleConns: 25,
	})

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	pingCancel()
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open postgres connection")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	logger.Info().Msg("connected to postgres")

	ob := orderbook.New(redisClient, time.Duration(cfg.StaleThresholdSeconds)*time.Second, logger)
	cb := breaker.New(cfg.BreakerFailureThreshold, cfg.BreakerResetTimeout, cfg.BreakerHalfOpenTimeout)
	rl := ratelimit.New(cfg.RateLimitCapacity, cfg.RateLimitFillRate)
	lr := latency.New()
	lg := ledger.New(redisClient, db, cfg.LedgerWriteWorkers, logger)
	defer lg.Close()
	fwd := stream.New(60 * time.Second)

	svc := service.New(ob, cb, rl, lr, lg, fwd, logger)

	rp := reaper.New(ob, cb, rl, lr, reaper.DefaultInterval, cfg.IdleEvictionWindow, logger)
	reaperCtx, reaperCancel := context.WithCancel(context.Background())
	go rp.Run(reaperCtx)
	defer reaperCancel()

	grpcServer := grpcserver.New(svc, logger)
	go func() {
		listener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create grpc listener")
		}
		logger.Info().Str("port", cfg.GRPCPort).Msg("grpc server listening")
		if err := grpcServer.Serve(listener); err != nil {
			logger.Fatal().Err(err).Msg("grpc server failed")
		}
	}()

	httpServer := createHTTPServer(cfg.HTTPPort, svc, logger)
	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	grpcServer.GracefulStop()
	logger.Info().Msg("grpc server stopped")

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("http server stopped")
	logger.Info().Msg("shutdown complete")
}

func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "matchcore").
		Str("environment", environment).
		Logger()
}

func createHTTPServer(port string, svc *service.Service, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	rest.NewHandler(svc, logger).RegisterRoutes(mux)

	handler := rest.LoggingMiddleware(logger)(rest.CORS(mux))

	return &http.Server{
		Addr:         ":" + port,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
