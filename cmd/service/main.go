package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"setlist-sync/internal/collab"
	"setlist-sync/internal/config"
	"setlist-sync/internal/logging"
	"setlist-sync/internal/realtime"
	"setlist-sync/internal/store/pgstore"
	"setlist-sync/internal/store/redisstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "setlist-sync: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.New(os.Stdout, cfg.LogLevel)

	// Postgres
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()
	if err := pgstore.AutoMigrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// Redis
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	docs := pgstore.New(pool, rdb, pgstore.WithLogger(log))
	presence := redisstore.New(rdb, cfg.PresenceTTL, redisstore.WithLogger(log))

	hub := realtime.NewHub()
	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		hub.Run(hubCtx)
		close(hubDone)
	}()

	srv := realtime.NewServer(hub, docs, presence, realtime.Options{
		JWTSecret:     cfg.JWTSecret,
		AllowedOrigin: cfg.FrontendBaseURL,
		Logger:        log,
		Session: collab.Options{
			GuardCooldown:       cfg.GuardCooldown,
			DebounceQuiet:       cfg.DebounceQuiet,
			OnlineCheckInterval: cfg.OnlineCheckInterval,
			Heartbeat:           cfg.HeartbeatInterval,
			StaleAfter:          cfg.PresenceTTL,
			Logger:              log,
		},
	})

	r := srv.Router(
		middleware.RequestID,
		middleware.RealIP,
		realtime.RequestLog(log),
		middleware.Recoverer,
	)

	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	errc := make(chan error, 1)
	go func() {
		log.Info(ctx, "setlist-sync listening", "port", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		stopHub()
		return err
	}

	log.Info(context.Background(), "setlist-sync shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Tell websocket clients first; Shutdown does not wait for hijacked
	// connections.
	stopHub()
	<-hubDone
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}
