// Package cmdutil collects the wiring every cmd/ binary repeats: opening
// the shared Postgres pool and applying a schema, opening the shared Redis
// client, and running/shutting down the Gin HTTP server. Grounded on
// cmd/billing/main.go's inline Redis-ping and graceful-shutdown block,
// factored out since four binaries now repeat it instead of one.
package cmdutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/lib/pq"

	"github.com/beckn-net/beckn-core/internal/config"
)

// OpenPostgres opens a pool against dsn and applies schema (idempotent
// CREATE TABLE IF NOT EXISTS DDL).
func OpenPostgres(dsn, schema string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("cmdutil: open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("cmdutil: ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cmdutil: apply schema: %w", err)
	}
	return db, nil
}

func OpenRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cmdutil: ping redis: %w", err)
	}
	return rdb, nil
}

// Serve runs handler on port until SIGINT/SIGTERM, then drains within 15s.
func Serve(ctx context.Context, cancel context.CancelFunc, handler http.Handler, port int, log *zap.Logger) {
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: handler}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
