package main

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/beckn-net/beckn-core/internal/cmdutil"
	"github.com/beckn-net/beckn-core/internal/config"
	"github.com/beckn-net/beckn-core/internal/metrics"
	"github.com/beckn-net/beckn-core/internal/registry"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := cmdutil.OpenPostgres(cfg.Postgres.DSN, registry.Schema)
	if err != nil {
		log.Fatal("postgres open failed", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck
	store := registry.NewStore(db)

	rdb, err := cmdutil.OpenRedis(ctx, cfg)
	if err != nil {
		log.Fatal("redis open failed", zap.Error(err))
	}
	cache := registry.NewLookupCache(rdb, registry.LookupCacheTTL)

	privKey, err := cfg.SigningPrivKey()
	if err != nil {
		log.Fatal("signing key decode failed", zap.Error(err))
	}

	srv := registry.NewServer(store, cache, cfg.Identity.SubscriberID, cfg.Identity.UniqueKeyID, privKey)
	mtx := metrics.New("registry")

	r := gin.New()
	r.Use(gin.Recovery(), mtx.Middleware())
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	r.GET("/metrics", mtx.Handler())
	srv.RegisterRoutes(r)

	cmdutil.Serve(ctx, cancel, r, cfg.Server.Port, log)
}
