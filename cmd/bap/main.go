package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/beckn-net/beckn-core/internal/bap"
	"github.com/beckn-net/beckn-core/internal/beckncontext"
	"github.com/beckn-net/beckn-core/internal/cmdutil"
	"github.com/beckn-net/beckn-core/internal/config"
	"github.com/beckn-net/beckn-core/internal/httpclient"
	"github.com/beckn-net/beckn-core/internal/metrics"
	"github.com/beckn-net/beckn-core/internal/registry"
	"github.com/beckn-net/beckn-core/internal/txlog"
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

	db, err := cmdutil.OpenPostgres(cfg.Postgres.DSN, registry.Schema+txlog.Schema)
	if err != nil {
		log.Fatal("postgres open failed", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck
	regStore := registry.NewStore(db)
	txStore := txlog.NewStore(db)

	rdb, err := cmdutil.OpenRedis(ctx, cfg)
	if err != nil {
		log.Fatal("redis open failed", zap.Error(err))
	}
	dedup := beckncontext.NewDedup(rdb, cfg.MessageDedupTTL())
	projections := bap.NewProjectionStore(rdb)
	webhooks := bap.NewWebhookStore(rdb)

	privKey, err := cfg.SigningPrivKey()
	if err != nil {
		log.Fatal("signing key decode failed", zap.Error(err))
	}

	engine := bap.New(cfg.Identity.SubscriberID, cfg.Identity.SubscriberURL, cfg.Network.GatewayURL,
		cfg.Identity.UniqueKeyID, privKey, txStore, webhooks, log)
	notifier := httpclient.New(cfg.Identity.SubscriberID, cfg.Identity.UniqueKeyID, privKey, 10*time.Second)
	srv := bap.NewServer(engine, regStore, dedup, txStore, projections, webhooks, notifier, log)
	mtx := metrics.New("bap")

	r := gin.New()
	r.Use(gin.Recovery(), mtx.Middleware())
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	r.GET("/metrics", mtx.Handler())
	srv.RegisterRoutes(r)

	cmdutil.Serve(ctx, cancel, r, cfg.Server.Port, log)
}
