// Command u2fvald runs the u2fval validation server (spec §4.5).
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yubico/u2fval/internal/api"
	apimw "github.com/yubico/u2fval/internal/api/middleware"
	"github.com/yubico/u2fval/internal/attestation"
	"github.com/yubico/u2fval/internal/engine"
	"github.com/yubico/u2fval/internal/platform/config"
	"github.com/yubico/u2fval/internal/platform/db"
	"github.com/yubico/u2fval/internal/repositories"
	"github.com/yubico/u2fval/internal/txstore"
	"github.com/yubico/u2fval/internal/u2f"
	"github.com/yubico/u2fval/internal/utils"
)

func main() {
	log := utils.NewLogger()

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration: %v", err)
		os.Exit(1)
	}

	pgDB, err := db.Open(cfg.DatabaseDriver, cfg.DatabaseURI)
	if err != nil {
		log.Error("failed to open database: %v", err)
		os.Exit(1)
	}
	defer pgDB.Close()

	if err := pgDB.Migrate(); err != nil {
		log.Error("failed to migrate database: %v", err)
		os.Exit(1)
	}
	log.Info("database ready (driver=%s)", cfg.DatabaseDriver)

	metadata, err := attestation.LoadMetadata(cfg.MetadataPath)
	if err != nil {
		log.Error("failed to load attestation metadata: %v", err)
		os.Exit(1)
	}
	resolver, err := attestation.NewService(metadata)
	if err != nil {
		log.Error("failed to build attestation service: %v", err)
		os.Exit(1)
	}
	log.Info("loaded %d trusted attestation record(s)", len(metadata))

	store, closeStore := buildTransactionStore(cfg, pgDB, log)
	if closeStore != nil {
		defer closeStore()
	}

	eng := engine.New(pgDB, store, resolver, u2f.New(), log, engine.Config{AllowUntrusted: cfg.AllowUntrusted})

	router := api.NewRouter(eng, cfg.ClientHeader, log)
	handler := apimw.Apply(router)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error: %v", err)
			os.Exit(1)
		}
	}()

	healthStop := make(chan struct{})
	go runHealthLoop(pgDB, log, healthStop)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")
	close(healthStop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed: %v", err)
	}
}

// runHealthLoop pings the database on a fixed interval so the DB query
// duration and connection-pool gauges stay fresh even on an idle server.
func runHealthLoop(pgDB *db.DB, log *utils.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := pgDB.Health(ctx); err != nil {
				log.Warn("database health check failed: %v", err)
			}
			cancel()
		case <-stop:
			return
		}
	}
}

// buildTransactionStore selects the relational or Redis-backed transaction
// store per U2FVAL_USE_CACHE (spec §6). The returned func, if non-nil, closes
// the Redis client on shutdown.
func buildTransactionStore(cfg *config.Config, pgDB *db.DB, log *utils.Logger) (txstore.Store, func()) {
	storeConfig := txstore.Config{MaxTransactions: cfg.MaxTransactions, TTL: cfg.TransactionTTL}

	if !cfg.UseCache {
		repo := repositories.NewTransactionRepository(pgDB)
		log.Info("transaction store: relational")
		return txstore.NewRelationalStore(pgDB, repo, storeConfig), nil
	}

	addr := "localhost:6379"
	if len(cfg.CacheServers) > 0 {
		addr = cfg.CacheServers[0]
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	log.Info("transaction store: redis (%s)", addr)
	return txstore.NewCacheStore(rdb, storeConfig), func() { rdb.Close() }
}
