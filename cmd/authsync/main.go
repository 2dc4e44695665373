package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"authsync/internal/app"
	"authsync/internal/config"
	"authsync/internal/lease"
	"authsync/internal/reconcile"
	"authsync/internal/store"
)

// membershipSource adapts the Postgres store's concrete pager to the
// engine's interface.
type membershipSource struct {
	store *store.PostgresStore
}

func (s membershipSource) EffectiveMembers(groupID int64, pageSize int) reconcile.MemberPager {
	return s.store.EffectiveMembers(groupID, pageSize)
}

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	engine := reconcile.New(membershipSource{store: dataStore}, dataStore, cfg.BatchSize)

	var service *app.Service
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis run lease")
		runLease, err := lease.NewRedisLease(cfg.RedisURL, cfg.LeaseTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer runLease.Close()
		service = app.NewWithLease(cfg, dataStore, engine, runLease)
	} else {
		log.Printf("Run lease disabled; relying on idempotent reconciliation only")
		service = app.New(cfg, dataStore, engine)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("AuthSync listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
