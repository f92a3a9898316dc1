package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"huddle/api/internal/app"
	"huddle/api/internal/broadcast"
	"huddle/api/internal/config"
	"huddle/api/internal/guard"
	"huddle/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	events, err := broadcast.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer events.Close()
	if err := events.Ping(ctx); err != nil {
		log.Fatalf("redis ping failed: %v", err)
	}

	var records guard.RecordStore
	if strings.EqualFold(cfg.GuardBackend, "memory") {
		log.Printf("Using in-process idempotency records")
		records = guard.NewMemoryStore(cfg.DuplicateWindow)
	} else {
		log.Printf("Using Redis idempotency records")
		redisRecords, err := guard.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis guard store failed: %v", err)
		}
		defer redisRecords.Close()
		records = redisRecords
	}
	dupGuard := guard.New(cfg.DuplicateWindow, records, dataStore)

	service := app.New(cfg, dataStore, events, dupGuard)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	httpServer := app.NewHTTPServer(service, events, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Printf("Huddle API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
