package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"execution-core/internal/api"
	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/gateway"
	"execution-core/internal/monitor"
	"execution-core/internal/stats"
	"execution-core/internal/stream"
	"execution-core/internal/vault"
	"execution-core/pkg/config"
	"execution-core/pkg/crypto"
	"execution-core/pkg/db"
)

const version = "1.0.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	log.Printf("execution core %s starting on port %s", version, cfg.Port)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}
	log.Printf("database ready at %s", cfg.DBPath)

	keys, err := crypto.NewKeyManager()
	if err != nil {
		log.Fatalf("init key manager: %v", err)
	}

	venues, err := config.LoadVenues(cfg.VenuesPath)
	if err != nil {
		log.Fatalf("load venues: %v", err)
	}
	profile, ok := venues[cfg.DefaultVenue]
	if !ok {
		log.Fatalf("unknown default venue %q", cfg.DefaultVenue)
	}

	pool := gateway.NewManager(database, keys,
		gateway.BinanceFuturesFactory(profile, cfg.GatewayTimeout),
		gateway.DefaultConfig())
	pool.Start(ctx)
	defer pool.Stop()

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()
	vaultSvc := vault.New(database, keys, pool)
	statsSvc := stats.New(database)

	eng := engine.New(database, pool, bus, metrics, engine.Config{
		SweepInterval:   cfg.SweepInterval,
		SweepStaleAfter: cfg.SweepStaleAfter,
	})
	// Runs the startup sweep and keeps reconciling in the background.
	eng.Start(ctx)

	// Push-based reconciliation: one venue user stream per active
	// credential, on top of the polling sweep.
	streams := stream.NewSupervisor(database, pool, eng, time.Minute)
	streams.Start(ctx)

	server := api.NewServer(api.Options{
		Bus:       bus,
		DB:        database,
		Engine:    eng,
		Vault:     vaultSvc,
		Stats:     statsSvc,
		Pool:      pool,
		Metrics:   metrics,
		JWTSecret: cfg.JWTSecret,
		RateLimit: cfg.APIRateLimit,
		RateBurst: cfg.APIRateBurst,
		Meta: api.SystemMeta{
			Venue:   cfg.DefaultVenue,
			Version: version,
		},
	})

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router,
	}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()
	log.Printf("listening on :%s (venue %s)", cfg.Port, cfg.DefaultVenue)

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	log.Println("bye")
}
