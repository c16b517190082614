package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"arb-core/internal/api"
	"arb-core/internal/breaker"
	"arb-core/internal/events"
	"arb-core/internal/executor"
	"arb-core/internal/matcher"
	"arb-core/internal/quote"
	"arb-core/internal/reconcile"
	"arb-core/internal/session"
	"arb-core/pkg/broker"
	"arb-core/pkg/broker/mt4"
	"arb-core/pkg/broker/mt5"
	"arb-core/pkg/config"
	"arb-core/pkg/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("main: load config: %v", err)
	}
	log.Printf("main: starting arbitrage core on port %s", cfg.Port)

	pairs, err := config.LoadPairs(cfg.PairsFile)
	if err != nil {
		log.Fatalf("main: load pairs: %v", err)
	}
	log.Printf("main: tracking %d pair(s) from %s", len(pairs), cfg.PairsFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("main: open database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("main: apply migrations: %v", err)
	}
	series := db.NewSeriesStore(database)

	// Venue gateways share one failure tracker so the API can report both.
	tracker := breaker.New(breaker.Config{
		FailureThreshold: cfg.BreakerThreshold,
		Cooldown:         cfg.BreakerCooldown,
	})

	registry := broker.NewRegistry()
	registry.Register(broker.VenueMT4, mt4.New(mt4.Config{
		BaseURL:           cfg.MT4BaseURL,
		Timeout:           cfg.RequestTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}, tracker))
	registry.Register(broker.VenueMT5, mt5.New(mt5.Config{
		BaseURL:           cfg.MT5BaseURL,
		Timeout:           cfg.RequestTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}, tracker))

	sessions := session.NewManager(registry, session.Config{
		TTL:         cfg.SessionTTL,
		ValidateAge: cfg.SessionValidateAge,
		MaxSessions: cfg.MaxSessions,
	})
	sessions.Start(ctx)
	defer sessions.Stop()

	// Quote path and sampling units
	cache := quote.NewCache()
	quotes := quote.NewService(cache, sessions, registry, series, quote.Config{})
	sampler := quote.NewSampler(quotes, series, bus, quote.SamplerConfig{
		Period: cfg.SamplePeriod,
	})
	sampler.Start(ctx)
	defer sampler.Stop()
	for _, p := range pairs {
		sampler.Track(p)
	}

	// Trading loops
	exec := executor.New(database, bus, quotes, sessions, registry)

	match := matcher.New(database, quotes, exec, bus, sampler, pairs, matcher.Config{
		Period:       cfg.MatchPeriod,
		MaxDeviation: cfg.MaxPremiumDeviation,
		MaxErrors:    cfg.MaxOrderErrors,
	})
	match.Start(ctx)

	recon := reconcile.New(database, exec, quotes, sessions, registry, bus, pairs, reconcile.Config{
		ReconcilePeriod:  cfg.ReconcilePeriod,
		TakeProfitPeriod: cfg.TakeProfitPeriod,
	})
	recon.Start(ctx)

	// API
	server := api.NewServer(api.Deps{
		Bus:         bus,
		DB:          database,
		Series:      series,
		Sessions:    sessions,
		Quotes:      quotes,
		Sampler:     sampler,
		Exec:        exec,
		Breaker:     tracker,
		Pairs:       pairs,
		JWTSecret:   cfg.JWTSecret,
		APIPassword: cfg.APIPassword,
	})
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("main: api server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("main: shutting down")
}
