package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftlight/overlay-server/internal/aggregator"
	"github.com/driftlight/overlay-server/internal/breaker"
	"github.com/driftlight/overlay-server/internal/bridge"
	"github.com/driftlight/overlay-server/internal/bus"
	"github.com/driftlight/overlay-server/internal/config"
	"github.com/driftlight/overlay-server/internal/correlation"
	"github.com/driftlight/overlay-server/internal/idpool"
	"github.com/driftlight/overlay-server/internal/ingest"
	"github.com/driftlight/overlay-server/internal/logger"
	"github.com/driftlight/overlay-server/internal/oauth"
	"github.com/driftlight/overlay-server/internal/producer"
	"github.com/driftlight/overlay-server/internal/service"
	"github.com/driftlight/overlay-server/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ids := idpool.New(log)
	events := bus.New(log,
		bus.WithMailboxSize(cfg.SubscriberMailboxSize),
		bus.WithIDSource(ids.Take),
	)
	breakers := breaker.NewRegistry(log,
		breaker.WithFailureThreshold(cfg.BreakerFailureThreshold),
		breaker.WithCooldown(cfg.BreakerCooldown),
	)

	// Stores.
	var states store.StateStore = store.NewMemoryStateStore()
	if cfg.ProducerStatePath != "" {
		states = store.NewFileStateStore(cfg.ProducerStatePath)
	}
	var tokens store.TokenStore = store.NewMemoryTokenStore()
	if cfg.TokenStorePath != "" {
		tokens = store.NewFileTokenStore(cfg.TokenStorePath)
	}
	correlations := store.NewMemoryCorrelationStore()

	// OAuth token lifecycle for the Twitch adapters.
	tokenOpts := []oauth.Option{oauth.WithRefreshBuffer(cfg.TokenRefreshBuffer)}
	if cfg.TokenRecoveryPath != "" {
		tokenOpts = append(tokenOpts, oauth.WithRecoveryStore(store.NewFileTokenStore(cfg.TokenRecoveryPath)))
	}
	tokenManager := oauth.NewManager(tokens, oauth.NewHTTPProvider(), breakers, log, tokenOpts...)
	defer tokenManager.Close()

	if cfg.TwitchClientID != "" {
		tokenManager.Register(ctx, oauth.ServiceConfig{
			Name:         "twitch",
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
			TokenURL:     cfg.TwitchTokenURL,
			ValidateURL:  cfg.TwitchValidateURL,
		})
	}

	// Core actors.
	stats := aggregator.New(events, log, aggregator.Options{
		MaxFollowers:    cfg.MaxFollowers,
		MaxEmoteEntries: cfg.MaxEmoteEntries,
		CleanupInterval: cfg.AggregatorCleanupInterval,
	})
	engine := correlation.New(events, correlations, breakers, log, correlation.Options{
		TranscriptionWindow:  cfg.TranscriptionWindow,
		ChatWindow:           cfg.ChatWindow,
		DelayMin:             cfg.CorrelationDelayMin,
		DelayMax:             cfg.CorrelationDelayMax,
		FingerprintRetention: cfg.FingerprintRetention,
	})
	overlay := producer.New(events, stats, states, log, producer.Options{
		TickerInterval:   cfg.TickerInterval,
		SubTrainDuration: cfg.SubTrainDuration,
		CleanupInterval:  cfg.CleanupInterval,
		MaxTimers:        cfg.MaxTimers,
		MaxStackSize:     cfg.MaxInterruptStackSize,
		StackKeepCount:   cfg.InterruptStackKeep,
	})

	services := []service.Service{stats, engine, overlay}

	if feed := ingest.New("twitch", cfg.TwitchEventsURL, events, log); feed != nil {
		services = append(services, feed)
	}

	nc, err := bridge.Connect(cfg.NatsURL, idpool.Generate(), log)
	if err != nil {
		log.Error("nats connect failed, bridge disabled", slog.Any("error", err))
	}
	if mirror := bridge.New(nc, events, log); mirror != nil {
		services = append(services, mirror)
	}

	// One-for-all startup: any actor failing to start takes the process
	// down, and the snapshot restore brings it back consistent.
	for _, svc := range services {
		if err := svc.Start(ctx); err != nil {
			log.Error("service start failed",
				slog.String("service", svc.Info().Name),
				slog.Any("error", err))
			os.Exit(1)
		}
	}

	var debugSrv *http.Server
	if cfg.DebugListenAddr != "" {
		debugSrv = startDebugListener(cfg.DebugListenAddr, log, overlay, services)
	}

	log.Info("overlay server running",
		slog.String("debug_addr", cfg.DebugListenAddr),
		slog.Bool("nats", nc != nil))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	cancel()
	for i := len(services) - 1; i >= 0; i-- {
		services[i].Stop()
	}
	if debugSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := debugSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("debug listener shutdown failed", slog.Any("error", err))
		}
	}
	log.Info("shutdown complete")
}

// startDebugListener serves Prometheus metrics, health, and a state
// snapshot for operators.
func startDebugListener(addr string, log *logger.Logger, overlay *producer.Producer, services []service.Service) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		healthy := true
		details := make(map[string]service.Health, len(services))
		for _, svc := range services {
			h := svc.Health()
			details[svc.Info().Name] = h
			healthy = healthy && h.Healthy
		}
		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"healthy":  healthy,
			"services": details,
		})
	})

	mux.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(overlay.GetState())
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("debug listener failed", slog.Any("error", err))
		}
	}()
	log.Info("debug listener started", slog.String("addr", addr))
	return srv
}
