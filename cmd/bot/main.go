package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tv-signal-bot/internal/broker"
	"tv-signal-bot/internal/bus"
	"tv-signal-bot/internal/catalog"
	"tv-signal-bot/internal/clock"
	"tv-signal-bot/internal/config"
	"tv-signal-bot/internal/engine"
	"tv-signal-bot/internal/feed"
	"tv-signal-bot/internal/httpapi"
	"tv-signal-bot/internal/store"
	"tv-signal-bot/internal/webhook"
)

func main() {
	setupLogger()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.NewManager(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	banner(cfg)
	log.Info().Msg("🚀 signal engine starting...")

	cat := catalog.Load(cfg.Get().Catalog.Path)
	if cat.Size() == 0 {
		log.Warn().Msg("⚠️ catalog is empty - webhooks for broker symbols will be dropped")
	}

	db, err := store.Open(cfg.Get().Storage.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open state store")
	}

	sink := broker.New(
		cfg.Get().Broker.OrderURL,
		cfg.GetBrokerTimeout(),
		cat.ExchangeOf,
		cat.IsCryptoName,
	)

	b := bus.New(cfg.Get().Trading.EventBufferSize)
	eng := engine.New(cat, b, db, sink, clock.NewSystem(), cfg.GetCapital)
	eng.Restore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Engine loop: the single consumer of every event.
	loopDone := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(loopDone)
	}()

	// Feeds
	feedOpts := feed.Options{
		ReconnectDelay: cfg.GetReconnectDelay(),
		PingInterval:   cfg.GetPingInterval(),
	}
	go feed.RunBrokerTicks(ctx, cfg.Get().Feeds.BrokerWSURL, b, feedOpts)
	go feed.RunExchangePrices(ctx, cfg.Get().Feeds.ExchangeWSURL, b, feedOpts)

	// Webhook ingest + read API
	server := webhook.NewServer(cfg.Get().Server.ListenHost, cfg.Get().Server.ListenPort, b, cfg.GetRelayURL)
	httpapi.Register(server.App(), eng, cat)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("webhook server failed")
		}
	}()

	// Prometheus exposition on its own listener.
	if addr := cfg.Get().Metrics.ListenAddr; addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Info().Str("addr", addr).Msg("metrics listener started")
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	log.Info().
		Int("instruments", cat.Size()).
		Int("capital", cfg.GetCapital()).
		Str("host", cfg.Get().Server.ListenHost).
		Int("port", cfg.Get().Server.ListenPort).
		Msg("engine initialized")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down...")
	server.Shutdown()
	cancel()
	<-loopDone
	if err := db.Close(); err != nil {
		log.Error().Err(err).Msg("state store close failed")
	}
	log.Info().Msg("goodbye 👋")
}

func setupLogger() {
	log.Logger = zerolog.New(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"},
	).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func banner(cfg *config.Manager) {
	c := color.New(color.FgCyan, color.Bold)
	c.Fprintln(os.Stderr, "╔══════════════════════════════════════╗")
	c.Fprintln(os.Stderr, "║        TV SIGNAL ENGINE              ║")
	c.Fprintln(os.Stderr, "╚══════════════════════════════════════╝")
	fmt.Fprintf(os.Stderr, "  webhook  :%d   metrics %s\n",
		cfg.Get().Server.ListenPort, cfg.Get().Metrics.ListenAddr)
}
