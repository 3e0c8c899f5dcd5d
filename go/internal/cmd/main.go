package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pppalooza/palooza/go/internal/realtime"
	"github.com/pppalooza/palooza/go/internal/realtime/ws"
	"github.com/pppalooza/palooza/go/internal/store"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	cfg, err := loadConfig(getEnv("GATEWAY_CONFIG", ""))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	port := getEnv("GATEWAY_PORT", cfg.Gateway.Port)
	natsURL := getEnv("NATS_URL", nats.DefaultURL)
	databaseURL := getEnv("DATABASE_URL", "")

	log.Info().
		Str("port", port).
		Str("nats_url", natsURL).
		Bool("persistence", databaseURL != "").
		Msg("starting game gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The relay is optional: a gateway that cannot reach NATS serves
	// its rooms locally and picks the relay back up on reconnect.
	nc := connectRelay(natsURL)
	if nc != nil {
		defer nc.Close()
	}

	var gameStore store.GameStore
	if databaseURL != "" {
		pg, err := store.NewPostgres(ctx, databaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pg.Close()
		gameStore = pg
	} else {
		log.Warn().Msg("no DATABASE_URL, running with in-memory store")
		gameStore = store.NewMemory()
	}

	hub := ws.NewHub(ws.DefaultConfig())
	svc := realtime.New(nc, gameStore, hub, clockwork.NewRealClock())

	go svc.Rooms().RunSweeper(ctx, cfg.Gateway.SweepInterval, cfg.Gateway.RoomIdleTTL)

	server := setupServer(port, svc)
	server.ReadTimeout = 10 * time.Second
	server.IdleTimeout = 120 * time.Second

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()
	log.Info().Msg("game gateway shutdown complete")
}

func connectRelay(url string) *nats.Conn {
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected, rooms degrade to local-only fan-out")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		log.Warn().Err(err).Str("url", url).Msg("could not reach NATS, running local-only")
		return nil
	}
	return nc
}
