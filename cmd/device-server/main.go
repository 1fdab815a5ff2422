package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Ario-Inc/spark-protocol/internal/api"
	"github.com/Ario-Inc/spark-protocol/internal/broker"
	"github.com/Ario-Inc/spark-protocol/internal/config"
	"github.com/Ario-Inc/spark-protocol/internal/handshake"
	"github.com/Ario-Inc/spark-protocol/internal/server"
	"github.com/Ario-Inc/spark-protocol/internal/storage"
	"github.com/Ario-Inc/spark-protocol/pkg/crypto"
)

func main() {
	var configPath = flag.String("config", "config/device-server.yml", "path to config file")
	var validateOnly = flag.Bool("validate", false, "validate config and exit")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("load config failed")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if *validateOnly {
		log.Info().Str("config_path", *configPath).Msg("config OK")
		return
	}

	log.Info().
		Str("config_path", *configPath).
		Str("server_id", cfg.Server.ServerID).
		Msg("device server starting")

	store, err := storage.NewPostgresStore(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
		cfg.Database.ConnMaxLifetime,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("connect database failed")
	}
	defer store.Close()

	serverKey, err := loadServerKey(store, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("load server key failed")
	}

	var bus server.EventBus
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.ReconnectWait(cfg.NATS.ReconnectInterval),
			nats.MaxReconnects(cfg.NATS.MaxReconnects))
		if err != nil {
			log.Fatal().Err(err).Msg("connect NATS failed")
		}
		defer nc.Close()
		bus = broker.NewNATSBus(nc)
	} else {
		log.Warn().Msg("no NATS URL configured, events stay in-process")
		bus = broker.NewMemoryBus()
	}

	hs := handshake.New(handshake.NewServerKey(serverKey), store, cfg.Server.SocketTimeout)
	deviceServer := server.New(cfg, store, bus, hs)
	restServer := api.NewRESTServer(cfg, store, deviceServer, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := deviceServer.Start(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("device server failed")
			cancel()
		}
	}()

	go func() {
		if err := restServer.ListenAndServe(); err != nil {
			log.Error().Err(err).Msg("REST API failed")
			cancel()
		}
	}()

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
		log.Info().Msg("context canceled, shutting down")
	}

	cancel()
	if err := restServer.Shutdown(context.Background()); err != nil {
		log.Warn().Err(err).Msg("REST shutdown")
	}
	log.Info().Msg("device server stopped")
}

// loadServerKey prefers the key stored in the database and falls back to the
// configured PEM file.
func loadServerKey(store storage.Store, cfg *config.Config) (*rsa.PrivateKey, error) {
	pemKey, err := store.GetServerKey(context.Background())
	if err == storage.ErrNotFound && cfg.Server.ServerKeyFile != "" {
		pemKey, err = os.ReadFile(cfg.Server.ServerKeyFile)
	}
	if err != nil {
		return nil, err
	}
	return crypto.ParsePrivateKey(pemKey)
}
