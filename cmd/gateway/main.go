package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/orchestration-gateway/gateway/internal/config"
	"github.com/orchestration-gateway/gateway/internal/gateway"
	"github.com/orchestration-gateway/gateway/internal/pendinghub"
	"github.com/orchestration-gateway/gateway/internal/store"
	"github.com/orchestration-gateway/gateway/internal/userhub"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer func() { _ = db.Close() }()

	clientsRepo := store.NewClients(db)
	tokensRepo := store.NewTokens(db)

	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()

	hubs := userhub.NewRegistry(hubCtx, log, clientsRepo, cfg.ProxyTimeout)

	pending := pendinghub.New(log, tokensRepo, cfg.PendingTTL)
	go pending.Run(hubCtx)

	srv := gateway.New(cfg, log, db, hubs, pending)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-shutdownCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			log.Fatal().Err(err).Msg("server error")
		}
	}

	hubCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
		os.Exit(1)
	}

	log.Info().Msg("gateway shutdown complete")
}
