package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Swarm/internal/adapters/http"
	"github.com/dkeye/Swarm/internal/adapters/natsrelay"
	wssignal "github.com/dkeye/Swarm/internal/adapters/signal"
	"github.com/dkeye/Swarm/internal/app"
	"github.com/dkeye/Swarm/internal/app/orch"
	"github.com/dkeye/Swarm/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	reference := clockwork.NewRealClock()
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(),
		Policy:   app.SimplePolicy{},
	}
	ctl := wssignal.NewSignalWSController(o, wssignal.Options{
		Clock:       reference,
		ReadLimit:   cfg.Server.ReadLimit,
		PingPeriod:  cfg.Server.PingPeriod,
		RelayLimit:  cfg.Server.RelayLimit,
		RelayWindow: cfg.Server.RelayWindow,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.WithCORS(router.SetupRouter(ctx, &cfg.Server, o, ctl)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Swarm hub started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.Server.NatsURL != "" {
		nc, err := natsrelay.Connect(cfg.Server.NatsURL, "swarm-hub")
		if err != nil {
			log.Fatal().Err(err).Msg("nats")
		}
		defer nc.Close()
		sub, err := natsrelay.ServeTime(nc, cfg.Server.TimeSubject, reference)
		if err != nil {
			log.Fatal().Err(err).Msg("nats time responder")
		}
		g.Go(func() error {
			<-gctx.Done()
			return sub.Drain()
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("hub stopped with error")
		return
	}
	log.Info().Msg("Hub exited gracefully")
}
