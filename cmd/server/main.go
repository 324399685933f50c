package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/liveclass/coordinator/internal/adapters/http"
	"github.com/liveclass/coordinator/internal/adapters/notify"
	"github.com/liveclass/coordinator/internal/adapters/roster"
	"github.com/liveclass/coordinator/internal/adapters/store"
	"github.com/liveclass/coordinator/internal/app"
	"github.com/liveclass/coordinator/internal/config"
	"github.com/liveclass/coordinator/internal/core"
	"github.com/liveclass/coordinator/internal/rtc"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	sessions, err := store.New(cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open session store")
	}
	defer sessions.Close()

	var events core.EventPublisher = core.NopPublisher{}
	if cfg.AMQPURL != "" {
		pub, err := notify.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect amqp")
		}
		defer pub.Close()
		events = pub
	} else {
		log.Warn().Msg("no amqp url configured, session events disabled")
	}

	var authority core.ResourceAuthority = roster.AllowAll{}
	if cfg.RosterURL != "" {
		authority = roster.NewClient(cfg.RosterURL, cfg.StoreTimeout)
	} else {
		log.Warn().Msg("no roster url configured, running with allow-all authority")
	}

	cache := app.NewSessionCache()
	issuer := rtc.NewIssuer(cfg.RTCAppID, cfg.RTCAppSecret, nil)
	coord := app.NewCoordinator(sessions, cache, issuer, authority, events, app.Options{
		SessionTTL:    cfg.SessionTTL,
		CredentialTTL: cfg.CredentialTTL,
		StoreTimeout:  cfg.StoreTimeout,
	})

	reaper := app.NewReaper(coord, cfg.ReaperInterval, cfg.CacheMaxAge)
	go reaper.Run(ctx)

	r := router.SetupRouter(cfg, coord)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("session coordinator started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
