package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/robalobadob/numguess/internal/config"
	"github.com/robalobadob/numguess/internal/db"
	"github.com/robalobadob/numguess/internal/history"
	"github.com/robalobadob/numguess/internal/httpserver"
	"github.com/robalobadob/numguess/internal/metrics"
	"github.com/robalobadob/numguess/internal/store"
)

func main() {
	cfg, err := config.Load()
	setupLogging(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	conn, err := db.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("open database")
	}
	defer conn.Close()
	if err := db.Migrate(conn); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mem := store.NewMemoryStore(nil)
	m := metrics.New("numguess")
	go store.RunSweeper(ctx, mem, time.Minute, cfg.SessionTTL, m.SetLiveSessions)

	srv := httpserver.New(httpserver.Options{
		Config:  cfg,
		Store:   mem,
		History: history.NewStore(conn),
		Metrics: m,
	})

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("starting numguess server")
		errc <- srv.Start(":" + cfg.Port)
	}()

	select {
	case err := <-errc:
		if err != nil {
			log.Fatal().Err(err).Msg("server exited")
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	}
}

func setupLogging(cfg config.Config) {
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}
