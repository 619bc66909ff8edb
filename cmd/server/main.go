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

	router "github.com/jeongdon-heo/story-together/internal/adapters/http"
	"github.com/jeongdon-heo/story-together/internal/adapters/ws"
	"github.com/jeongdon-heo/story-together/internal/classroom"
	"github.com/jeongdon-heo/story-together/internal/config"
	"github.com/jeongdon-heo/story-together/internal/gen"
	"github.com/jeongdon-heo/story-together/internal/session"
	"github.com/jeongdon-heo/story-together/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()
	if err := store.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	classes, err := classroom.NewRedisStore(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer classes.Close()

	generator := gen.NewClient(gen.Config{
		BaseURL: cfg.OpenAIBaseURL,
		APIKey:  cfg.OpenAIKey,
		Model:   cfg.OpenAIModel,
	})

	hub := ws.NewHub()
	manager := session.NewManager(session.Config{
		TurnSeconds:        cfg.TurnSeconds,
		VoteSeconds:        cfg.VoteSeconds,
		ChoiceCount:        cfg.ChoiceCount,
		SubmissionsPerVote: cfg.SubmissionsPerVote,
		Grade:              cfg.Grade,
		Persona:            cfg.Persona,
	}, session.Deps{
		Gen:       generator,
		Mod:       generator,
		Store:     store.NewPostgresStore(db),
		Classroom: classes,
		Events:    hub,
	})

	r := router.SetupRouter(ctx, cfg, manager, hub)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("story-together server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	manager.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
