package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/forumbridge/forumbridge/internal/backfill"
	"github.com/forumbridge/forumbridge/internal/chat"
	"github.com/forumbridge/forumbridge/internal/config"
	"github.com/forumbridge/forumbridge/internal/logging"
	"github.com/forumbridge/forumbridge/internal/mapping"
	"github.com/forumbridge/forumbridge/internal/resolver"
	"github.com/forumbridge/forumbridge/internal/store"
	"github.com/forumbridge/forumbridge/internal/syncer"
	"github.com/forumbridge/forumbridge/internal/tracker"
	"github.com/forumbridge/forumbridge/internal/webhook"
)

// app holds the wired engine components shared by the serve and backfill
// commands. The chat platform side is pluggable; without a client the nop
// implementations keep everything runnable.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	maps   *mapping.Store
	gw     *tracker.Client
	res    *resolver.Resolver
	orch   *syncer.Orchestrator
	engine *backfill.Engine
	mirror store.MirrorStore
	router *webhook.Router
}

func buildApp(c *cli.Context) (*app, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Pretty)

	maps, err := mapping.NewStore(cfg.Mapping.Path, logging.Component(logger, "mapping"))
	if err != nil {
		return nil, fmt.Errorf("opening mapping store: %w", err)
	}

	gw := tracker.NewClient(cfg.Tracker.Token, cfg.Tracker.Repository, cfg.Tracker.BaseURL,
		logging.Component(logger, "tracker"))

	var mirror store.MirrorStore = store.NopStore{}
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(context.Background(), cfg.Database.URL,
			logging.Component(logger, "store"))
		if err != nil {
			return nil, fmt.Errorf("opening mirror store: %w", err)
		}
		mirror = pg
	} else {
		logger.Warn().Msg("no database configured, content mirroring disabled")
	}

	platform := chat.NopPlatform{}
	messenger := chat.NopMessenger{Logger: logging.Component(logger, "chat")}

	res := resolver.New(maps, gw, logging.Component(logger, "resolver"))
	orch := syncer.New(cfg, maps, gw, res, platform, messenger, mirror, "",
		logging.Component(logger, "syncer"))
	engine := backfill.New(cfg, orch, res, platform, platform, mirror,
		logging.Component(logger, "backfill"))

	dispatcher := webhook.NewDispatcher(messenger, platform, logging.Component(logger, "webhook"))
	router := webhook.NewRouter(maps, dispatcher, logging.Component(logger, "webhook"))

	return &app{
		cfg:    cfg,
		logger: logger,
		maps:   maps,
		gw:     gw,
		res:    res,
		orch:   orch,
		engine: engine,
		mirror: mirror,
		router: router,
	}, nil
}

func (a *app) close() {
	if err := a.maps.Close(); err != nil {
		a.logger.Error().Err(err).Msg("mapping flush on shutdown failed")
	}
	a.mirror.Close()
}
