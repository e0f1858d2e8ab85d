package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/forumbridge/forumbridge/internal/api"
	"github.com/forumbridge/forumbridge/internal/logging"
)

// ServeCommand returns the CLI command for starting the sync server
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the sync engine and API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server (overrides config)",
			},
		},
		Action: func(c *cli.Context) error {
			a, err := buildApp(c)
			if err != nil {
				return err
			}
			defer a.close()

			if c.IsSet("port") {
				a.cfg.Server.Port = c.Int("port")
			}

			if a.cfg.Tracker.Enabled {
				if err := a.gw.TestConnection(context.Background()); err != nil {
					a.logger.Error().Err(err).Msg("tracker unreachable, sync will retry per call")
				}
			} else {
				a.logger.Warn().Msg("tracker sync disabled by configuration")
			}

			if a.cfg.Server.JWTSecret == "" {
				a.logger.Warn().Msg("no jwt secret configured, admin endpoints are open")
			}

			fmt.Printf("Starting forumbridge on port %d...\n", a.cfg.Server.Port)
			server := api.NewServer(a.cfg, a.router, a.engine, a.maps,
				logging.Component(a.logger, "api"))
			return server.Start()
		},
	}
}
