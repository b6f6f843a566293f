package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashmap-kz/raygo/internal/version"

	"github.com/hashmap-kz/raygo/config"
	"github.com/hashmap-kz/raygo/internal/logger"
	"github.com/urfave/cli/v3"
)

func App() *cli.Command {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Usage:   "Path to config file",
		Aliases: []string{"c"},
		Sources: cli.EnvVars("RAYGO_CONFIG_PATH"),
	}

	app := &cli.Command{
		Name:    "raygo",
		Usage:   "Cluster head node: task queues, node table, autoscaling",
		Version: version.Version,
		Commands: []*cli.Command{
			// head daemon
			{
				Name:  "start",
				Usage: "Run the head node daemon",
				Flags: []cli.Flag{
					configFlag,
				},
				Action: func(_ context.Context, c *cli.Command) error {
					cfg := loadConfig(c, config.ModeHead)
					verbose := strings.EqualFold(cfg.Log.Level, "trace")

					RunHeadMode(&HeadModeOpts{
						ListenPort: cfg.Main.ListenPort,
						Verbose:    verbose,
					})
					return nil
				},
			},

			// status of a running head
			{
				Name:  "status",
				Usage: "Query a running head node for its status",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "addr",
						Usage:   "Address of the running head (host:port)",
						Value:   "localhost:8265",
						Sources: cli.EnvVars("RAYGO_ADDR"),
					},
					&cli.StringFlag{
						Name:    "token",
						Usage:   "Bearer token for the control API",
						Sources: cli.EnvVars("RAYGO_AUTH_TOKEN"),
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return RunStatusCmd(ctx, &StatusCmdOpts{
						Addr:  c.String("addr"),
						Token: c.String("token"),
					})
				},
			},

			// optional-feature report
			{
				Name:  "doctor",
				Usage: "Report which optional features are linked into this binary",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "expect-minimal",
						Usage: "Exit non-zero if any optional feature is linked",
					},
				},
				Action: func(_ context.Context, c *cli.Command) error {
					return RunDoctor(os.Stdout, &DoctorOpts{
						ExpectMinimal: c.Bool("expect-minimal"),
					})
				},
			},

			// config template
			{
				Name:  "config-template",
				Usage: "Print an example config file",
				Action: func(_ context.Context, _ *cli.Command) error {
					fmt.Println(GetConfigTemplate())
					return nil
				},
			},

			// Validate command
			{
				Name:  "validate",
				Usage: "Validate the config file without running the application",
				Flags: []cli.Flag{
					configFlag,
				},
				Action: func(_ context.Context, c *cli.Command) error {
					_ = loadConfig(c, config.ModeHead)
					fmt.Println("Configuration is valid.")
					return nil
				},
			},
		},
	}

	return app
}

func loadConfig(c *cli.Command, mode string) *config.Config {
	configPath := c.String("config")

	// 1) if -c flag is set -> must read config from file
	// 2) if $RAYGO_CONFIG_PATH is set -> must read config from file
	// 3) read config with go-envconfig otherwise
	var cfg *config.Config
	if configPath != "" {
		cfg = config.MustLoad(configPath, mode)
	} else {
		cfg = config.MustEnvconfig(mode)
	}

	// debug config (NOTE: sensitive fields are hidden)
	_, _ = fmt.Fprintf(os.Stderr, "STARTING WITH CONFIGURATION (%s):\n%s\n\n",
		filepath.ToSlash(configPath),
		cfg.String(),
	)

	logger.Init(&logger.Opts{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
	})
	return cfg
}
