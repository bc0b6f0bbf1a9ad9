package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/tokenrelay/internal/app"
	"github.com/florianilch/tokenrelay/internal/observability"
)

// flagKeys maps CLI flags onto config keys. Set flags override every other source.
var flagKeys = map[string]string{
	"log-level":  "log.level",
	"log-format": "log.format",
	"base-url":   "api.base_url",
	"listen":     "relay.listen",
}

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string, version, commit string) error {
	cmd := &cli.Command{
		Name:    "tokenrelay",
		Usage:   "Authenticated API client with single-flight token refresh",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a TOML or YAML config file (default: " + app.DefaultConfigPath() + " if present)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json)",
				Value: "text",
			},
			&cli.StringFlag{
				Name:  "base-url",
				Usage: "upstream API base URL",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			callCommand(),
			authCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

// loadConfig loads the config file at path layered with the environment and
// any flags set on cmd.
func loadConfig(path string, cmd *cli.Command, environ func() []string) (*app.Config, error) {
	overrides := make(map[string]any)
	for flag, key := range flagKeys {
		if cmd.IsSet(flag) {
			overrides[key] = cmd.String(flag)
		}
	}
	return app.LoadConfig(path, overrides, environ)
}

// instrument sets up logging for cfg, writing to out.
func instrument(ctx context.Context, cfg *app.Config, out io.Writer) (observability.ShutdownFunc, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return nil, err
	}

	shutdown, err := observability.Instrument(ctx, observability.Options{
		Level:       level,
		Format:      cfg.Log.Format,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: "tokenrelay",
		Output:      out,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}
	return shutdown, nil
}

// flushTelemetry runs shutdown on a context that survives ctx cancellation.
func flushTelemetry(ctx context.Context, shutdown observability.ShutdownFunc) {
	if err := shutdown(context.WithoutCancel(ctx)); err != nil {
		fmt.Fprintf(os.Stderr, "failed to flush telemetry: %v\n", err)
	}
}
