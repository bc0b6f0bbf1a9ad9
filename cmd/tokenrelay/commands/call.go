package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/tokenrelay/internal/app"
	"github.com/florianilch/tokenrelay/internal/transport"
)

func callCommand() *cli.Command {
	return &cli.Command{
		Name:      "call",
		Usage:     "Sends one authenticated request and prints the response body",
		ArgsUsage: "METHOD PATH",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "data",
				Aliases: []string{"d"},
				Usage:   "request body, or @file to read it from a file",
			},
			&cli.StringSliceFlag{
				Name:    "header",
				Aliases: []string{"H"},
				Usage:   "request header as 'Name: value' (repeatable)",
			},
		},
		Action: callAction,
	}
}

func callAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 2 {
		return fmt.Errorf("expected METHOD and PATH, got %d arguments", cmd.Args().Len())
	}
	method := strings.ToUpper(cmd.Args().Get(0))
	path := cmd.Args().Get(1)

	body, err := readData(cmd.String("data"))
	if err != nil {
		return err
	}
	header, err := parseHeaders(cmd.StringSlice("header"))
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// stdout is reserved for the response body
	shutdown, err := instrument(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer flushTelemetry(ctx, shutdown)

	application, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	resp, err := application.Client().Execute(ctx, func() (*transport.Request, error) {
		req := transport.NewRequest(method, path, body)
		req.Header = header.Clone()
		return req, nil
	})

	var statusErr *transport.StatusError
	if errors.As(err, &statusErr) && statusErr.Response != nil {
		_, _ = os.Stdout.Write(statusErr.Response.Body)
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	if _, err := os.Stdout.Write(resp.Body); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}

// readData returns the request body for --data. A leading @ names a file,
// and @- reads stdin.
func readData(data string) ([]byte, error) {
	name, isFile := strings.CutPrefix(data, "@")
	if !isFile {
		if data == "" {
			return nil, nil
		}
		return []byte(data), nil
	}

	if name == "-" {
		return io.ReadAll(os.Stdin)
	}
	body, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return body, nil
}

// parseHeaders parses 'Name: value' pairs.
func parseHeaders(values []string) (http.Header, error) {
	header := make(http.Header)
	for _, v := range values {
		name, value, ok := strings.Cut(v, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q (expected 'Name: value')", v)
		}
		header.Add(name, strings.TrimSpace(value))
	}
	return header, nil
}
