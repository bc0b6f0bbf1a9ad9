package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/tokenrelay/internal/app"
)

// authCommand returns the 'auth' subcommand for managing the stored refresh token.
func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Manage the stored refresh token",
		Commands: []*cli.Command{
			authLoginCommand(),
			authLogoutCommand(),
			authStatusCommand(),
		},
	}
}

// authLoginCommand returns the 'auth login' subcommand.
func authLoginCommand() *cli.Command {
	return &cli.Command{
		Name:   "login",
		Usage:  "Save a refresh token to the configured storage",
		Action: authLoginAction,
	}
}

// authLogoutCommand returns the 'auth logout' subcommand.
func authLogoutCommand() *cli.Command {
	return &cli.Command{
		Name:   "logout",
		Usage:  "Clear the refresh token from the configured storage",
		Action: authLogoutAction,
	}
}

// authStatusCommand returns the 'auth status' subcommand.
func authStatusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Report whether a refresh token is stored",
		Action: authStatusAction,
	}
}

// authLoginAction reads a refresh token with hidden input and stores it.
func authLoginAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Auth.Storage == app.TokenStorageTypeEnv {
		return fmt.Errorf("cannot login with env storage (read-only). Configure file or keyring storage")
	}

	store, err := cfg.Auth.NewTokenStore()
	if err != nil {
		return fmt.Errorf("failed to create token store: %w", err)
	}

	fmt.Println("=== tokenrelay login ===")
	fmt.Println()
	fmt.Printf("Refresh endpoint: %s\n", cfg.Refresh.URL)

	token, err := readSecureInput(ctx, "\nEnter refresh token: ")
	if err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("refresh token cannot be empty")
	}

	if err := store.Write(ctx, token); err != nil {
		return fmt.Errorf("failed to write token: %w", err)
	}

	fmt.Println()
	fmt.Println("=== Login Successful ===")
	fmt.Printf("Token saved to %s storage\n", cfg.Auth.Storage)

	return nil
}

// authLogoutAction clears the stored refresh token.
func authLogoutAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Auth.Storage == app.TokenStorageTypeEnv {
		return fmt.Errorf("cannot logout with env storage (read-only). Unset %s instead", cfg.Auth.EnvVar)
	}

	store, err := cfg.Auth.NewTokenStore()
	if err != nil {
		return fmt.Errorf("failed to create token store: %w", err)
	}

	// Clear token via empty string write to maintain storage abstraction
	if err := store.Write(ctx, ""); err != nil {
		return fmt.Errorf("failed to clear token: %w", err)
	}

	fmt.Println()
	fmt.Println("=== Logout Successful ===")
	fmt.Println("Credentials cleared from configured storage")

	return nil
}

// authStatusAction reports whether a refresh token is stored, without printing it.
func authStatusAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := cfg.Auth.NewTokenStore()
	if err != nil {
		return fmt.Errorf("failed to create token store: %w", err)
	}

	token, err := store.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read token: %w", err)
	}

	fmt.Printf("Storage:  %s\n", cfg.Auth.Storage)
	fmt.Printf("Upstream: %s\n", cfg.API.BaseURL)
	if token == "" {
		fmt.Println("Status:   not logged in")
		return nil
	}
	fmt.Println("Status:   logged in")
	return nil
}

// readSecureInput reads user input with hidden display and context cancellation support.
// Goroutine+select pattern required because term.ReadPassword has no native context support.
func readSecureInput(ctx context.Context, prompt string) (string, error) {
	fmt.Print(prompt)
	defer fmt.Println()

	type result struct {
		value string
		err   error
	}
	resultCh := make(chan result, 1)

	go func() {
		inputBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		resultCh <- result{value: string(inputBytes), err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-resultCh:
		if res.err != nil {
			return "", fmt.Errorf("failed to read input: %w", res.err)
		}
		return res.value, nil
	}
}
