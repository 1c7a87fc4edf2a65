// Command mjclient is a thin entrypoint over internal/client: the
// daemon lifecycle, config-file management, and webhook surface
// spec.md marks out of scope, so this stays a one-shot generate/
// upscale CLI rather than a long-running service.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/mjclient/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "mjclient",
	Short: "Generate and upscale Midjourney images over Discord",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the environment, exiting on failure
// the way cmd/gopherclaw's subcommands bail out of config errors
// before any state is touched.
func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mjclient: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
}
