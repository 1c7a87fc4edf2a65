package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/mjclient/internal/client"
	"github.com/user/mjclient/internal/storage"
)

func init() {
	generateCmd.Flags().StringVar(&generateOutDir, "out-dir", "./output", "directory grid/upscale images are written under")
	rootCmd.AddCommand(generateCmd)
}

var generateOutDir string

var generateCmd = &cobra.Command{
	Use:   "generate <prompt>",
	Short: "Submit a prompt and wait for its grid",
	Args:  cobra.ExactArgs(1),
	RunE:  runGenerate,
}

func runGenerate(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	store := storage.NewFilesystemStorage(generateOutDir)
	c := client.New(cfg, http.DefaultClient, store, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := c.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer c.Close()

	result, err := c.Generate(ctx, args[0])
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}

	fmt.Fprintf(os.Stdout, "generation_id=%s grid_message_id=%s stored_path=%s\n",
		result.GenerationID, result.GridMessageID, result.StoredPath)
	for i, btn := range result.Buttons {
		fmt.Fprintf(os.Stdout, "  U%d custom_id=%s\n", i+1, btn.CustomID)
	}
	return nil
}
