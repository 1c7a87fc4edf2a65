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
	"github.com/user/mjclient/internal/generation"
	"github.com/user/mjclient/internal/storage"
	"github.com/user/mjclient/internal/types"
)

func init() {
	upscaleCmd.Flags().StringVar(&upscaleOutDir, "out-dir", "./output", "directory upscale images are written under")
	rootCmd.AddCommand(upscaleCmd)
}

var upscaleOutDir string

var upscaleCmd = &cobra.Command{
	Use:   "upscale <prompt> <gridMessageID> <u1CustomID> <u2CustomID> <u3CustomID> <u4CustomID>",
	Short: "Click all four upscale buttons on a grid and wait for the results",
	Args:  cobra.ExactArgs(6),
	RunE:  runUpscale,
}

func runUpscale(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	prompt := args[0]
	gridMessageID := types.MessageID(args[1])
	var buttons [4]types.UpscaleButton
	for i, customID := range args[2:6] {
		buttons[i] = types.UpscaleButton{
			MessageID:    gridMessageID,
			CustomID:     customID,
			Label:        fmt.Sprintf("U%d", i+1),
			VariantIndex: i,
		}
	}

	store := storage.NewFilesystemStorage(upscaleOutDir)
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

	fingerprint := generation.Fingerprint(prompt)
	results := c.UpscaleAll(ctx, types.NewGenerationID(), fingerprint, gridMessageID, buttons)

	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(os.Stdout, "U%d error=%v\n", r.VariantIndex+1, r.Err)
			continue
		}
		fmt.Fprintf(os.Stdout, "U%d stored_path=%s\n", r.VariantIndex+1, r.StoredPath)
	}
	return nil
}
