package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/timmy/xbutler/internal/app"
	"github.com/timmy/xbutler/internal/config"
	"github.com/timmy/xbutler/internal/logger"
)

var flagConfigPath string

var rootCmd = &cobra.Command{
	Use:          "xbutler-ingest",
	Short:        "Ingest media into xbutler outside the API server",
	SilenceUsage: true,
	Long: `xbutler-ingest runs the deduplication pipeline synchronously against the
same stores the API server uses. Content types are taken from file extensions.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", os.Getenv("CONFIG_PATH"), "Path to config file")
}

func main() {
	appLogger := logger.NewFromEnv(logger.LoadFromEnv("xbutler-ingest"))
	logger.SetDefaultLogger(appLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return nil, fmt.Errorf("cannot load config: %w", err)
	}
	return cfg, nil
}

// openPipeline wires every store; callers must Close the result.
func openPipeline(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	pipeline, err := app.New(ctx, cfg, logger.GetDefault())
	if err != nil {
		return nil, fmt.Errorf("cannot initialize pipeline: %w", err)
	}
	return pipeline, nil
}
