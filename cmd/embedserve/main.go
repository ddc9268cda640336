// Package main provides the embedserve entry point.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/embedserve/internal/config"
	"github.com/nidhogg/embedserve/internal/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

// configPath is the optional --config flag; CONFIG_PATH is used when empty.
var configPath string

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		// Print the error since we have SilenceErrors: true
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "embedserve",
	Short: "HTTP service for text embeddings",
	Long: `embedserve wraps a text-embedding model behind a small REST API.

Endpoints:
  POST /embed    embed one text or a batch of texts
  GET  /health   liveness
  GET  /info     model and limit metadata
  GET  /metrics  Prometheus metrics

Configuration comes from environment variables, an optional .env file and
an optional JSON or YAML file given by --config or CONFIG_PATH.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a JSON or YAML config file (default $CONFIG_PATH)")
	rootCmd.Version = Version
}

// loadConfig resolves the configuration; failures carry ExitConfigError.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, configError(err)
	}
	return cfg, nil
}

// newLogger builds the process logger. output is "stdout" or "stderr".
func newLogger(cfg *config.Config, output string) (*zap.Logger, error) {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: cfg.Service.Name,
		Environment: cfg.Service.Environment,
		Output:      output,
	})
	if err != nil {
		return nil, configError(err)
	}
	return logger, nil
}
