// Package cli implements the operator command line for inspecting and
// maintaining the shared imposter store. It talks straight to the
// store; the protocol servers have their own lifecycle.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/getmockd/imposters/pkg/config"
	"github.com/getmockd/imposters/pkg/kv"
	"github.com/getmockd/imposters/pkg/logging"
	"github.com/getmockd/imposters/pkg/storage"
)

var (
	configPath string
	redisAddr  string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:           "imposters",
	Short:         "Inspect and maintain the shared imposter store",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a JSON or YAML config file")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", "", "Redis address (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Emit JSON output")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig resolves the effective configuration from file and flags.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if redisAddr != "" {
		cfg.Redis.Addr = redisAddr
	}
	return cfg, nil
}

// openStorage connects to Redis and returns the entity storage plus a
// cleanup function.
func openStorage(cmd *cobra.Command) (*storage.Storage, *kv.RedisStore, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Format: logging.ParseFormat(cfg.Logging.Format),
	})

	store := kv.NewRedisStore(cfg.Redis)
	if err := store.Connect(cmd.Context()); err != nil {
		return nil, nil, nil, err
	}
	cleanup := func() { _ = store.Close() }
	return storage.New(store, logger), store, cleanup, nil
}
