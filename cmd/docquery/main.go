package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kartikbazzad/docquery/internal/config"
	"github.com/kartikbazzad/docquery/internal/emulator"
	"github.com/kartikbazzad/docquery/internal/logger"
	"github.com/kartikbazzad/docquery/internal/server"
)

var (
	configPath  string
	datasetPath string
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:           "docquery",
	Short:         "Cross-partition queries over a partitioned document store",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (YAML, JSON or TOML)")
	rootCmd.PersistentFlags().StringVar(&datasetPath, "dataset", "", "YAML dataset loaded into the in-memory store")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level (DEBUG, INFO, WARN, ERROR)")

	rootCmd.AddCommand(newRunCmd(), newServeCmd(), newRangesCmd())
}

// setup loads configuration, initializes logging and builds the engine over
// the dataset.
func setup() (*config.Config, *server.Engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	log := logger.Get()

	store, err := emulator.New(log)
	if err != nil {
		return nil, nil, err
	}
	if datasetPath != "" {
		if err := store.LoadDataset(datasetPath); err != nil {
			return nil, nil, err
		}
	}
	engine, err := server.NewEngine(cfg, store, log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, engine, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
