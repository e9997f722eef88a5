// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package main is the entry point for the paper-ingest CLI. It runs
// ingestion passes against the arXiv catalog, reports store status, and
// resets failed records for retry.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdiddy/paper-ingest/internal/config"
	"github.com/pdiddy/paper-ingest/internal/logger"
	"github.com/pdiddy/paper-ingest/internal/secrets"
	"github.com/pdiddy/paper-ingest/internal/store"
	"github.com/pdiddy/paper-ingest/pkg/types"
)

// version is set at build time via ldflags.
var version = "dev"

var (
	cfg *types.Config
	log *logger.Logger
)

// rootCmd is the base command for the paper-ingest CLI.
var rootCmd = &cobra.Command{
	Use:   "paper-ingest",
	Short: "Ingest arXiv paper metadata and PDFs",
	Long: `paper-ingest fetches paper metadata from the arXiv catalog, stores it in a
local SQLite dedup store, and downloads each paper's PDF through a bounded
worker pool. Runs are idempotent: re-running a query resumes rather than
duplicates work.

Configuration comes from paper-ingest.yaml, PAPER_INGEST_* environment
variables, a .env file, and credentials in .secrets/.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		c, err := config.Load(viper.GetViper(), secrets.DefaultDir)
		if err != nil {
			return err
		}
		if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
			c.Log.Level = lvl
		}
		cfg = c
		log = logger.New(cfg.Log, os.Stderr)
		if used := viper.ConfigFileUsed(); used != "" {
			log.WithField("file", used).Debug("using config file")
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if log != nil {
			return log.Close()
		}
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./paper-ingest.yaml or ~/.config/paper-ingest/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
}

func initConfig() {
	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		return
	}
	viper.SetConfigName("paper-ingest")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	home, err := os.UserHomeDir()
	if err == nil {
		viper.AddConfigPath(filepath.Join(home, ".config", "paper-ingest"))
	}
}

// openStore opens the dedup store named by the loaded configuration.
func openStore() (*store.Store, error) {
	s, err := store.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return s, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
