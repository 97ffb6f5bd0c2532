package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"rostercsv/internal/rostercsv"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "rostercsv",
	Short:         "Serves character rosters scraped from the lookup site as CSV.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getenvDefault("ROSTERCSV_CONFIG", "rostercsv.yaml"), "path to rostercsv.yaml")
}

// loadConfig falls back to defaults when the default config file is absent.
// An explicitly named file must exist.
func loadConfig(cmd *cobra.Command) (rostercsv.Config, *log.Logger, error) {
	path := configPath
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") && os.Getenv("ROSTERCSV_CONFIG") == "" {
		path = ""
	}
	cfg, err := rostercsv.LoadConfig(path)
	if err != nil {
		return rostercsv.Config{}, nil, err
	}
	return cfg, rostercsv.NewLogger(os.Stderr, cfg.Logging), nil
}

func getenvDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
