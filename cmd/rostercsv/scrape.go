package main

import (
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"rostercsv/internal/rostercsv"
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape <region> <name>",
	Short: "Scrapes one roster and prints the CSV, bypassing any cache.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		s := spinner.New(spinner.CharSets[9], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
		s.Suffix = fmt.Sprintf(" scraping %s/%s", args[0], args[1])
		s.Start()
		csv, err := rostercsv.ScrapeOnce(cmd.Context(), cfg, logger, args[0], args[1])
		s.Stop()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), csv)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scrapeCmd)
}
