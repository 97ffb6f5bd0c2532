package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

var refreshAddr string

var refreshCmd = &cobra.Command{
	Use:   "refresh [--addr <url>]",
	Short: "Asks a running server to refresh every priority roster.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := resty.New().
			SetTimeout(30 * time.Second).
			R().
			SetContext(cmd.Context()).
			Post(strings.TrimRight(refreshAddr, "/") + "/refresh")
		if err != nil {
			return err
		}
		body := strings.TrimSpace(resp.String())
		switch resp.StatusCode() {
		case http.StatusAccepted, http.StatusOK:
			fmt.Fprintln(cmd.OutOrStdout(), body)
			return nil
		}
		return fmt.Errorf("refresh: %s: %s", resp.Status(), body)
	},
}

func init() {
	refreshCmd.Flags().StringVar(&refreshAddr, "addr", "http://127.0.0.1:3000", "base URL of the running server")
	rootCmd.AddCommand(refreshCmd)
}
