package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"rostercsv/internal/rostercsv"
)

var serveCmd = &cobra.Command{
	Use:   "serve [--config <path>]",
	Short: "Runs the roster CSV server.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		svc, err := rostercsv.NewService(cfg, logger)
		if err != nil {
			return fmt.Errorf("init service: %w", err)
		}
		defer svc.Close()

		ctx := cmd.Context()
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start: %w", err)
		}

		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		srv := &http.Server{
			Handler:           svc.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		serveErr := make(chan error, 1)
		go func() {
			logger.Infof("rostercsv listening on %s, origin=%s", addr, cfg.Server.Origin)
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
			close(serveErr)
		}()

		select {
		case <-ctx.Done():
			logger.Infof("shutting down")
		case err := <-serveErr:
			if err != nil {
				logger.Errorf("server error: %v", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
