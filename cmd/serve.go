package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentic-research/stratum/internal/mcpserver"
)

var metricsAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the resolvers as MCP tools over stdio",
	Long: `Runs an MCP server on stdin/stdout exposing resolve_spacetime,
synthesize_equivalents, propagate_sensitivity and merge_duplicate_subtrees.
With --metrics-addr (or metrics.addr) prometheus metrics are served on
/metrics at that address.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := metricsAddr
		if addr == "" {
			addr = current.cfg.Metrics.Addr
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if addr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", current.metrics.Handler())
			srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				current.logger.Info("metrics listening", slog.String("addr", addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					current.logger.Error("metrics server failed", slog.Any("error", err))
				}
			}()
			defer func() {
				shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdown)
			}()
		}

		srv := mcpserver.New(current.svc, Version, current.logger)
		errc := make(chan error, 1)
		go func() { errc <- srv.ServeStdio() }()

		select {
		case err := <-errc:
			if err != nil {
				return fmt.Errorf("mcp: %w", err)
			}
			return nil
		case <-ctx.Done():
			current.logger.Info("shutting down")
			return nil
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Listen address for prometheus /metrics (e.g. :9464)")
	rootCmd.AddCommand(serveCmd)
}
