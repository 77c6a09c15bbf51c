package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/Consensys/defi-fuzzing-toolbox/internal/metrics"
	"github.com/Consensys/defi-fuzzing-toolbox/internal/transport"
	"github.com/Consensys/defi-fuzzing-toolbox/pkg/toolbox"
	"github.com/Consensys/defi-fuzzing-toolbox/pkg/types"
)

const shutdownTimeout = 10 * time.Second

func (s *runtimeState) newServeCommand() *cobra.Command {
	var (
		corsOrigins string
		preload     []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the toolbox over HTTP with an event feed and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.serve(cmd.Context(), corsOrigins, preload)
		},
	}
	cmd.Flags().StringVar(&corsOrigins, "cors-origins", "*", "Comma separated allowed CORS origins")
	cmd.Flags().StringSliceVar(&preload, "preload", nil, "Contracts to deploy before serving (e.g. router,exchange)")
	return cmd
}

func (s *runtimeState) serve(ctx context.Context, corsOrigins string, preload []string) error {
	for _, name := range preload {
		if _, err := types.ParseContractName(name); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewPrometheusMetrics(reg)

	hub := transport.NewHub(s.logger)
	hub.Start()
	defer hub.Stop()

	tb, cleanup, err := s.open(ctx,
		toolbox.WithMetrics(m),
		toolbox.WithEventHook(hub.Publish),
	)
	if err != nil {
		return err
	}
	defer cleanup()

	chainID, err := tb.ChainID(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("Connected to node",
		slog.String("url", s.cfg.NodeURL),
		slog.String("chain_id", chainID.String()),
	)

	for _, name := range preload {
		info, err := tb.DeployByName(ctx, name, "")
		if err != nil {
			return fmt.Errorf("preload %s: %w", name, err)
		}
		s.logger.Info("Preloaded contract",
			slog.String("contract", string(info.Name)),
			slog.String("address", info.Address),
		)
	}

	server := transport.NewServer(tb, tb, hub, reg, s.logger, corsOrigins)
	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", slog.String("addr", s.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	hub.Stop() // hijacked websocket connections are not tracked by Shutdown
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
