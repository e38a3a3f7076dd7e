// Command broker runs a single driftmq broker process: a TCP listener
// accepting MQTT 3.1.1/5 connections, a metrics endpoint, and the delivery
// engine driving every subscription's pumps.
//
// Grounded on cuemby-warren/oriys-nova/haivivi-giztoy's cobra-root-plus-run
// shape (a single root command reading --config, building its server, and
// blocking on a signal) — the teacher (gonzalop-mq) is a dialed client
// library with no cmd/ of its own.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/driftmq/broker/internal/config"
	"github.com/driftmq/broker/internal/engine"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "broker",
		Short: "driftmq subscription delivery engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a broker.yaml config file")
	return cmd
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	b, err := engine.New(cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b.Start(ctx)
	defer func() {
		if err := b.Shutdown(); err != nil {
			logger.Error("shutdown", "err", err)
		}
	}()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	defer ln.Close()
	logger.Info("listening", "addr", cfg.ListenAddr)

	go serveMetrics(cfg.MetricsListenAddr, logger)
	go acceptLoop(ctx, ln, b, logger)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", "err", err)
	}
}

func acceptLoop(ctx context.Context, ln net.Listener, b *engine.Broker, logger *slog.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Warn("accept", "err", err)
				continue
			}
		}
		go newSession(b, conn, logger).run(ctx)
	}
}
