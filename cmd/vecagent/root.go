package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/hupe1980/vecagent"
	"github.com/hupe1980/vecagent/config"
	"github.com/hupe1980/vecagent/internal/server"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vecagent",
		Short:         "Mutable ANN index agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newValidateCmd())
	return root
}

func newValidateCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(path, config.OSEnv{})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: dimension=%d distance=%s storage=%s\n",
				cfg.Dimension, cfg.Distance, storageType(cfg))
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "agent.yaml", "configuration file")
	return cmd
}

func storageType(cfg config.AgentIndexConfig) string {
	if cfg.Storage.Type == "" {
		return "local"
	}
	return cfg.Storage.Type
}

type serveFlags struct {
	config       string
	addr         string
	logLevel     string
	logFormat    string
	exportFile   string
	shutdownWait time.Duration
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVarP(&f.config, "config", "c", "agent.yaml", "configuration file")
	cmd.Flags().StringVar(&f.addr, "addr", ":8081", "HTTP listen address")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "debug, info, warn or error")
	cmd.Flags().StringVar(&f.logFormat, "log-format", "json", "json or text")
	cmd.Flags().StringVar(&f.exportFile, "export-file", "", "write index info annotations to this YAML file")
	cmd.Flags().DurationVar(&f.shutdownWait, "shutdown-timeout", 30*time.Second, "time allowed for the final save on shutdown")
	return cmd
}

func newLogger(level, format string) (*vecagent.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	switch strings.ToLower(format) {
	case "json":
		return vecagent.NewJSONLogger(l), nil
	case "text":
		return vecagent.NewTextLogger(l), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

func serve(ctx context.Context, f serveFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger(f.logLevel, f.logFormat)
	if err != nil {
		return err
	}
	cfg, err := config.Load(f.config, config.OSEnv{})
	if err != nil {
		return err
	}

	metrics, err := vecagent.NewPrometheusMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	opts := []vecagent.Option{
		vecagent.WithLogger(logger),
		vecagent.WithMetricsCollector(metrics),
	}
	if f.exportFile != "" {
		opts = append(opts, vecagent.WithIndexInfoExporter(vecagent.FileExporter{Path: f.exportFile}))
	}

	agent, err := vecagent.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}

	srv := server.New(agent, server.Config{
		Addr:     f.addr,
		Gatherer: prometheus.DefaultGatherer,
		Logger:   logger.WithComponent("http").Logger,
	})
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), f.shutdownWait)
	defer cancel()
	return errors.Join(serveErr, srv.Shutdown(shutdownCtx), agent.Close(shutdownCtx))
}
