package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marcus-qen/editorbridge/internal/bridge"
	"github.com/marcus-qen/editorbridge/internal/config"
	"github.com/marcus-qen/editorbridge/internal/mcpserver"
	"github.com/marcus-qen/editorbridge/internal/statusreport"
	"github.com/marcus-qen/editorbridge/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var (
		configPath string
		mcpStdio   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge and serve MCP on stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath, mcpStdio)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("EDITORBRIDGE_CONFIG"), "path to a JSON config file")
	cmd.Flags().BoolVar(&mcpStdio, "mcp-stdio", true, "serve MCP on stdin/stdout; the bridge stops when the client disconnects")
	return cmd
}

func runServe(parent context.Context, configPath string, mcpStdio bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	for _, w := range cfg.Warnings {
		logger.Warn("config warning", zap.String("warning", w))
	}

	manifest, err := mcpserver.LoadManifest(cfg.ToolManifest)
	if err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		return err
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Warn("trace provider shutdown failed", zap.Error(err))
		}
	}()

	b := bridge.New(cfg.BridgeOptions(version), logger)
	if err := b.Start(ctx); err != nil {
		return err
	}
	logger.Info("editorbridge started",
		zap.String("version", version),
		zap.String("addr", b.Addr().String()),
		zap.Int("tools", len(manifest.Tools)),
	)

	reporter, err := statusreport.New(b, cfg.StatusSchedule, logger)
	if err != nil {
		logger.Warn("status reporting disabled", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.RelayEvents(gctx) })
	if reporter != nil {
		g.Go(func() error { return reporter.Run(gctx) })
	}
	if mcpStdio {
		mcpserver.Version = version
		srv := mcpserver.New(b, manifest, logger)
		g.Go(func() error {
			defer stop()
			err := srv.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	runErr := g.Wait()
	logger.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := b.Stop(sctx); err != nil {
		logger.Warn("bridge stop", zap.Error(err))
	}
	return runErr
}
