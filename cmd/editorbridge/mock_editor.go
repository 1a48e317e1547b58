package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/marcus-qen/editorbridge/internal/editorclient"
	"github.com/marcus-qen/editorbridge/internal/mcpserver"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMockEditorCmd() *cobra.Command {
	var (
		url          string
		projectPath  string
		manifestPath string
		logLevel     string
	)
	cmd := &cobra.Command{
		Use:   "mock-editor",
		Short: "Connect a stand-in editor that answers every manifest tool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(logLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			manifest, err := mcpserver.LoadManifest(manifestPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := newMockEditor(url, projectPath, manifest, logger)
			logger.Info("mock editor connecting", zap.String("url", url), zap.Strings("tools", c.Tools()))
			return c.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://127.0.0.1:6505/godot", "bridge editor endpoint")
	cmd.Flags().StringVar(&projectPath, "project", "/tmp/mock-project", "project path announced to the bridge")
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "tool manifest (defaults to the built-in list)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}

func newMockEditor(url, projectPath string, manifest mcpserver.Manifest, logger *zap.Logger) *editorclient.Client {
	c := editorclient.NewClient(url, projectPath, logger)
	for _, tool := range manifest.Tools {
		name := tool.Name
		c.Handle(name, func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"tool": name, "args": args, "mock": true}, nil
		})
	}
	c.Handle("get_scene_tree", func(_ context.Context, args map[string]any) (any, error) {
		return map[string]any{
			"name": "Main",
			"type": "Node2D",
			"children": []map[string]any{
				{"name": "Player", "type": "CharacterBody2D"},
				{"name": "Camera", "type": "Camera2D"},
			},
		}, nil
	})
	c.Handle("get_editor_errors", func(context.Context, map[string]any) (any, error) {
		return []string{}, nil
	})
	c.Handle("run_project", func(context.Context, map[string]any) (any, error) {
		return nil, fmt.Errorf("mock editor cannot run projects")
	})
	return c
}
