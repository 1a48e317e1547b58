// Package mcpserver exposes the editor's tools to automation clients over the
// Model Context Protocol. Every manifest tool is forwarded through the bridge.
package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/marcus-qen/editorbridge/internal/bridge"
	"github.com/marcus-qen/editorbridge/internal/bridge/pending"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// Version is injected from build metadata.
var Version = "dev"

// Bridge is the subset of the bridge facade the MCP surface needs.
type Bridge interface {
	InvokeTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
	Status() bridge.Status
	PendingRequests() []pending.Summary
}

// MCPServer exposes editor tools as MCP tools.
type MCPServer struct {
	server   *mcp.Server
	bridge   Bridge
	manifest Manifest
	logger   *zap.Logger
}

// New creates the MCP server and registers the manifest's tools.
func New(b Bridge, manifest Manifest, logger *zap.Logger) *MCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}

	implVersion := Version
	if implVersion == "" {
		implVersion = "dev"
	}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "editorbridge",
		Version: implVersion,
	}, nil)

	m := &MCPServer{
		server:   srv,
		bridge:   b,
		manifest: manifest,
		logger:   logger.Named("mcp"),
	}
	m.registerTools()
	m.registerResources()
	return m
}

// Run serves MCP over stdin/stdout until ctx is cancelled or the client
// disconnects.
func (s *MCPServer) Run(ctx context.Context) error {
	s.logger.Info("serving MCP on stdio", zap.Int("tools", len(s.manifest.Tools)+1))
	return s.server.Run(ctx, &mcp.StdioTransport{})
}
