package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	resourceBridgeStatus = "editorbridge://bridge/status"
	resourceToolManifest = "editorbridge://tools/manifest"
)

func (s *MCPServer) registerResources() {
	s.server.AddResource(&mcp.Resource{
		URI:         resourceBridgeStatus,
		Name:        "Bridge Status",
		Description: "Editor connection state and in-flight request counts",
		MIMEType:    "application/json",
	}, s.handleStatusResource)

	s.server.AddResource(&mcp.Resource{
		URI:         resourceToolManifest,
		Name:        "Tool Manifest",
		Description: "Editor tools forwarded by this bridge",
		MIMEType:    "application/json",
	}, s.handleManifestResource)
}

func (s *MCPServer) handleStatusResource(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	return jsonResource(req, resourceBridgeStatus, s.bridge.Status())
}

func (s *MCPServer) handleManifestResource(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	return jsonResource(req, resourceToolManifest, s.manifest.Tools)
}

func jsonResource(req *mcp.ReadResourceRequest, defaultURI string, v any) (*mcp.ReadResourceResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	uri := defaultURI
	if req != nil && req.Params != nil && req.Params.URI != "" {
		uri = req.Params.URI
	}

	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		}},
	}, nil
}
