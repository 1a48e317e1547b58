package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/marcus-qen/editorbridge/internal/bridge"
	"github.com/marcus-qen/editorbridge/internal/bridge/pending"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

const statusToolName = "bridge_status"

type statusInput struct {
	IncludePending bool `json:"include_pending,omitempty" jsonschema:"include the list of requests waiting for the editor"`
}

type statusOutput struct {
	bridge.Status
	Pending []pending.Summary `json:"pending,omitempty"`
}

func (s *MCPServer) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        statusToolName,
		Description: "Report whether an editor is connected, its project, and in-flight request counts",
	}, s.handleStatus)

	for _, spec := range s.manifest.Tools {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        spec.Name,
			Description: spec.description(),
		}, s.forward(spec.Name))
	}
}

func (s *MCPServer) handleStatus(_ context.Context, _ *mcp.CallToolRequest, input statusInput) (*mcp.CallToolResult, any, error) {
	out := statusOutput{Status: s.bridge.Status()}
	if input.IncludePending {
		out.Pending = s.bridge.PendingRequests()
	}
	return jsonToolResult(out)
}

// forward returns a handler that relays a call to the editor unchanged.
func (s *MCPServer) forward(name string) func(context.Context, *mcp.CallToolRequest, map[string]any) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args map[string]any) (*mcp.CallToolResult, any, error) {
		res, err := s.bridge.InvokeTool(ctx, name, args)
		if err != nil {
			s.logger.Debug("tool call failed", zap.String("tool", name), zap.Error(err))
			return nil, nil, fmt.Errorf("%s: %w", name, err)
		}
		return rawToolResult(res), nil, nil
	}
}

func rawToolResult(res json.RawMessage) *mcp.CallToolResult {
	if len(res) == 0 {
		return textToolResult("null")
	}
	var s string
	if err := json.Unmarshal(res, &s); err == nil {
		return textToolResult(s)
	}
	return textToolResult(string(res))
}

func jsonToolResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return textToolResult(string(data)), nil, nil
}

func textToolResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
