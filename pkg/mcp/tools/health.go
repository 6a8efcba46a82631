package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

type healthResult struct {
	Status     string   `json:"status"`
	Version    string   `json:"version"`
	ToolGroups []string `json:"tool_groups"`
}

// RegisterHealthTool adds a health check tool reporting the server version and the
// registered tool groups.
func RegisterHealthTool(s *server.MCPServer, version string, groups []string) {
	tool := mcp.NewTool(
		"health",
		mcp.WithDescription("Returns server health status, version and available tool groups"),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	if groups == nil {
		groups = []string{}
	}
	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(healthResult{Status: "ok", Version: version, ToolGroups: groups})
	})
}
