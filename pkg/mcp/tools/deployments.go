package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/auth"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/models"
)

type servingDeploymentResponse struct {
	Deployment *models.Deployment `json:"deployment"`
}

// RegisterDeploymentTools registers the deployment resolution tools.
func RegisterDeploymentTools(s *server.MCPServer, deps *Deps) {
	registerGetServingDeploymentTool(s, deps)
}

func registerGetServingDeploymentTool(s *server.MCPServer, deps *Deps) {
	tool := mcp.NewTool(
		"get_serving_deployment",
		mcp.WithDescription(
			"Return the caller's active deployment, the configuration that should answer requests. "+
				"Pass deployment_id to pin a specific version instead. "+
				"A disabled deployment is reported as deployment_disabled; null means nothing is active.",
		),
		mcp.WithString(
			"deployment_id",
			mcp.Description("Optional - UUID of a specific deployment version to resolve"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ownerID, err := auth.RequireUserIDFromContext(ctx)
		if err != nil {
			return NewErrorResult("unauthorized", "an authenticated caller is required"), nil
		}

		var d *models.Deployment
		if getOptionalString(req, "deployment_id") != "" {
			id, result := requireUUID(req, "deployment_id")
			if result != nil {
				return result, nil
			}
			d, err = deps.Deployments.ResolveForInvocation(ctx, ownerID, id)
		} else {
			d, err = deps.Deployments.ResolveActive(ctx, ownerID)
		}
		if err != nil {
			return HandleServiceError(err, "get_serving_deployment_failed")
		}
		return jsonResult(servingDeploymentResponse{Deployment: d})
	})
}
