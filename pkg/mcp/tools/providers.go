package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/models"
)

type queryProvidersResponse struct {
	Domain    string                       `json:"domain,omitempty"`
	Results   []*models.ProviderCallResult `json:"results"`
	Succeeded int                          `json:"succeeded"`
	Failed    int                          `json:"failed"`
}

// RegisterProviderTools registers the context provider tools.
func RegisterProviderTools(s *server.MCPServer, deps *Deps) {
	registerQueryContextProvidersTool(s, deps)
}

func registerQueryContextProvidersTool(s *server.MCPServer, deps *Deps) {
	tool := mcp.NewTool(
		"query_context_providers",
		mcp.WithDescription(
			"Ask every active context provider that supports a domain for live context, concurrently. "+
				"Returns one result per provider; a failing or slow provider is reported with success=false "+
				"and never hides the others.",
		),
		mcp.WithString(
			"query",
			mcp.Required(),
			mcp.Description("Question or lookup passed to each provider"),
		),
		mcp.WithString(
			"domain",
			mcp.Description("Optional - only ask providers tagged with this domain"),
			mcp.Enum(knowledgeDomains...),
		),
		mcp.WithObject(
			"context",
			mcp.Description("Optional - structured context forwarded to each provider"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(true),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if result := deps.checkRateLimit(ctx, "query_context_providers", ScopeProvider, deps.ProviderLimit); result != nil {
			return result, nil
		}

		query, err := req.RequireString("query")
		if err != nil {
			return NewErrorResult("invalid_parameters", err.Error()), nil
		}
		callContext, err := getOptionalObject(req, "context")
		if err != nil {
			return NewErrorResult("invalid_parameters", err.Error()), nil
		}
		domain := getOptionalString(req, "domain")

		results, err := deps.Providers.FanOut(ctx, domain, query, callContext)
		if err != nil {
			return HandleServiceError(err, "query_context_providers_failed")
		}

		resp := queryProvidersResponse{Domain: domain, Results: results}
		if resp.Results == nil {
			resp.Results = []*models.ProviderCallResult{}
		}
		for _, r := range resp.Results {
			if r.Success {
				resp.Succeeded++
			} else {
				resp.Failed++
			}
		}
		return jsonResult(resp)
	})
}
