// Package tools exposes knowledge retrieval, feedback, context providers and deployment
// resolution to agents as MCP tools.
package tools

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/auth"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/ratelimit"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/services"
)

// Rate limit scopes shared with the HTTP routes, so an agent cannot double its budget
// by switching transports.
const (
	ScopeFeedback = "feedback"
	ScopeProvider = "provider"
)

// Deps contains the services behind the MCP tools. A nil service leaves its tools
// unregistered.
type Deps struct {
	Knowledge   services.KnowledgeService
	Feedback    services.FeedbackService
	Providers   services.ContextProviderService
	Deployments services.DeploymentService

	// Limiter may be nil. Limits of zero disable the scope.
	Limiter       *ratelimit.Limiter
	FeedbackLimit int
	ProviderLimit int

	Logger *zap.Logger
}

// RegisterAll registers every tool group whose service is present and returns the
// names of the registered groups.
func RegisterAll(s *server.MCPServer, deps *Deps) []string {
	var groups []string
	if deps.Knowledge != nil {
		RegisterKnowledgeTools(s, deps)
		groups = append(groups, "knowledge")
	}
	if deps.Feedback != nil {
		RegisterFeedbackTools(s, deps)
		groups = append(groups, "feedback")
	}
	if deps.Providers != nil {
		RegisterProviderTools(s, deps)
		groups = append(groups, "providers")
	}
	if deps.Deployments != nil {
		RegisterDeploymentTools(s, deps)
		groups = append(groups, "deployments")
	}
	return groups
}

// checkRateLimit returns a rate_limited result when the caller exhausted scope.
// Anonymous callers and limiter failures are let through.
func (d *Deps) checkRateLimit(ctx context.Context, toolName, scope string, limit int) *mcp.CallToolResult {
	subject := auth.GetUserIDFromContext(ctx)
	if subject == "" {
		return nil
	}

	err := d.Limiter.Allow(ctx, scope, subject, limit)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperrors.ErrRateLimited):
		return NewErrorResult("rate_limited", "too many requests, try again later")
	default:
		d.logger().Warn("Rate limit check failed, allowing tool call",
			zap.String("tool", toolName),
			zap.Error(err))
		return nil
	}
}

func (d *Deps) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// callerID returns the authenticated subject as a pointer, or nil when anonymous.
func callerID(ctx context.Context) *string {
	if id := auth.GetUserIDFromContext(ctx); id != "" {
		return &id
	}
	return nil
}
