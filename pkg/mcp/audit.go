package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/auth"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/logging"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/mcp/tools"
)

// maxParamSize bounds string parameters written to the audit log.
const maxParamSize = 2048

// sensitiveParamKeys are hashed rather than logged.
var sensitiveParamKeys = []string{"password", "secret", "token", "api_key", "apikey", "credential", "authorization"}

// freeTextParams may carry patient or user content and are logged by length only.
var freeTextParams = map[string]bool{
	"query":                true,
	"query_text":           true,
	"feedback_text":        true,
	"suggested_correction": true,
}

// AuditEvent is one audited MCP tool call.
type AuditEvent struct {
	Tool          string
	UserID        string
	Params        map[string]any
	Successful    bool
	ErrorCode     string
	ErrorMessage  string
	DurationMs    int64
	SecurityFlags []string
}

// AuditLogger records MCP tool calls through server hooks.
type AuditLogger struct {
	logger *zap.Logger

	// startTimes tracks when tool calls begin, keyed by request ID.
	startTimes sync.Map
}

// NewAuditLogger creates an AuditLogger.
func NewAuditLogger(logger *zap.Logger) *AuditLogger {
	return &AuditLogger{logger: logger.Named("mcp-audit")}
}

// Hooks returns mcp-go Hooks configured to capture tool call events.
func (a *AuditLogger) Hooks() *server.Hooks {
	hooks := &server.Hooks{}
	hooks.AddBeforeCallTool(a.beforeCallTool)
	hooks.AddAfterCallTool(a.afterCallTool)
	hooks.AddOnError(a.onError)
	return hooks
}

func (a *AuditLogger) beforeCallTool(_ context.Context, id any, _ *mcplib.CallToolRequest) {
	a.startTimes.Store(id, time.Now())
}

func (a *AuditLogger) afterCallTool(ctx context.Context, id any, req *mcplib.CallToolRequest, result *mcplib.CallToolResult) {
	event := a.buildEvent(ctx, id, req)
	event.Successful = result == nil || !result.IsError
	if !event.Successful {
		event.ErrorCode, event.ErrorMessage = toolErrorDetails(result)
		event.SecurityFlags = securityFlags(event.ErrorCode)
	}
	a.record(event)
}

func (a *AuditLogger) onError(ctx context.Context, id any, method mcplib.MCPMethod, message any, err error) {
	if method != mcplib.MethodToolsCall {
		return
	}
	req, ok := message.(*mcplib.CallToolRequest)
	if !ok {
		return
	}

	event := a.buildEvent(ctx, id, req)
	event.ErrorCode = "internal_error"
	event.ErrorMessage = logging.SanitizeError(err)
	a.record(event)
}

func (a *AuditLogger) buildEvent(ctx context.Context, id any, req *mcplib.CallToolRequest) *AuditEvent {
	start := time.Now()
	if v, ok := a.startTimes.LoadAndDelete(id); ok {
		start = v.(time.Time)
	}

	return &AuditEvent{
		Tool:       req.Params.Name,
		UserID:     auth.GetUserIDFromContext(ctx),
		Params:     sanitizeParams(req.Params.Arguments),
		DurationMs: time.Since(start).Milliseconds(),
	}
}

func (a *AuditLogger) record(event *AuditEvent) {
	fields := []zap.Field{
		zap.String("tool", event.Tool),
		zap.String("user_id", event.UserID),
		zap.Int64("duration_ms", event.DurationMs),
		zap.Any("params", event.Params),
	}

	switch {
	case event.Successful:
		a.logger.Info("MCP tool call", fields...)
	case len(event.SecurityFlags) > 0:
		a.logger.Warn("MCP tool call rejected", append(fields,
			zap.String("error_code", event.ErrorCode),
			zap.Strings("security_flags", event.SecurityFlags))...)
	default:
		a.logger.Info("MCP tool call failed", append(fields,
			zap.String("error_code", event.ErrorCode),
			zap.String("error", event.ErrorMessage))...)
	}
}

// RecordAuthFailure logs a failed MCP authentication attempt.
func (a *AuditLogger) RecordAuthFailure(reason, clientIP string) {
	a.logger.Warn("MCP authentication failed",
		zap.String("reason", reason),
		zap.String("client_ip", clientIP),
		zap.Strings("security_flags", []string{"auth_failure"}))
}

// toolErrorDetails extracts the structured error code and message from an error result.
func toolErrorDetails(result *mcplib.CallToolResult) (string, string) {
	for _, c := range result.Content {
		tc, ok := c.(mcplib.TextContent)
		if !ok {
			continue
		}
		var errResp tools.ErrorResponse
		if err := json.Unmarshal([]byte(tc.Text), &errResp); err == nil && errResp.Code != "" {
			return errResp.Code, errResp.Message
		}
		return "tool_error", logging.SanitizeMessage(tc.Text)
	}
	return "tool_error", ""
}

func securityFlags(errorCode string) []string {
	switch errorCode {
	case "unauthorized":
		return []string{"unauthorized_access"}
	case "rate_limited":
		return []string{"rate_limit"}
	}
	return nil
}

// sanitizeParams prepares request parameters for logging: sensitive values are hashed,
// free-text values reduced to their length and long strings truncated.
func sanitizeParams(args any) map[string]any {
	params, ok := args.(map[string]any)
	if !ok || len(params) == 0 {
		return nil
	}

	sanitized := make(map[string]any, len(params))
	for k, v := range params {
		sanitized[k] = sanitizeValue(k, v)
	}
	return sanitized
}

func sanitizeValue(key string, value any) any {
	if isSensitiveKey(key) {
		return hashSensitiveValue(value)
	}

	switch val := value.(type) {
	case string:
		if freeTextParams[key] {
			return fmt.Sprintf("[%d chars]", len(val))
		}
		return logging.TruncateString(val, maxParamSize)
	case map[string]any:
		return sanitizeParams(val)
	default:
		return value
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveParamKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// hashSensitiveValue returns a SHA-256 hash prefix, allowing correlation across
// entries without storing the value.
func hashSensitiveValue(value any) string {
	str, ok := value.(string)
	if !ok {
		str = fmt.Sprintf("%v", value)
	}
	hash := sha256.Sum256([]byte(str))
	return "sha256:" + hex.EncodeToString(hash[:8])
}
