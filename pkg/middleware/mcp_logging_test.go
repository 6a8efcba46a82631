package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func serveMCP(t *testing.T, reqBody, respBody string) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(respBody))
	})
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(reqBody))
	MCPRequestLogger(zap.New(core))(handler).ServeHTTP(httptest.NewRecorder(), req)
	return logs
}

func TestMCPRequestLogger(t *testing.T) {
	t.Run("logs successful tool call", func(t *testing.T) {
		logs := serveMCP(t,
			`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"search_knowledge","arguments":{"domain":"clinical_risk","query":"sepsis"}}}`,
			`{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"[]"}]}}`)

		require.Equal(t, 2, logs.Len())
		request := logs.All()[0]
		assert.Equal(t, "MCP request", request.Message)
		assert.Equal(t, "tools/call", request.ContextMap()["method"])
		assert.Equal(t, "search_knowledge", request.ContextMap()["tool"])

		assert.Equal(t, "MCP response success", logs.All()[1].Message)
	})

	t.Run("logs JSON-RPC error", func(t *testing.T) {
		logs := serveMCP(t,
			`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"submit_feedback"}}`,
			`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"invalid params"}}`)

		response := logs.All()[1]
		assert.Equal(t, "MCP response error", response.Message)
		assert.Equal(t, int64(-32602), response.ContextMap()["error_code"])
	})

	t.Run("logs tool-level error", func(t *testing.T) {
		logs := serveMCP(t,
			`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"record_knowledge_usage"}}`,
			`{"jsonrpc":"2.0","id":1,"result":{"isError":true,"content":[{"type":"text","text":"not found"}]}}`)

		assert.Equal(t, "MCP tool error", logs.All()[1].Message)
	})

	t.Run("tolerates non-JSON bodies", func(t *testing.T) {
		logs := serveMCP(t, "not json", "not json")
		assert.GreaterOrEqual(t, logs.Len(), 1)
	})

	t.Run("nil logger passes through", func(t *testing.T) {
		called := false
		handler := MCPRequestLogger(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/mcp", nil))
		assert.True(t, called)
	})
}

func TestSanitizeArguments(t *testing.T) {
	longText := strings.Repeat("p", 300)
	got := sanitizeArguments(map[string]any{
		"api_key":       "sk-123",
		"Authorization": "Bearer abc",
		"query":         longText,
		"use_case":      longText,
		"limit":         5.0,
		"knowledge_id":  "c0ffee",
	})

	assert.Equal(t, "[REDACTED]", got["api_key"])
	assert.Equal(t, "[REDACTED]", got["Authorization"])
	assert.Equal(t, longText[:freeTextLogLen]+"...", got["query"])
	assert.Equal(t, longText[:maxLoggedArgLen]+"...", got["use_case"])
	assert.Equal(t, 5.0, got["limit"])
	assert.Equal(t, "c0ffee", got["knowledge_id"])

	assert.Nil(t, sanitizeArguments(nil))
}
