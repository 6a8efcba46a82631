package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/models"
)

func zapNop() *zap.Logger { return zap.NewNop() }

func TestQueryContextProvidersTool(t *testing.T) {
	svc := &mockProviderService{results: []*models.ProviderCallResult{
		{ProviderID: uuid.New(), ProviderName: "ehr", Success: true, Context: json.RawMessage(`{"allergies":[]}`)},
		{ProviderID: uuid.New(), ProviderName: "pacs", Success: false, Error: "timeout after 5s"},
		{ProviderID: uuid.New(), ProviderName: "labs", Success: true},
	}}
	s := newTestServer()
	RegisterProviderTools(s, &Deps{Providers: svc})

	resp := callTool(t, authedContext("user-1"), s, "query_context_providers", map[string]any{
		"query":   "patient 42",
		"domain":  "clinical_risk",
		"context": map[string]any{"patient_id": "42"},
	})
	require.False(t, resp.Result.IsError, resp.text())

	var result queryProvidersResponse
	require.NoError(t, json.Unmarshal([]byte(resp.text()), &result))
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Results, 3)
	assert.Equal(t, "pacs", result.Results[1].ProviderName)
	assert.Equal(t, "timeout after 5s", result.Results[1].Error)

	assert.Equal(t, "clinical_risk", svc.gotDomain)
	assert.Equal(t, "patient 42", svc.gotQuery)
	assert.Equal(t, "42", svc.gotContext["patient_id"])
}

func TestQueryContextProvidersTool_NoProviders(t *testing.T) {
	svc := &mockProviderService{}
	s := newTestServer()
	RegisterProviderTools(s, &Deps{Providers: svc})

	resp := callTool(t, context.Background(), s, "query_context_providers", map[string]any{"query": "anything"})
	require.False(t, resp.Result.IsError, resp.text())
	assert.Contains(t, resp.text(), `"results":[]`)
	assert.Equal(t, "", svc.gotDomain)
}

func TestQueryContextProvidersTool_InvalidParameters(t *testing.T) {
	svc := &mockProviderService{}
	s := newTestServer()
	RegisterProviderTools(s, &Deps{Providers: svc})

	resp := callTool(t, context.Background(), s, "query_context_providers", map[string]any{"domain": "conversational"})
	assert.Equal(t, "invalid_parameters", decodeToolError(t, resp).Code)

	resp = callTool(t, context.Background(), s, "query_context_providers", map[string]any{"query": "q", "context": "flat"})
	assert.Equal(t, "invalid_parameters", decodeToolError(t, resp).Code)

	assert.Zero(t, svc.fanOutCalls)
}
