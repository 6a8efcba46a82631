package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/auth"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/models"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/services"
)

// toolResponse is the decoded JSON-RPC response of a tools/call.
type toolResponse struct {
	Result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (r toolResponse) text() string {
	if len(r.Result.Content) == 0 {
		return ""
	}
	return r.Result.Content[0].Text
}

// callTool executes an MCP tool via the server's HandleMessage method.
func callTool(t *testing.T, ctx context.Context, s *server.MCPServer, name string, args map[string]any) toolResponse {
	t.Helper()
	reqBytes, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
	})
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}

	result := s.HandleMessage(ctx, reqBytes)
	resultBytes, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("failed to marshal result: %v", err)
	}

	var resp toolResponse
	if err := json.Unmarshal(resultBytes, &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	return resp
}

// decodeToolError parses the structured error body of an isError result.
func decodeToolError(t *testing.T, resp toolResponse) ErrorResponse {
	t.Helper()
	if !resp.Result.IsError {
		t.Fatalf("expected error result, got %s", resp.text())
	}
	var errResp ErrorResponse
	if err := json.Unmarshal([]byte(resp.text()), &errResp); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return errResp
}

func newTestServer() *server.MCPServer {
	return server.NewMCPServer("test", "1.0.0", server.WithToolCapabilities(true))
}

func authedContext(subject string) context.Context {
	claims := &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: subject}}
	return auth.WithClaims(context.Background(), claims, "token")
}

// ============================================================================
// Service mocks. Unimplemented methods panic through the embedded nil interface.
// ============================================================================

type mockKnowledgeService struct {
	services.KnowledgeService

	items     []*models.KnowledgeItem
	searchReq services.SearchRequest
	usage     []services.RecordUsageRequest
	searchErr error
}

func (m *mockKnowledgeService) Search(_ context.Context, req services.SearchRequest) ([]*models.KnowledgeItem, error) {
	m.searchReq = req
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	if !req.Domain.IsValid() {
		return nil, apperrors.ErrValidation
	}
	var result []*models.KnowledgeItem
	for _, item := range m.items {
		if item.Domain == req.Domain {
			result = append(result, item)
		}
	}
	return result, nil
}

func (m *mockKnowledgeService) GetItem(_ context.Context, id uuid.UUID) (*models.KnowledgeItem, error) {
	for _, item := range m.items {
		if item.ID == id {
			return item, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockKnowledgeService) RecordUsage(_ context.Context, req services.RecordUsageRequest) error {
	if _, err := m.GetItem(context.Background(), req.KnowledgeID); err != nil {
		return err
	}
	m.usage = append(m.usage, req)
	return nil
}

type mockFeedbackService struct {
	services.FeedbackService

	submitted []services.SubmitFeedbackRequest
	failedIDs []uuid.UUID
}

func (m *mockFeedbackService) Submit(_ context.Context, req services.SubmitFeedbackRequest) (*services.FeedbackResult, error) {
	if req.MessageIndex < 0 || !req.FeedbackType.IsValid() {
		return nil, apperrors.ErrValidation
	}
	m.submitted = append(m.submitted, req)
	return &services.FeedbackResult{
		Event: &models.FeedbackEvent{
			ID:             uuid.New(),
			ConversationID: req.ConversationID,
			MessageIndex:   req.MessageIndex,
			FeedbackType:   req.FeedbackType,
			KnowledgeIDs:   req.KnowledgeIDs,
			Domain:         req.Domain,
		},
		FailedKnowledgeIDs: m.failedIDs,
	}, nil
}

type mockProviderService struct {
	services.ContextProviderService

	results     []*models.ProviderCallResult
	gotDomain   string
	gotQuery    string
	gotContext  map[string]any
	fanOutCalls int
}

func (m *mockProviderService) FanOut(_ context.Context, domain, query string, callContext map[string]any) ([]*models.ProviderCallResult, error) {
	m.fanOutCalls++
	m.gotDomain = domain
	m.gotQuery = query
	m.gotContext = callContext
	return m.results, nil
}

type mockDeploymentService struct {
	services.DeploymentService

	active   *models.Deployment
	byID     map[uuid.UUID]*models.Deployment
	gotOwner string
}

func (m *mockDeploymentService) ResolveActive(_ context.Context, ownerID string) (*models.Deployment, error) {
	m.gotOwner = ownerID
	if m.active != nil && !m.active.IsEnabled {
		return nil, apperrors.ErrDeploymentDisabled
	}
	return m.active, nil
}

func (m *mockDeploymentService) ResolveForInvocation(_ context.Context, ownerID string, id uuid.UUID) (*models.Deployment, error) {
	m.gotOwner = ownerID
	d, ok := m.byID[id]
	if !ok || d.UserID != ownerID {
		return nil, apperrors.ErrNotFound
	}
	return d, nil
}
