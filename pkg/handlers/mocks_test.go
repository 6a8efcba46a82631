package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/auth"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/models"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/services"
)

// ============================================================================
// Auth
// ============================================================================

// headerAuthService treats the bearer token as the subject and X-Test-Roles as
// a comma separated roles claim.
type headerAuthService struct{}

func (headerAuthService) ValidateRequest(r *http.Request) (*auth.Claims, string, error) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || scheme != "Bearer" || token == "" {
		return nil, "", auth.ErrMissingAuthorization
	}
	claims := &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: token}}
	if roles := r.Header.Get("X-Test-Roles"); roles != "" {
		claims.Roles = strings.Split(roles, ",")
	}
	return claims, token, nil
}

func newTestMiddleware() *auth.Middleware {
	return auth.NewMiddleware(headerAuthService{}, zap.NewNop())
}

// doRequest sends a request through mux as subject (empty means anonymous).
func doRequest(t *testing.T, mux *http.ServeMux, method, path, subject, body string, roles ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if subject != "" {
		req.Header.Set("Authorization", "Bearer "+subject)
	}
	if len(roles) > 0 {
		req.Header.Set("X-Test-Roles", strings.Join(roles, ","))
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

// decodeData unwraps ApiResponse.Data into dst.
func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !envelope.Success {
		t.Fatalf("expected success response, got body with success=false")
	}
	if err := json.Unmarshal(envelope.Data, dst); err != nil {
		t.Fatalf("failed to decode data: %v", err)
	}
}

// ============================================================================
// Deployments
// ============================================================================

// mockDeploymentService keeps deployments per owner. Unimplemented methods panic.
type mockDeploymentService struct {
	services.DeploymentService

	byID      map[uuid.UUID]*models.Deployment
	err       error
	deleted   []uuid.UUID
	lastOwner string
}

func newMockDeploymentService(deployments ...*models.Deployment) *mockDeploymentService {
	m := &mockDeploymentService{byID: make(map[uuid.UUID]*models.Deployment)}
	for _, d := range deployments {
		m.byID[d.ID] = d
	}
	return m
}

func (m *mockDeploymentService) owned(ownerID string, id uuid.UUID) (*models.Deployment, error) {
	m.lastOwner = ownerID
	if m.err != nil {
		return nil, m.err
	}
	d, ok := m.byID[id]
	if !ok || d.UserID != ownerID {
		return nil, apperrors.ErrNotFound
	}
	return d, nil
}

func (m *mockDeploymentService) Create(_ context.Context, ownerID string, req services.CreateDeploymentRequest) (*models.Deployment, error) {
	m.lastOwner = ownerID
	if m.err != nil {
		return nil, m.err
	}
	d := &models.Deployment{
		ID:               uuid.New(),
		UserID:           ownerID,
		Name:             req.Name,
		Version:          1,
		DeploymentStatus: models.DeploymentStatusDraft,
		IsEnabled:        true,
	}
	m.byID[d.ID] = d
	return d, nil
}

func (m *mockDeploymentService) Get(_ context.Context, ownerID string, id uuid.UUID) (*models.Deployment, error) {
	return m.owned(ownerID, id)
}

func (m *mockDeploymentService) List(_ context.Context, ownerID string, filter services.DeploymentFilter) ([]*models.Deployment, error) {
	m.lastOwner = ownerID
	if m.err != nil {
		return nil, m.err
	}
	result := []*models.Deployment{}
	for _, d := range m.byID {
		if d.UserID != ownerID {
			continue
		}
		if filter.Status != nil && d.DeploymentStatus != *filter.Status {
			continue
		}
		result = append(result, d)
	}
	return result, nil
}

func (m *mockDeploymentService) Activate(_ context.Context, ownerID string, id uuid.UUID) (*models.Deployment, error) {
	d, err := m.owned(ownerID, id)
	if err != nil {
		return nil, err
	}
	d.IsActive = true
	d.DeploymentStatus = models.DeploymentStatusActive
	return d, nil
}

func (m *mockDeploymentService) Archive(_ context.Context, ownerID string, id uuid.UUID) (*models.Deployment, error) {
	d, err := m.owned(ownerID, id)
	if err != nil {
		return nil, err
	}
	if d.IsActive {
		return nil, apperrors.ErrInvariantViolation
	}
	d.DeploymentStatus = models.DeploymentStatusArchived
	return d, nil
}

func (m *mockDeploymentService) SetEnabled(_ context.Context, ownerID string, id uuid.UUID, enabled bool) (*models.Deployment, error) {
	d, err := m.owned(ownerID, id)
	if err != nil {
		return nil, err
	}
	d.IsEnabled = enabled
	return d, nil
}

func (m *mockDeploymentService) GetActive(_ context.Context, ownerID string) (*models.Deployment, error) {
	m.lastOwner = ownerID
	for _, d := range m.byID {
		if d.UserID == ownerID && d.IsActive {
			return d, nil
		}
	}
	return nil, nil
}

func (m *mockDeploymentService) ResolveActive(ctx context.Context, ownerID string) (*models.Deployment, error) {
	d, _ := m.GetActive(ctx, ownerID)
	if d != nil && !d.IsEnabled {
		return nil, apperrors.ErrDeploymentDisabled
	}
	return d, nil
}

func (m *mockDeploymentService) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := m.byID[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(m.byID, id)
	m.deleted = append(m.deleted, id)
	return nil
}

// mockAnalyticsService records the arguments of ListMetrics.
type mockAnalyticsService struct {
	services.DeploymentAnalyticsService

	metrics  []models.DeploymentMetrics
	gotSort  services.MetricsSortField
	gotDesc  bool
	gotOwner string
}

func (m *mockAnalyticsService) ListMetrics(_ context.Context, ownerID string, sortBy services.MetricsSortField, desc bool) ([]models.DeploymentMetrics, error) {
	m.gotOwner = ownerID
	m.gotSort = sortBy
	m.gotDesc = desc
	return m.metrics, nil
}

// ============================================================================
// Knowledge and feedback
// ============================================================================

type mockKnowledgeService struct {
	services.KnowledgeService

	items      map[uuid.UUID]*models.KnowledgeItem
	searchReq  services.SearchRequest
	usageReq   services.RecordUsageRequest
	approvals  map[uuid.UUID]bool
	createdReq *services.CreateKnowledgeItemRequest
}

func newMockKnowledgeService(items ...*models.KnowledgeItem) *mockKnowledgeService {
	m := &mockKnowledgeService{
		items:     make(map[uuid.UUID]*models.KnowledgeItem),
		approvals: make(map[uuid.UUID]bool),
	}
	for _, item := range items {
		m.items[item.ID] = item
	}
	return m
}

func (m *mockKnowledgeService) Search(_ context.Context, req services.SearchRequest) ([]*models.KnowledgeItem, error) {
	m.searchReq = req
	if !req.Domain.IsValid() {
		return nil, apperrors.ErrValidation
	}
	result := []*models.KnowledgeItem{}
	for _, item := range m.items {
		if item.Domain == req.Domain {
			result = append(result, item)
		}
	}
	return result, nil
}

func (m *mockKnowledgeService) GetItem(_ context.Context, id uuid.UUID) (*models.KnowledgeItem, error) {
	item, ok := m.items[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return item, nil
}

func (m *mockKnowledgeService) RecordUsage(_ context.Context, req services.RecordUsageRequest) error {
	if _, ok := m.items[req.KnowledgeID]; !ok {
		return apperrors.ErrNotFound
	}
	m.usageReq = req
	return nil
}

func (m *mockKnowledgeService) CreateItem(_ context.Context, req services.CreateKnowledgeItemRequest) (*models.KnowledgeItem, error) {
	m.createdReq = &req
	item := &models.KnowledgeItem{
		ID:           uuid.New(),
		Title:        req.Title,
		Description:  req.Description,
		Domain:       req.Domain,
		ContentType:  req.ContentType,
		QualityScore: models.DefaultQualityScore,
	}
	m.items[item.ID] = item
	return item, nil
}

func (m *mockKnowledgeService) SetApproved(_ context.Context, id uuid.UUID, approved bool) error {
	if _, ok := m.items[id]; !ok {
		return apperrors.ErrNotFound
	}
	m.approvals[id] = approved
	return nil
}

type mockFeedbackService struct {
	services.FeedbackService

	submitted []services.SubmitFeedbackRequest
	failedIDs []uuid.UUID
	events    []*models.FeedbackEvent
}

func (m *mockFeedbackService) Submit(_ context.Context, req services.SubmitFeedbackRequest) (*services.FeedbackResult, error) {
	if req.ConversationID == "" {
		return nil, apperrors.ErrValidation
	}
	m.submitted = append(m.submitted, req)
	event := &models.FeedbackEvent{
		ID:             uuid.New(),
		ConversationID: req.ConversationID,
		MessageIndex:   req.MessageIndex,
		FeedbackType:   req.FeedbackType,
		KnowledgeIDs:   req.KnowledgeIDs,
		Domain:         req.Domain,
	}
	m.events = append(m.events, event)
	return &services.FeedbackResult{Event: event, FailedKnowledgeIDs: m.failedIDs}, nil
}

func (m *mockFeedbackService) ListByConversation(_ context.Context, conversationID string) ([]*models.FeedbackEvent, error) {
	result := []*models.FeedbackEvent{}
	for _, e := range m.events {
		if e.ConversationID == conversationID {
			result = append(result, e)
		}
	}
	return result, nil
}

// ============================================================================
// Providers
// ============================================================================

type mockProviderService struct {
	services.ContextProviderService

	providers     map[uuid.UUID]*models.ContextProvider
	fanOutResults []*models.ProviderCallResult
	fanOutDomain  string
	queryErr      error
	summaryWindow time.Duration
}

func newMockProviderService(providers ...*models.ContextProvider) *mockProviderService {
	m := &mockProviderService{providers: make(map[uuid.UUID]*models.ContextProvider)}
	for _, p := range providers {
		m.providers[p.ID] = p
	}
	return m
}

func (m *mockProviderService) Get(_ context.Context, id uuid.UUID) (*models.ContextProvider, error) {
	p, ok := m.providers[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return p, nil
}

func (m *mockProviderService) Create(_ context.Context, req services.CreateProviderRequest) (*models.ContextProvider, error) {
	if req.Name == "" {
		return nil, apperrors.ErrValidation
	}
	p := &models.ContextProvider{
		ID:                 uuid.New(),
		Name:               req.Name,
		EndpointURL:        req.EndpointURL,
		AuthenticationType: req.AuthenticationType,
		APIKey:             req.APIKey,
		HasAPIKey:          req.APIKey != "",
		SupportedDomains:   req.SupportedDomains,
		IsActive:           true,
	}
	m.providers[p.ID] = p
	return p, nil
}

func (m *mockProviderService) FanOut(_ context.Context, domain, _ string, _ map[string]any) ([]*models.ProviderCallResult, error) {
	m.fanOutDomain = domain
	if domain != "" && !models.KnowledgeDomain(domain).IsValid() {
		return nil, apperrors.ErrValidation
	}
	return m.fanOutResults, nil
}

func (m *mockProviderService) Query(_ context.Context, id uuid.UUID, _ string, _ map[string]any) (*models.ProviderCallResult, error) {
	p, ok := m.providers[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	if m.queryErr != nil {
		return &models.ProviderCallResult{ProviderID: p.ID, ProviderName: p.Name, Error: m.queryErr.Error()}, m.queryErr
	}
	return &models.ProviderCallResult{ProviderID: p.ID, ProviderName: p.Name, Success: true}, nil
}

func (m *mockProviderService) HealthSummary(_ context.Context, id uuid.UUID, window time.Duration) (*models.ProviderHealthSummary, error) {
	if _, ok := m.providers[id]; !ok {
		return nil, apperrors.ErrNotFound
	}
	m.summaryWindow = window
	return &models.ProviderHealthSummary{ProviderID: id}, nil
}
