package services

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/models"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/notify"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/repositories"
)

// ============================================================================
// Deployments
// ============================================================================

type mockDeploymentRepo struct {
	mu          sync.Mutex
	deployments map[uuid.UUID]*models.Deployment
	activateErr error
}

func newMockDeploymentRepo() *mockDeploymentRepo {
	return &mockDeploymentRepo{deployments: make(map[uuid.UUID]*models.Deployment)}
}

var _ repositories.DeploymentRepository = (*mockDeploymentRepo)(nil)

func (m *mockDeploymentRepo) put(d *models.Deployment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertLocked(d)
}

func (m *mockDeploymentRepo) insertLocked(d *models.Deployment) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.DeploymentStatus == "" {
		d.DeploymentStatus = models.DeploymentStatusDraft
	}
	d.CreatedAt = time.Now()
	cp := *d
	m.deployments[d.ID] = &cp
}

func (m *mockDeploymentRepo) Create(_ context.Context, d *models.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.Version = 1
	m.insertLocked(d)
	return nil
}

func (m *mockDeploymentRepo) CreateVersion(_ context.Context, d *models.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := 1
	for _, existing := range m.deployments {
		if existing.UserID == d.UserID && existing.Name == d.Name && existing.Version >= next {
			next = existing.Version + 1
		}
	}
	d.Version = next
	m.insertLocked(d)
	return nil
}

func (m *mockDeploymentRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (m *mockDeploymentRepo) GetActive(_ context.Context, userID string) (*models.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deployments {
		if d.UserID == userID && d.IsActive {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockDeploymentRepo) ListByOwner(_ context.Context, userID string, status *models.DeploymentStatus) ([]*models.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.Deployment{}
	for _, d := range m.deployments {
		if d.UserID == userID && (status == nil || d.DeploymentStatus == *status) {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (m *mockDeploymentRepo) ListByName(_ context.Context, userID, name string) ([]*models.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.Deployment{}
	for _, d := range m.deployments {
		if d.UserID == userID && d.Name == name {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (m *mockDeploymentRepo) UpdateDraft(_ context.Context, d *models.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.deployments[d.ID]
	if !ok || existing.UserID != d.UserID {
		return apperrors.ErrNotFound
	}
	if existing.DeploymentStatus != models.DeploymentStatusDraft {
		return apperrors.ErrInvariantViolation
	}
	cp := *d
	m.deployments[d.ID] = &cp
	return nil
}

func (m *mockDeploymentRepo) owned(userID string, id uuid.UUID) (*models.Deployment, error) {
	d, ok := m.deployments[id]
	if !ok || d.UserID != userID {
		return nil, apperrors.ErrNotFound
	}
	return d, nil
}

func (m *mockDeploymentRepo) SetEnabled(_ context.Context, userID string, id uuid.UUID, enabled bool) (*models.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.owned(userID, id)
	if err != nil {
		return nil, err
	}
	d.IsEnabled = enabled
	cp := *d
	return &cp, nil
}

func (m *mockDeploymentRepo) Activate(_ context.Context, userID string, id uuid.UUID) (*models.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activateErr != nil {
		return nil, m.activateErr
	}
	target, err := m.owned(userID, id)
	if err != nil {
		return nil, err
	}
	if target.DeploymentStatus == models.DeploymentStatusArchived {
		return nil, apperrors.ErrInvariantViolation
	}
	for _, d := range m.deployments {
		if d.UserID == userID {
			d.IsActive = false
		}
	}
	now := time.Now()
	target.IsActive = true
	target.DeploymentStatus = models.DeploymentStatusActive
	target.DeployedAt = &now
	cp := *target
	return &cp, nil
}

func (m *mockDeploymentRepo) Deactivate(_ context.Context, userID string, id uuid.UUID) (*models.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.owned(userID, id)
	if err != nil {
		return nil, err
	}
	d.IsActive = false
	cp := *d
	return &cp, nil
}

func (m *mockDeploymentRepo) Archive(_ context.Context, userID string, id uuid.UUID) (*models.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.owned(userID, id)
	if err != nil {
		return nil, err
	}
	if d.IsActive {
		return nil, apperrors.ErrInvariantViolation
	}
	now := time.Now()
	d.DeploymentStatus = models.DeploymentStatusArchived
	d.ArchivedAt = &now
	cp := *d
	return &cp, nil
}

func (m *mockDeploymentRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deployments[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(m.deployments, id)
	for _, d := range m.deployments {
		if d.ParentDeploymentID != nil && *d.ParentDeploymentID == id {
			d.ParentDeploymentID = nil
		}
	}
	return nil
}

func (m *mockDeploymentRepo) SummarizeByStatus(_ context.Context, userID string) ([]*models.DeploymentStatusSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byStatus := map[models.DeploymentStatus]*models.DeploymentStatusSummary{}
	weighted := map[models.DeploymentStatus]float64{}
	for _, d := range m.deployments {
		if d.UserID != userID {
			continue
		}
		s, ok := byStatus[d.DeploymentStatus]
		if !ok {
			s = &models.DeploymentStatusSummary{DeploymentStatus: d.DeploymentStatus}
			byStatus[d.DeploymentStatus] = s
		}
		s.Deployments++
		s.TotalConversations += d.TotalConversations
		s.TotalTokensUsed += d.TotalTokensUsed
		weighted[d.DeploymentStatus] += d.AvgConfidenceScore * float64(d.TotalConversations)
	}
	out := []*models.DeploymentStatusSummary{}
	for status, s := range byStatus {
		if s.TotalConversations > 0 {
			s.AvgConfidenceScore = weighted[status] / float64(s.TotalConversations)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeploymentStatus < out[j].DeploymentStatus })
	return out, nil
}

// recordingNotifier captures dispatched events.
type recordingNotifier struct {
	events chan notify.Event
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{events: make(chan notify.Event, 32)}
}

func (n *recordingNotifier) Notify(_ context.Context, event notify.Event) error {
	n.events <- event
	return nil
}

// ============================================================================
// Knowledge
// ============================================================================

type mockKnowledgeRepo struct {
	mu             sync.Mutex
	items          map[uuid.UUID]*models.KnowledgeItem
	searchResults  []*models.KnowledgeItem
	lastSearch     repositories.KnowledgeSearchParams
	usage          []*models.KnowledgeUsageEvent
	recordUsageErr error
}

func newMockKnowledgeRepo() *mockKnowledgeRepo {
	return &mockKnowledgeRepo{items: make(map[uuid.UUID]*models.KnowledgeItem)}
}

var _ repositories.KnowledgeRepository = (*mockKnowledgeRepo)(nil)

func (m *mockKnowledgeRepo) Create(_ context.Context, item *models.KnowledgeItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	cp := *item
	m.items[item.ID] = &cp
	return nil
}

func (m *mockKnowledgeRepo) GetByID(_ context.Context, id uuid.UUID) (*models.KnowledgeItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	cp := *item
	return &cp, nil
}

func (m *mockKnowledgeRepo) Update(_ context.Context, item *models.KnowledgeItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.items[item.ID]
	if !ok {
		return apperrors.ErrNotFound
	}
	cp := *item
	cp.Domain = existing.Domain
	m.items[item.ID] = &cp
	return nil
}

func (m *mockKnowledgeRepo) SetApproved(_ context.Context, id uuid.UUID, approved bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	item.IsApproved = approved
	return nil
}

func (m *mockKnowledgeRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(m.items, id)
	return nil
}

func (m *mockKnowledgeRepo) Search(_ context.Context, params repositories.KnowledgeSearchParams) ([]*models.KnowledgeItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSearch = params
	out := []*models.KnowledgeItem{}
	for _, item := range m.searchResults {
		if len(out) == params.Limit {
			break
		}
		out = append(out, item)
	}
	return out, nil
}

func (m *mockKnowledgeRepo) TopPerforming(_ context.Context, domain models.KnowledgeDomain, limit int) ([]*models.KnowledgeItem, error) {
	return []*models.KnowledgeItem{}, nil
}

func (m *mockKnowledgeRepo) DomainStats(_ context.Context, domain models.KnowledgeDomain) (*models.KnowledgeDomainStats, error) {
	return &models.KnowledgeDomainStats{Domain: domain}, nil
}

func (m *mockKnowledgeRepo) RecordUsage(_ context.Context, event *models.KnowledgeUsageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordUsageErr != nil {
		return m.recordUsageErr
	}
	m.usage = append(m.usage, event)
	if item, ok := m.items[event.KnowledgeID]; ok {
		item.UsageCount++
	}
	return nil
}

// ============================================================================
// Feedback
// ============================================================================

type mockFeedbackRepo struct {
	mu        sync.Mutex
	events    []*models.FeedbackEvent
	createErr error
	// applyErrs returns a queued error per knowledge id, consumed one per call.
	applyErrs map[uuid.UUID][]error
	applied   map[uuid.UUID][]float64
	calls     map[uuid.UUID]int
	// domains maps an item to its domain; unlisted items accept any domain.
	domains map[uuid.UUID]models.KnowledgeDomain
}

func newMockFeedbackRepo() *mockFeedbackRepo {
	return &mockFeedbackRepo{
		applyErrs: make(map[uuid.UUID][]error),
		applied:   make(map[uuid.UUID][]float64),
		calls:     make(map[uuid.UUID]int),
		domains:   make(map[uuid.UUID]models.KnowledgeDomain),
	}
}

var _ repositories.FeedbackRepository = (*mockFeedbackRepo)(nil)

func (m *mockFeedbackRepo) Create(_ context.Context, event *models.FeedbackEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	event.ID = uuid.New()
	m.events = append(m.events, event)
	return nil
}

func (m *mockFeedbackRepo) ApplyFeedback(_ context.Context, id uuid.UUID, domain models.KnowledgeDomain, positive bool, qualityDelta float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[id]++
	if d, ok := m.domains[id]; ok && d != domain {
		return apperrors.ErrValidation
	}
	if queued := m.applyErrs[id]; len(queued) > 0 {
		err := queued[0]
		m.applyErrs[id] = queued[1:]
		if err != nil {
			return err
		}
	}
	m.applied[id] = append(m.applied[id], qualityDelta)
	return nil
}

func (m *mockFeedbackRepo) ListByConversation(_ context.Context, conversationID string) ([]*models.FeedbackEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.FeedbackEvent{}
	for _, e := range m.events {
		if e.ConversationID == conversationID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockFeedbackRepo) ListByKnowledgeItem(_ context.Context, id uuid.UUID, limit int) ([]*models.FeedbackEvent, error) {
	return []*models.FeedbackEvent{}, nil
}

// ============================================================================
// Context providers
// ============================================================================

type mockProviderRepo struct {
	mu        sync.Mutex
	providers []*models.ContextProvider
	keys      map[uuid.UUID]string
	health    []*models.HealthRecord
}

func newMockProviderRepo() *mockProviderRepo {
	return &mockProviderRepo{keys: make(map[uuid.UUID]string)}
}

var _ repositories.ContextProviderRepository = (*mockProviderRepo)(nil)

func (m *mockProviderRepo) Create(_ context.Context, p *models.ContextProvider, encryptedKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.providers {
		if existing.Name == p.Name {
			return apperrors.ErrConflict
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.HasAPIKey = encryptedKey != ""
	cp := *p
	cp.APIKey = ""
	m.providers = append(m.providers, &cp)
	m.keys[p.ID] = encryptedKey
	return nil
}

func (m *mockProviderRepo) find(id uuid.UUID) *models.ContextProvider {
	for _, p := range m.providers {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (m *mockProviderRepo) GetByID(_ context.Context, id uuid.UUID) (*models.ContextProvider, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.find(id)
	if p == nil {
		return nil, "", nil
	}
	cp := *p
	return &cp, m.keys[id], nil
}

func (m *mockProviderRepo) GetByName(_ context.Context, name string) (*models.ContextProvider, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.providers {
		if p.Name == name {
			cp := *p
			return &cp, m.keys[p.ID], nil
		}
	}
	return nil, "", nil
}

func (m *mockProviderRepo) List(_ context.Context) ([]*models.ContextProvider, []string, error) {
	return m.list(func(*models.ContextProvider) bool { return true })
}

func (m *mockProviderRepo) ListActive(_ context.Context, domain string) ([]*models.ContextProvider, []string, error) {
	return m.list(func(p *models.ContextProvider) bool {
		return p.IsActive && (domain == "" || slices.Contains(p.SupportedDomains, domain))
	})
}

func (m *mockProviderRepo) list(keep func(*models.ContextProvider) bool) ([]*models.ContextProvider, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps := []*models.ContextProvider{}
	keys := []string{}
	for _, p := range m.providers {
		if keep(p) {
			cp := *p
			ps = append(ps, &cp)
			keys = append(keys, m.keys[p.ID])
		}
	}
	return ps, keys, nil
}

func (m *mockProviderRepo) Update(_ context.Context, p *models.ContextProvider, encryptedKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.providers {
		if existing.ID == p.ID {
			cp := *p
			cp.APIKey = ""
			if encryptedKey != "" {
				m.keys[p.ID] = encryptedKey
			}
			cp.HasAPIKey = m.keys[p.ID] != ""
			m.providers[i] = &cp
			return nil
		}
	}
	return apperrors.ErrNotFound
}

func (m *mockProviderRepo) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.find(id)
	if p == nil {
		return apperrors.ErrNotFound
	}
	p.IsActive = active
	return nil
}

func (m *mockProviderRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.providers {
		if p.ID == id {
			m.providers = append(m.providers[:i], m.providers[i+1:]...)
			return nil
		}
	}
	return apperrors.ErrNotFound
}

func (m *mockProviderRepo) RecordHealth(_ context.Context, record *models.HealthRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health = append(m.health, record)
	return nil
}

func (m *mockProviderRepo) HealthHistory(_ context.Context, providerID uuid.UUID, limit int) ([]*models.HealthRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.HealthRecord{}
	for i := len(m.health) - 1; i >= 0 && len(out) < limit; i-- {
		if m.health[i].ProviderID == providerID {
			out = append(out, m.health[i])
		}
	}
	return out, nil
}

func (m *mockProviderRepo) HealthSummary(_ context.Context, providerID uuid.UUID, since time.Time) (*models.ProviderHealthSummary, error) {
	return &models.ProviderHealthSummary{ProviderID: providerID, Since: since}, nil
}
