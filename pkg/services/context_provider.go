package services

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/crypto"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/models"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/repositories"
)

// DefaultProviderTimeoutSeconds is stored for providers registered without a timeout.
const DefaultProviderTimeoutSeconds = 30

// defaultHealthHistoryLimit bounds HealthHistory when no limit is given.
const defaultHealthHistoryLimit = 50

// healthWriteTimeout bounds health inserts made outside the provider client.
const healthWriteTimeout = 5 * time.Second

// errCredentialUnavailable is reported when a stored provider key cannot be decrypted.
const errCredentialUnavailable = "stored credential could not be decrypted"

// ProviderCaller executes provider calls and probes. *contextprovider.Client satisfies it.
type ProviderCaller interface {
	Call(ctx context.Context, provider *models.ContextProvider, query string, callContext map[string]any) (*models.ProviderCallResult, error)
	CheckHealth(ctx context.Context, provider *models.ContextProvider) *models.HealthRecord
}

// CreateProviderRequest registers a context provider.
type CreateProviderRequest struct {
	Name               string                    `json:"name" yaml:"name"`
	EndpointURL        string                    `json:"endpoint_url" yaml:"endpoint_url"`
	AuthenticationType models.AuthenticationType `json:"authentication_type" yaml:"authentication_type"`
	APIKey             string                    `json:"api_key,omitempty" yaml:"api_key"`
	// IsActive defaults to true when omitted.
	IsActive         *bool                   `json:"is_active,omitempty" yaml:"is_active"`
	TimeoutSeconds   int                     `json:"timeout_seconds,omitempty" yaml:"timeout_seconds"`
	SupportedDomains []string                `json:"supported_domains" yaml:"supported_domains"`
	Metadata         models.ProviderMetadata `json:"metadata" yaml:"metadata"`
}

// UpdateProviderRequest edits a provider. Nil fields are left unchanged; a nil APIKey
// keeps the stored credential.
type UpdateProviderRequest struct {
	Name               *string                    `json:"name,omitempty"`
	EndpointURL        *string                    `json:"endpoint_url,omitempty"`
	AuthenticationType *models.AuthenticationType `json:"authentication_type,omitempty"`
	APIKey             *string                    `json:"api_key,omitempty"`
	TimeoutSeconds     *int                       `json:"timeout_seconds,omitempty"`
	SupportedDomains   []string                   `json:"supported_domains,omitempty"`
	Metadata           *models.ProviderMetadata   `json:"metadata,omitempty"`
}

// ContextProviderService manages the provider registry and queries providers.
type ContextProviderService interface {
	Create(ctx context.Context, req CreateProviderRequest) (*models.ContextProvider, error)
	Get(ctx context.Context, id uuid.UUID) (*models.ContextProvider, error)
	List(ctx context.Context) ([]*models.ContextProvider, error)
	// ListActive returns active providers, restricted to domain when it is non-empty.
	ListActive(ctx context.Context, domain string) ([]*models.ContextProvider, error)
	Update(ctx context.Context, id uuid.UUID, req UpdateProviderRequest) (*models.ContextProvider, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	Delete(ctx context.Context, id uuid.UUID) error

	// Query calls one provider. The envelope is returned even when the call fails.
	Query(ctx context.Context, id uuid.UUID, query string, callContext map[string]any) (*models.ProviderCallResult, error)
	// FanOut calls every active provider supporting domain concurrently and returns one
	// envelope per provider in registry order. A failing provider never affects the others.
	FanOut(ctx context.Context, domain, query string, callContext map[string]any) ([]*models.ProviderCallResult, error)

	CheckHealth(ctx context.Context, id uuid.UUID) (*models.HealthRecord, error)
	CheckAllHealth(ctx context.Context) ([]*models.HealthRecord, error)
	HealthHistory(ctx context.Context, id uuid.UUID, limit int) ([]*models.HealthRecord, error)
	HealthSummary(ctx context.Context, id uuid.UUID, window time.Duration) (*models.ProviderHealthSummary, error)

	// RunHealthMonitor probes all active providers every interval until ctx is done.
	RunHealthMonitor(ctx context.Context, interval time.Duration)
}

type contextProviderService struct {
	repo           repositories.ContextProviderRepository
	keys           *crypto.KeyEncryptor
	caller         ProviderCaller
	maxConcurrency int
	logger         *zap.Logger
}

// NewContextProviderService creates a new provider service. maxConcurrency bounds the
// number of in-flight calls per fan-out.
func NewContextProviderService(
	repo repositories.ContextProviderRepository,
	keys *crypto.KeyEncryptor,
	caller ProviderCaller,
	maxConcurrency int,
	logger *zap.Logger,
) ContextProviderService {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &contextProviderService{
		repo:           repo,
		keys:           keys,
		caller:         caller,
		maxConcurrency: maxConcurrency,
		logger:         logger.Named("context-providers"),
	}
}

var _ ContextProviderService = (*contextProviderService)(nil)

func (s *contextProviderService) Create(ctx context.Context, req CreateProviderRequest) (*models.ContextProvider, error) {
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	timeout := req.TimeoutSeconds
	if timeout == 0 {
		timeout = DefaultProviderTimeoutSeconds
	}

	p := &models.ContextProvider{
		ID:                 uuid.New(),
		Name:               strings.TrimSpace(req.Name),
		EndpointURL:        strings.TrimSpace(req.EndpointURL),
		AuthenticationType: req.AuthenticationType,
		IsActive:           active,
		TimeoutSeconds:     timeout,
		SupportedDomains:   req.SupportedDomains,
		Metadata:           req.Metadata,
	}
	if p.AuthenticationType == "" {
		p.AuthenticationType = models.AuthNone
	}
	if err := validateProvider(p); err != nil {
		return nil, err
	}
	if p.AuthenticationType.RequiresKey() && req.APIKey == "" {
		return nil, fmt.Errorf("api_key is required for %s authentication: %w", p.AuthenticationType, apperrors.ErrValidation)
	}

	sealed, err := s.keys.Seal(p.ID.String(), req.APIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt provider key: %w", err)
	}
	if err := s.repo.Create(ctx, p, sealed); err != nil {
		return nil, err
	}

	s.logger.Info("Context provider registered",
		zap.String("provider_id", p.ID.String()),
		zap.String("name", p.Name),
		zap.Bool("local", p.IsLocal()))
	return p, nil
}

func (s *contextProviderService) Get(ctx context.Context, id uuid.UUID) (*models.ContextProvider, error) {
	p, _, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperrors.ErrNotFound
	}
	return p, nil
}

func (s *contextProviderService) List(ctx context.Context) ([]*models.ContextProvider, error) {
	providers, _, err := s.repo.List(ctx)
	return providers, err
}

func (s *contextProviderService) ListActive(ctx context.Context, domain string) ([]*models.ContextProvider, error) {
	providers, _, err := s.repo.ListActive(ctx, domain)
	return providers, err
}

func (s *contextProviderService) Update(ctx context.Context, id uuid.UUID, req UpdateProviderRequest) (*models.ContextProvider, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		p.Name = strings.TrimSpace(*req.Name)
	}
	if req.EndpointURL != nil {
		p.EndpointURL = strings.TrimSpace(*req.EndpointURL)
	}
	if req.AuthenticationType != nil {
		p.AuthenticationType = *req.AuthenticationType
	}
	if req.TimeoutSeconds != nil {
		p.TimeoutSeconds = *req.TimeoutSeconds
	}
	if req.SupportedDomains != nil {
		p.SupportedDomains = req.SupportedDomains
	}
	if req.Metadata != nil {
		p.Metadata = *req.Metadata
	}
	if err := validateProvider(p); err != nil {
		return nil, err
	}

	var sealed string
	if req.APIKey != nil {
		sealed, err = s.keys.Seal(p.ID.String(), *req.APIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt provider key: %w", err)
		}
	}
	if err := s.repo.Update(ctx, p, sealed); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *contextProviderService) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return s.repo.SetActive(ctx, id, active)
}

func (s *contextProviderService) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Context provider deleted", zap.String("provider_id", id.String()))
	return nil
}

func (s *contextProviderService) Query(ctx context.Context, id uuid.UUID, query string, callContext map[string]any) (*models.ProviderCallResult, error) {
	p, sealed, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperrors.ErrNotFound
	}
	if err := s.unseal(p, sealed); err != nil {
		s.recordCredentialFailure(ctx, p)
		return credentialFailure(p), err
	}
	return s.caller.Call(ctx, p, query, callContext)
}

func (s *contextProviderService) FanOut(ctx context.Context, domain, query string, callContext map[string]any) ([]*models.ProviderCallResult, error) {
	if domain != "" && !models.KnowledgeDomain(domain).IsValid() {
		return nil, fmt.Errorf("unknown domain %q: %w", domain, apperrors.ErrValidation)
	}

	providers, sealedKeys, err := s.repo.ListActive(ctx, domain)
	if err != nil {
		return nil, err
	}

	results := make([]*models.ProviderCallResult, len(providers))
	var g errgroup.Group
	g.SetLimit(s.maxConcurrency)
	for i, p := range providers {
		g.Go(func() error {
			if err := s.unseal(p, sealedKeys[i]); err != nil {
				s.recordCredentialFailure(ctx, p)
				results[i] = credentialFailure(p)
				return nil
			}
			// The envelope carries the failure; the error is only for direct callers.
			results[i], _ = s.caller.Call(ctx, p, query, callContext)
			return nil
		})
	}
	_ = g.Wait()

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	s.logger.Debug("Provider fan-out completed",
		zap.String("domain", domain),
		zap.Int("providers", len(providers)),
		zap.Int("succeeded", succeeded))

	return results, nil
}

func (s *contextProviderService) CheckHealth(ctx context.Context, id uuid.UUID) (*models.HealthRecord, error) {
	p, sealed, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperrors.ErrNotFound
	}
	if err := s.unseal(p, sealed); err != nil {
		return s.recordCredentialFailure(ctx, p), nil
	}
	return s.caller.CheckHealth(ctx, p), nil
}

func (s *contextProviderService) CheckAllHealth(ctx context.Context) ([]*models.HealthRecord, error) {
	providers, sealedKeys, err := s.repo.ListActive(ctx, "")
	if err != nil {
		return nil, err
	}

	records := make([]*models.HealthRecord, len(providers))
	var g errgroup.Group
	g.SetLimit(s.maxConcurrency)
	for i, p := range providers {
		g.Go(func() error {
			if err := s.unseal(p, sealedKeys[i]); err != nil {
				records[i] = s.recordCredentialFailure(ctx, p)
				return nil
			}
			records[i] = s.caller.CheckHealth(ctx, p)
			return nil
		})
	}
	_ = g.Wait()
	return records, nil
}

func (s *contextProviderService) HealthHistory(ctx context.Context, id uuid.UUID, limit int) ([]*models.HealthRecord, error) {
	if limit <= 0 {
		limit = defaultHealthHistoryLimit
	}
	return s.repo.HealthHistory(ctx, id, limit)
}

func (s *contextProviderService) HealthSummary(ctx context.Context, id uuid.UUID, window time.Duration) (*models.ProviderHealthSummary, error) {
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive: %w", apperrors.ErrValidation)
	}
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.HealthSummary(ctx, id, time.Now().Add(-window))
}

func (s *contextProviderService) RunHealthMonitor(ctx context.Context, interval time.Duration) {
	go func() {
		s.logger.Info("Provider health monitor started", zap.Duration("interval", interval))

		s.runHealthSweep(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Provider health monitor stopped")
				return
			case <-ticker.C:
				s.runHealthSweep(ctx)
			}
		}
	}()
}

func (s *contextProviderService) runHealthSweep(ctx context.Context) {
	records, err := s.CheckAllHealth(ctx)
	if err != nil {
		s.logger.Error("Health monitor: failed to list providers", zap.Error(err))
		return
	}
	for _, r := range records {
		if r.Status != models.HealthHealthy {
			s.logger.Warn("Provider not healthy",
				zap.String("provider_id", r.ProviderID.String()),
				zap.String("status", string(r.Status)))
		}
	}
}

// unseal decrypts the stored credential into p.APIKey.
func (s *contextProviderService) unseal(p *models.ContextProvider, sealed string) error {
	key, err := s.keys.Open(p.ID.String(), sealed)
	if err != nil {
		s.logger.Error("Failed to decrypt provider credential",
			zap.String("provider_id", p.ID.String()),
			zap.Error(err))
		return fmt.Errorf("provider %s credential: %w", p.Name, err)
	}
	p.APIKey = key
	return nil
}

// recordCredentialFailure appends a down record for a provider that could not be
// called because its key would not decrypt. Insert failures are logged.
func (s *contextProviderService) recordCredentialFailure(ctx context.Context, p *models.ContextProvider) *models.HealthRecord {
	msg := errCredentialUnavailable
	record := &models.HealthRecord{
		ProviderID:   p.ID,
		Status:       models.HealthDown,
		ErrorMessage: &msg,
		CheckedAt:    time.Now(),
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), healthWriteTimeout)
	defer cancel()
	if err := s.repo.RecordHealth(writeCtx, record); err != nil {
		s.logger.Error("Failed to record provider health",
			zap.String("provider_id", p.ID.String()),
			zap.Error(err))
	}
	return record
}

func credentialFailure(p *models.ContextProvider) *models.ProviderCallResult {
	return &models.ProviderCallResult{
		ProviderID:   p.ID,
		ProviderName: p.Name,
		Success:      false,
		Error:        errCredentialUnavailable,
	}
}

func validateProvider(p *models.ContextProvider) error {
	if p.Name == "" {
		return fmt.Errorf("name is required: %w", apperrors.ErrValidation)
	}
	if !p.AuthenticationType.IsValid() {
		return fmt.Errorf("unknown authentication type %q: %w", p.AuthenticationType, apperrors.ErrValidation)
	}
	if p.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be positive: %w", apperrors.ErrValidation)
	}
	if !p.IsLocal() {
		u, err := url.Parse(p.EndpointURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("endpoint_url must be an http(s) URL or %q: %w", models.LocalTransportEndpoint, apperrors.ErrValidation)
		}
	}
	for _, d := range p.SupportedDomains {
		if !models.KnowledgeDomain(d).IsValid() {
			return fmt.Errorf("unknown supported domain %q: %w", d, apperrors.ErrValidation)
		}
	}

	p.Metadata.Normalize(p.EndpointURL)
	if err := p.Metadata.Validate(p.EndpointURL); err != nil {
		return fmt.Errorf("metadata: %s: %w", err.Error(), apperrors.ErrValidation)
	}
	return nil
}
