package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/models"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/repositories"
)

// Result limits for search and ranking.
const (
	DefaultSearchLimit = 10
	MaxSearchLimit     = 100
)

// SearchRequest is a domain-scoped knowledge query.
type SearchRequest struct {
	Domain      models.KnowledgeDomain `json:"domain"`
	Query       string                 `json:"query"`
	ContentType *models.ContentType    `json:"content_type,omitempty"`
	Limit       int                    `json:"limit,omitempty"`

	// When UseCase is set, every returned item is recorded as used.
	UseCase   string  `json:"use_case,omitempty"`
	SessionID *string `json:"session_id,omitempty"`
	UserID    *string `json:"user_id,omitempty"`
}

// RecordUsageRequest reports that a retrieved item was used.
type RecordUsageRequest struct {
	KnowledgeID uuid.UUID              `json:"knowledge_id"`
	Domain      models.KnowledgeDomain `json:"domain"`
	UseCase     string                 `json:"use_case"`
	SessionID   *string                `json:"session_id,omitempty"`
	UserID      *string                `json:"user_id,omitempty"`
	QueryText   *string                `json:"query_text,omitempty"`
	WasHelpful  *bool                  `json:"was_helpful,omitempty"`
}

// CreateKnowledgeItemRequest adds an item to the store. QualityScore defaults to
// models.DefaultQualityScore.
type CreateKnowledgeItemRequest struct {
	Title        string                 `json:"title"`
	Description  string                 `json:"description"`
	Domain       models.KnowledgeDomain `json:"domain"`
	ContentType  models.ContentType     `json:"content_type"`
	QualityScore *float64               `json:"quality_score,omitempty"`
	Metadata     map[string]any         `json:"metadata,omitempty"`
	IsApproved   bool                   `json:"is_approved"`
}

// UpdateKnowledgeItemRequest edits curated fields. The domain can never change.
type UpdateKnowledgeItemRequest struct {
	Title        *string             `json:"title,omitempty"`
	Description  *string             `json:"description,omitempty"`
	ContentType  *models.ContentType `json:"content_type,omitempty"`
	QualityScore *float64            `json:"quality_score,omitempty"`
	Metadata     map[string]any      `json:"metadata,omitempty"`
}

// KnowledgeService provides retrieval and curation over the domain-partitioned knowledge store.
type KnowledgeService interface {
	// Search returns approved items of exactly one domain, best match first.
	// An empty result is an empty slice.
	Search(ctx context.Context, req SearchRequest) ([]*models.KnowledgeItem, error)

	// RecordUsage appends a usage event and increments the item's usage count.
	// Invalid requests are rejected; store failures are logged and not returned.
	RecordUsage(ctx context.Context, req RecordUsageRequest) error

	TopPerforming(ctx context.Context, domain models.KnowledgeDomain, limit int) ([]*models.KnowledgeItem, error)
	DomainStats(ctx context.Context, domain models.KnowledgeDomain) (*models.KnowledgeDomainStats, error)

	CreateItem(ctx context.Context, req CreateKnowledgeItemRequest) (*models.KnowledgeItem, error)
	GetItem(ctx context.Context, id uuid.UUID) (*models.KnowledgeItem, error)
	UpdateItem(ctx context.Context, id uuid.UUID, req UpdateKnowledgeItemRequest) (*models.KnowledgeItem, error)
	SetApproved(ctx context.Context, id uuid.UUID, approved bool) error
	DeleteItem(ctx context.Context, id uuid.UUID) error
}

type knowledgeService struct {
	repo   repositories.KnowledgeRepository
	logger *zap.Logger
}

// NewKnowledgeService creates a new knowledge service.
func NewKnowledgeService(repo repositories.KnowledgeRepository, logger *zap.Logger) KnowledgeService {
	return &knowledgeService{
		repo:   repo,
		logger: logger.Named("knowledge"),
	}
}

var _ KnowledgeService = (*knowledgeService)(nil)

func (s *knowledgeService) Search(ctx context.Context, req SearchRequest) ([]*models.KnowledgeItem, error) {
	if !req.Domain.IsValid() {
		return nil, fmt.Errorf("unknown domain %q: %w", req.Domain, apperrors.ErrValidation)
	}
	if req.ContentType != nil && !req.ContentType.IsValid() {
		return nil, fmt.Errorf("unknown content type %q: %w", *req.ContentType, apperrors.ErrValidation)
	}
	limit, err := clampLimit(req.Limit)
	if err != nil {
		return nil, err
	}

	query := strings.TrimSpace(req.Query)
	items, err := s.repo.Search(ctx, repositories.KnowledgeSearchParams{
		Domain:      req.Domain,
		Query:       query,
		ContentType: req.ContentType,
		Limit:       limit,
	})
	if err != nil {
		s.logger.Error("Knowledge search failed",
			zap.String("domain", string(req.Domain)),
			zap.Error(err))
		return nil, err
	}

	s.logger.Debug("Knowledge search",
		zap.String("domain", string(req.Domain)),
		zap.Int("results", len(items)))

	if req.UseCase != "" {
		var queryText *string
		if query != "" {
			queryText = &query
		}
		for _, item := range items {
			_ = s.RecordUsage(ctx, RecordUsageRequest{
				KnowledgeID: item.ID,
				Domain:      item.Domain,
				UseCase:     req.UseCase,
				SessionID:   req.SessionID,
				UserID:      req.UserID,
				QueryText:   queryText,
			})
		}
	}

	return items, nil
}

func (s *knowledgeService) RecordUsage(ctx context.Context, req RecordUsageRequest) error {
	if req.KnowledgeID == uuid.Nil {
		return fmt.Errorf("knowledge_id is required: %w", apperrors.ErrValidation)
	}
	if !req.Domain.IsValid() {
		return fmt.Errorf("unknown domain %q: %w", req.Domain, apperrors.ErrValidation)
	}
	if strings.TrimSpace(req.UseCase) == "" {
		return fmt.Errorf("use_case is required: %w", apperrors.ErrValidation)
	}

	err := s.repo.RecordUsage(ctx, &models.KnowledgeUsageEvent{
		KnowledgeID: req.KnowledgeID,
		Domain:      req.Domain,
		UseCase:     req.UseCase,
		SessionID:   req.SessionID,
		UserID:      req.UserID,
		QueryText:   req.QueryText,
		WasHelpful:  req.WasHelpful,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperrors.ErrValidation), errors.Is(err, apperrors.ErrNotFound):
		return err
	default:
		s.logger.Warn("Failed to record knowledge usage",
			zap.String("knowledge_id", req.KnowledgeID.String()),
			zap.String("use_case", req.UseCase),
			zap.Error(err))
		return nil
	}
}

func (s *knowledgeService) TopPerforming(ctx context.Context, domain models.KnowledgeDomain, limit int) ([]*models.KnowledgeItem, error) {
	if !domain.IsValid() {
		return nil, fmt.Errorf("unknown domain %q: %w", domain, apperrors.ErrValidation)
	}
	limit, err := clampLimit(limit)
	if err != nil {
		return nil, err
	}
	return s.repo.TopPerforming(ctx, domain, limit)
}

func (s *knowledgeService) DomainStats(ctx context.Context, domain models.KnowledgeDomain) (*models.KnowledgeDomainStats, error) {
	if !domain.IsValid() {
		return nil, fmt.Errorf("unknown domain %q: %w", domain, apperrors.ErrValidation)
	}
	return s.repo.DomainStats(ctx, domain)
}

func (s *knowledgeService) CreateItem(ctx context.Context, req CreateKnowledgeItemRequest) (*models.KnowledgeItem, error) {
	item := &models.KnowledgeItem{
		Title:        strings.TrimSpace(req.Title),
		Description:  req.Description,
		Domain:       req.Domain,
		ContentType:  req.ContentType,
		QualityScore: models.DefaultQualityScore,
		Metadata:     req.Metadata,
		IsApproved:   req.IsApproved,
	}
	if req.QualityScore != nil {
		item.QualityScore = *req.QualityScore
	}
	if err := validateKnowledgeItem(item); err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, item); err != nil {
		s.logger.Error("Failed to create knowledge item",
			zap.String("domain", string(item.Domain)),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("Knowledge item created",
		zap.String("knowledge_id", item.ID.String()),
		zap.String("domain", string(item.Domain)))
	return item, nil
}

func (s *knowledgeService) GetItem(ctx context.Context, id uuid.UUID) (*models.KnowledgeItem, error) {
	item, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, apperrors.ErrNotFound
	}
	return item, nil
}

func (s *knowledgeService) UpdateItem(ctx context.Context, id uuid.UUID, req UpdateKnowledgeItemRequest) (*models.KnowledgeItem, error) {
	item, err := s.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Title != nil {
		item.Title = strings.TrimSpace(*req.Title)
	}
	if req.Description != nil {
		item.Description = *req.Description
	}
	if req.ContentType != nil {
		item.ContentType = *req.ContentType
	}
	if req.QualityScore != nil {
		item.QualityScore = *req.QualityScore
	}
	if req.Metadata != nil {
		item.Metadata = req.Metadata
	}
	if err := validateKnowledgeItem(item); err != nil {
		return nil, err
	}

	if err := s.repo.Update(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

func (s *knowledgeService) SetApproved(ctx context.Context, id uuid.UUID, approved bool) error {
	if err := s.repo.SetApproved(ctx, id, approved); err != nil {
		return err
	}
	s.logger.Info("Knowledge item approval changed",
		zap.String("knowledge_id", id.String()),
		zap.Bool("approved", approved))
	return nil
}

func (s *knowledgeService) DeleteItem(ctx context.Context, id uuid.UUID) error {
	return s.repo.Delete(ctx, id)
}

func validateKnowledgeItem(item *models.KnowledgeItem) error {
	if item.Title == "" {
		return fmt.Errorf("title is required: %w", apperrors.ErrValidation)
	}
	if !item.Domain.IsValid() {
		return fmt.Errorf("unknown domain %q: %w", item.Domain, apperrors.ErrValidation)
	}
	if !item.ContentType.IsValid() {
		return fmt.Errorf("unknown content type %q: %w", item.ContentType, apperrors.ErrValidation)
	}
	if item.QualityScore < models.MinQualityScore || item.QualityScore > models.MaxQualityScore {
		return fmt.Errorf("quality_score must be between %.0f and %.0f: %w",
			models.MinQualityScore, models.MaxQualityScore, apperrors.ErrValidation)
	}
	return nil
}

// clampLimit applies the default for zero and caps at MaxSearchLimit.
func clampLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, fmt.Errorf("limit must not be negative: %w", apperrors.ErrValidation)
	case limit == 0:
		return DefaultSearchLimit, nil
	case limit > MaxSearchLimit:
		return MaxSearchLimit, nil
	default:
		return limit, nil
	}
}
