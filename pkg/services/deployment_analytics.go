package services

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/models"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/repositories"
)

// MetricsSortField selects the ordering of ListMetrics.
type MetricsSortField string

const (
	SortByConversations MetricsSortField = "conversations"
	SortByTokens        MetricsSortField = "tokens"
	SortByConfidence    MetricsSortField = "confidence"
	SortByVersion       MetricsSortField = "version"
)

// IsValid returns true if f is a known sort field.
func (f MetricsSortField) IsValid() bool {
	switch f {
	case SortByConversations, SortByTokens, SortByConfidence, SortByVersion:
		return true
	default:
		return false
	}
}

// DeploymentAnalyticsService reads the usage counters maintained on deployments.
type DeploymentAnalyticsService interface {
	GetMetrics(ctx context.Context, ownerID string, deploymentID uuid.UUID) (*models.DeploymentMetrics, error)
	// ListMetrics returns one snapshot per deployment of the owner. An empty sortBy
	// means conversations.
	ListMetrics(ctx context.Context, ownerID string, sortBy MetricsSortField, desc bool) ([]models.DeploymentMetrics, error)
	Summary(ctx context.Context, ownerID string) ([]*models.DeploymentStatusSummary, error)
}

type deploymentAnalyticsService struct {
	repo   repositories.DeploymentRepository
	logger *zap.Logger
}

// NewDeploymentAnalyticsService creates a new analytics service.
func NewDeploymentAnalyticsService(repo repositories.DeploymentRepository, logger *zap.Logger) DeploymentAnalyticsService {
	return &deploymentAnalyticsService{
		repo:   repo,
		logger: logger.Named("deployment-analytics"),
	}
}

var _ DeploymentAnalyticsService = (*deploymentAnalyticsService)(nil)

func (s *deploymentAnalyticsService) GetMetrics(ctx context.Context, ownerID string, deploymentID uuid.UUID) (*models.DeploymentMetrics, error) {
	d, err := s.repo.GetByID(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if d == nil || d.UserID != ownerID {
		return nil, apperrors.ErrNotFound
	}
	m := models.MetricsFromDeployment(d)
	return &m, nil
}

func (s *deploymentAnalyticsService) ListMetrics(ctx context.Context, ownerID string, sortBy MetricsSortField, desc bool) ([]models.DeploymentMetrics, error) {
	if sortBy == "" {
		sortBy = SortByConversations
	}
	if !sortBy.IsValid() {
		return nil, fmt.Errorf("unknown sort field %q: %w", sortBy, apperrors.ErrValidation)
	}

	deployments, err := s.repo.ListByOwner(ctx, ownerID, nil)
	if err != nil {
		s.logger.Error("Failed to list deployments for metrics",
			zap.String("user_id", ownerID),
			zap.Error(err))
		return nil, err
	}

	metrics := make([]models.DeploymentMetrics, 0, len(deployments))
	for _, d := range deployments {
		metrics = append(metrics, models.MetricsFromDeployment(d))
	}

	less := metricsLess(sortBy)
	sort.SliceStable(metrics, func(i, j int) bool {
		if desc {
			return less(metrics[j], metrics[i])
		}
		return less(metrics[i], metrics[j])
	})
	return metrics, nil
}

func (s *deploymentAnalyticsService) Summary(ctx context.Context, ownerID string) ([]*models.DeploymentStatusSummary, error) {
	return s.repo.SummarizeByStatus(ctx, ownerID)
}

func metricsLess(field MetricsSortField) func(a, b models.DeploymentMetrics) bool {
	switch field {
	case SortByTokens:
		return func(a, b models.DeploymentMetrics) bool { return a.TotalTokensUsed < b.TotalTokensUsed }
	case SortByConfidence:
		return func(a, b models.DeploymentMetrics) bool { return a.AvgConfidenceScore < b.AvgConfidenceScore }
	case SortByVersion:
		return func(a, b models.DeploymentMetrics) bool {
			if a.Name != b.Name {
				return a.Name < b.Name
			}
			return a.Version < b.Version
		}
	default:
		return func(a, b models.DeploymentMetrics) bool { return a.TotalConversations < b.TotalConversations }
	}
}
