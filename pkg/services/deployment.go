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
	"github.com/ekaya-inc/ekaya-agent-core/pkg/notify"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/repositories"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/retry"
)

// CreateDeploymentRequest starts a new lineage.
type CreateDeploymentRequest struct {
	Name          string                         `json:"name"`
	Configuration models.DeploymentConfiguration `json:"configuration"`
	Snapshots     models.DeploymentSnapshots     `json:"snapshots"`
	Changelog     *string                        `json:"changelog,omitempty"`
	// IsEnabled defaults to true when omitted.
	IsEnabled *bool `json:"is_enabled,omitempty"`
}

// CreateVersionRequest derives a new version from a parent. Nil fields are copied from the parent.
type CreateVersionRequest struct {
	Name          string                          `json:"name,omitempty"`
	Configuration *models.DeploymentConfiguration `json:"configuration,omitempty"`
	Snapshots     *models.DeploymentSnapshots     `json:"snapshots,omitempty"`
	Changelog     *string                         `json:"changelog,omitempty"`
}

// UpdateDeploymentRequest edits a draft. Nil fields are left unchanged.
type UpdateDeploymentRequest struct {
	Configuration *models.DeploymentConfiguration `json:"configuration,omitempty"`
	Snapshots     *models.DeploymentSnapshots     `json:"snapshots,omitempty"`
	Changelog     *string                         `json:"changelog,omitempty"`
}

// DeploymentFilter narrows List results.
type DeploymentFilter struct {
	Status *models.DeploymentStatus
}

// DeploymentService manages versioned agent deployments. Every operation is scoped
// to the owner id supplied by the identity layer; other owners' deployments are NotFound.
type DeploymentService interface {
	Create(ctx context.Context, ownerID string, req CreateDeploymentRequest) (*models.Deployment, error)
	Get(ctx context.Context, ownerID string, id uuid.UUID) (*models.Deployment, error)
	List(ctx context.Context, ownerID string, filter DeploymentFilter) ([]*models.Deployment, error)
	UpdateDraft(ctx context.Context, ownerID string, id uuid.UUID, req UpdateDeploymentRequest) (*models.Deployment, error)
	SetEnabled(ctx context.Context, ownerID string, id uuid.UUID, enabled bool) (*models.Deployment, error)

	// Activate makes id the owner's only active deployment.
	Activate(ctx context.Context, ownerID string, id uuid.UUID) (*models.Deployment, error)
	Deactivate(ctx context.Context, ownerID string, id uuid.UUID) (*models.Deployment, error)
	// CreateVersion adds the next version of the parent's lineage as a draft. It never activates.
	CreateVersion(ctx context.Context, ownerID string, parentID uuid.UUID, req CreateVersionRequest) (*models.Deployment, error)
	Archive(ctx context.Context, ownerID string, id uuid.UUID) (*models.Deployment, error)
	// Clone starts a new lineage from an existing deployment's configuration.
	Clone(ctx context.Context, ownerID string, sourceID uuid.UUID, newName string) (*models.Deployment, error)

	// GetActive returns the owner's active deployment, or nil when there is none.
	GetActive(ctx context.Context, ownerID string) (*models.Deployment, error)
	// History returns every version named name, newest first.
	History(ctx context.Context, ownerID, name string) ([]*models.Deployment, error)

	// ResolveActive returns the deployment that should serve the owner's traffic, or nil.
	// An active deployment that has been disabled yields ErrDeploymentDisabled.
	ResolveActive(ctx context.Context, ownerID string) (*models.Deployment, error)
	// ResolveForInvocation returns id for direct invocation, refusing disabled deployments.
	ResolveForInvocation(ctx context.Context, ownerID string, id uuid.UUID) (*models.Deployment, error)

	// Delete removes a deployment unconditionally. Authorization is the caller's concern.
	Delete(ctx context.Context, id uuid.UUID) error
}

type deploymentService struct {
	repo     repositories.DeploymentRepository
	notifier notify.Notifier
	retryCfg *retry.Config
	logger   *zap.Logger
}

// NewDeploymentService creates a new deployment service. notifier may be nil.
func NewDeploymentService(repo repositories.DeploymentRepository, notifier notify.Notifier, logger *zap.Logger) DeploymentService {
	return &deploymentService{
		repo:     repo,
		notifier: notifier,
		retryCfg: retry.DefaultConfig(),
		logger:   logger.Named("deployments"),
	}
}

var _ DeploymentService = (*deploymentService)(nil)

func (s *deploymentService) Create(ctx context.Context, ownerID string, req CreateDeploymentRequest) (*models.Deployment, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("name is required: %w", apperrors.ErrValidation)
	}
	if err := req.Configuration.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", err.Error(), apperrors.ErrValidation)
	}

	enabled := true
	if req.IsEnabled != nil {
		enabled = *req.IsEnabled
	}

	d := &models.Deployment{
		UserID:                ownerID,
		Name:                  name,
		Configuration:         req.Configuration,
		KnowledgeBaseSnapshot: req.Snapshots.KnowledgeBase,
		MCPServersSnapshot:    req.Snapshots.MCPServers,
		ModelConfig:           req.Snapshots.ModelConfig,
		IsEnabled:             enabled,
		Changelog:             req.Changelog,
	}
	if err := s.repo.Create(ctx, d); err != nil {
		s.logger.Error("Failed to create deployment",
			zap.String("owner_id", ownerID),
			zap.String("name", name),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("Deployment created",
		zap.String("owner_id", ownerID),
		zap.String("deployment_id", d.ID.String()),
		zap.String("name", d.Name))
	s.emit(ctx, notify.EventDeploymentCreated, d)
	return d, nil
}

func (s *deploymentService) Get(ctx context.Context, ownerID string, id uuid.UUID) (*models.Deployment, error) {
	return s.getOwned(ctx, ownerID, id)
}

func (s *deploymentService) List(ctx context.Context, ownerID string, filter DeploymentFilter) ([]*models.Deployment, error) {
	if filter.Status != nil && !filter.Status.IsValid() {
		return nil, fmt.Errorf("unknown status %q: %w", *filter.Status, apperrors.ErrValidation)
	}
	return s.repo.ListByOwner(ctx, ownerID, filter.Status)
}

func (s *deploymentService) UpdateDraft(ctx context.Context, ownerID string, id uuid.UUID, req UpdateDeploymentRequest) (*models.Deployment, error) {
	d, err := s.getOwned(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	if req.Configuration != nil {
		if err := req.Configuration.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", err.Error(), apperrors.ErrValidation)
		}
		d.Configuration = *req.Configuration
	}
	if req.Snapshots != nil {
		applySnapshots(d, *req.Snapshots)
	}
	if req.Changelog != nil {
		d.Changelog = req.Changelog
	}

	if err := s.repo.UpdateDraft(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *deploymentService) SetEnabled(ctx context.Context, ownerID string, id uuid.UUID, enabled bool) (*models.Deployment, error) {
	d, err := s.repo.SetEnabled(ctx, ownerID, id, enabled)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Deployment kill-switch changed",
		zap.String("deployment_id", id.String()),
		zap.Bool("enabled", enabled))
	return d, nil
}

func (s *deploymentService) Activate(ctx context.Context, ownerID string, id uuid.UUID) (*models.Deployment, error) {
	var d *models.Deployment
	err := retry.DoIfRetryable(ctx, s.retryCfg, func() error {
		var err error
		d, err = s.repo.Activate(ctx, ownerID, id)
		return err
	})
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			s.logger.Error("Failed to activate deployment",
				zap.String("owner_id", ownerID),
				zap.String("deployment_id", id.String()),
				zap.Error(err))
		}
		return nil, err
	}

	s.logger.Info("Deployment activated",
		zap.String("owner_id", ownerID),
		zap.String("deployment_id", d.ID.String()),
		zap.String("name", d.Name),
		zap.Int("version", d.Version))
	s.emit(ctx, notify.EventDeploymentActivated, d)
	return d, nil
}

func (s *deploymentService) Deactivate(ctx context.Context, ownerID string, id uuid.UUID) (*models.Deployment, error) {
	d, err := s.repo.Deactivate(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, notify.EventDeploymentDeactivated, d)
	return d, nil
}

func (s *deploymentService) CreateVersion(ctx context.Context, ownerID string, parentID uuid.UUID, req CreateVersionRequest) (*models.Deployment, error) {
	parent, err := s.getOwned(ctx, ownerID, parentID)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = parent.Name
	}

	d := &models.Deployment{
		UserID:                ownerID,
		Name:                  name,
		Configuration:         parent.Configuration,
		KnowledgeBaseSnapshot: parent.KnowledgeBaseSnapshot,
		MCPServersSnapshot:    parent.MCPServersSnapshot,
		ModelConfig:           parent.ModelConfig,
		IsEnabled:             parent.IsEnabled,
		ParentDeploymentID:    &parent.ID,
		Changelog:             req.Changelog,
	}
	if req.Configuration != nil {
		d.Configuration = *req.Configuration
	}
	if err := d.Configuration.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", err.Error(), apperrors.ErrValidation)
	}
	if req.Snapshots != nil {
		applySnapshots(d, *req.Snapshots)
	}

	err = retry.DoIfRetryable(ctx, s.retryCfg, func() error {
		return s.repo.CreateVersion(ctx, d)
	})
	if err != nil {
		s.logger.Error("Failed to create deployment version",
			zap.String("owner_id", ownerID),
			zap.String("parent_id", parentID.String()),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("Deployment version created",
		zap.String("deployment_id", d.ID.String()),
		zap.String("name", d.Name),
		zap.Int("version", d.Version))
	s.emit(ctx, notify.EventDeploymentVersionCreated, d)
	return d, nil
}

func (s *deploymentService) Archive(ctx context.Context, ownerID string, id uuid.UUID) (*models.Deployment, error) {
	d, err := s.repo.Archive(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Deployment archived", zap.String("deployment_id", id.String()))
	s.emit(ctx, notify.EventDeploymentArchived, d)
	return d, nil
}

func (s *deploymentService) Clone(ctx context.Context, ownerID string, sourceID uuid.UUID, newName string) (*models.Deployment, error) {
	source, err := s.getOwned(ctx, ownerID, sourceID)
	if err != nil {
		return nil, err
	}

	snapshots := models.DeploymentSnapshots{
		KnowledgeBase: source.KnowledgeBaseSnapshot,
		MCPServers:    source.MCPServersSnapshot,
		ModelConfig:   source.ModelConfig,
	}
	changelog := fmt.Sprintf("Cloned from %s v%d", source.Name, source.Version)
	enabled := source.IsEnabled

	return s.Create(ctx, ownerID, CreateDeploymentRequest{
		Name:          newName,
		Configuration: source.Configuration,
		Snapshots:     snapshots,
		Changelog:     &changelog,
		IsEnabled:     &enabled,
	})
}

func (s *deploymentService) GetActive(ctx context.Context, ownerID string) (*models.Deployment, error) {
	return s.repo.GetActive(ctx, ownerID)
}

func (s *deploymentService) History(ctx context.Context, ownerID, name string) ([]*models.Deployment, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("name is required: %w", apperrors.ErrValidation)
	}
	return s.repo.ListByName(ctx, ownerID, name)
}

func (s *deploymentService) ResolveActive(ctx context.Context, ownerID string) (*models.Deployment, error) {
	d, err := s.repo.GetActive(ctx, ownerID)
	if err != nil || d == nil {
		return nil, err
	}
	if !d.IsEnabled {
		return nil, fmt.Errorf("deployment %s: %w", d.ID, apperrors.ErrDeploymentDisabled)
	}
	return d, nil
}

func (s *deploymentService) ResolveForInvocation(ctx context.Context, ownerID string, id uuid.UUID) (*models.Deployment, error) {
	d, err := s.getOwned(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if !d.IsEnabled {
		return nil, fmt.Errorf("deployment %s: %w", d.ID, apperrors.ErrDeploymentDisabled)
	}
	return d, nil
}

func (s *deploymentService) Delete(ctx context.Context, id uuid.UUID) error {
	existing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return apperrors.ErrNotFound
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}

	s.logger.Warn("Deployment deleted",
		zap.String("deployment_id", id.String()),
		zap.String("owner_id", existing.UserID),
		zap.String("name", existing.Name),
		zap.Int("version", existing.Version))
	s.emit(ctx, notify.EventDeploymentDeleted, existing)
	return nil
}

// getOwned loads id and hides deployments that belong to another owner.
func (s *deploymentService) getOwned(ctx context.Context, ownerID string, id uuid.UUID) (*models.Deployment, error) {
	d, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if d == nil || d.UserID != ownerID {
		return nil, apperrors.ErrNotFound
	}
	return d, nil
}

func (s *deploymentService) emit(ctx context.Context, eventType notify.EventType, d *models.Deployment) {
	notify.Dispatch(ctx, s.notifier, notify.Event{
		Type:         eventType,
		OwnerID:      d.UserID,
		DeploymentID: d.ID,
		Name:         d.Name,
		Version:      d.Version,
	}, s.logger)
}

func applySnapshots(d *models.Deployment, snapshots models.DeploymentSnapshots) {
	if snapshots.KnowledgeBase != nil {
		d.KnowledgeBaseSnapshot = snapshots.KnowledgeBase
	}
	if snapshots.MCPServers != nil {
		d.MCPServersSnapshot = snapshots.MCPServers
	}
	if snapshots.ModelConfig != nil {
		d.ModelConfig = snapshots.ModelConfig
	}
}
