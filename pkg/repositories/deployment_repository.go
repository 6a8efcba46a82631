package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/database"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/models"
)

// DeploymentRepository provides data access for versioned deployments.
//
// Activate, Deactivate and Archive lock the owner's row in engine_deployment_owners
// before touching any deployment, so lifecycle transitions for one owner serialize
// while different owners proceed independently.
type DeploymentRepository interface {
	// Create inserts a new lineage head (version 1).
	Create(ctx context.Context, d *models.Deployment) error
	// CreateVersion inserts d with the next version number of its owner+name lineage.
	CreateVersion(ctx context.Context, d *models.Deployment) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Deployment, error)
	GetActive(ctx context.Context, userID string) (*models.Deployment, error)
	ListByOwner(ctx context.Context, userID string, status *models.DeploymentStatus) ([]*models.Deployment, error)
	ListByName(ctx context.Context, userID, name string) ([]*models.Deployment, error)
	UpdateDraft(ctx context.Context, d *models.Deployment) error
	SetEnabled(ctx context.Context, userID string, id uuid.UUID, enabled bool) (*models.Deployment, error)
	Activate(ctx context.Context, userID string, id uuid.UUID) (*models.Deployment, error)
	Deactivate(ctx context.Context, userID string, id uuid.UUID) (*models.Deployment, error)
	Archive(ctx context.Context, userID string, id uuid.UUID) (*models.Deployment, error)
	Delete(ctx context.Context, id uuid.UUID) error
	SummarizeByStatus(ctx context.Context, userID string) ([]*models.DeploymentStatusSummary, error)
}

type deploymentRepository struct {
	db *database.DB
}

// NewDeploymentRepository creates a new DeploymentRepository.
func NewDeploymentRepository(db *database.DB) DeploymentRepository {
	return &deploymentRepository{db: db}
}

var _ DeploymentRepository = (*deploymentRepository)(nil)

const deploymentColumns = `
	id, user_id, name, version, configuration,
	knowledge_base_snapshot, mcp_servers_snapshot, model_config,
	deployment_status, is_active, is_enabled, parent_deployment_id, changelog,
	total_conversations, total_tokens_used, avg_confidence_score,
	created_at, updated_at, deployed_at, archived_at`

func (r *deploymentRepository) Create(ctx context.Context, d *models.Deployment) error {
	d.Version = 1
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		return insertDeployment(ctx, tx, d)
	})
}

func (r *deploymentRepository) CreateVersion(ctx context.Context, d *models.Deployment) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		// Serializes version allocation per lineage for the rest of the transaction.
		if _, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1 || '/' || $2, 0))`,
			d.UserID, d.Name); err != nil {
			return fmt.Errorf("failed to lock deployment lineage: %w", err)
		}

		var next int
		err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(version), 0) + 1
			FROM engine_deployments
			WHERE user_id = $1 AND name = $2`, d.UserID, d.Name).Scan(&next)
		if err != nil {
			return fmt.Errorf("failed to compute next version: %w", err)
		}

		d.Version = next
		return insertDeployment(ctx, tx, d)
	})
}

func insertDeployment(ctx context.Context, q database.Querier, d *models.Deployment) error {
	now := time.Now()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.CreatedAt = now
	d.UpdatedAt = now
	d.DeploymentStatus = models.DeploymentStatusDraft
	d.IsActive = false

	configJSON, err := json.Marshal(d.Configuration)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	query := `
		INSERT INTO engine_deployments (
			id, user_id, name, version, configuration,
			knowledge_base_snapshot, mcp_servers_snapshot, model_config,
			deployment_status, is_active, is_enabled, parent_deployment_id, changelog,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err = q.Exec(ctx, query,
		d.ID, d.UserID, d.Name, d.Version, configJSON,
		nullableJSON(d.KnowledgeBaseSnapshot), nullableJSON(d.MCPServersSnapshot), nullableJSON(d.ModelConfig),
		d.DeploymentStatus, d.IsActive, d.IsEnabled, d.ParentDeploymentID, d.Changelog,
		d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		if database.IsForeignKeyViolation(err) {
			return fmt.Errorf("parent deployment: %w", apperrors.ErrNotFound)
		}
		return fmt.Errorf("failed to create deployment: %w", err)
	}
	return nil
}

func (r *deploymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM engine_deployments WHERE id = $1`

	d, err := scanDeployment(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return d, nil
}

func (r *deploymentRepository) GetActive(ctx context.Context, userID string) (*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM engine_deployments WHERE user_id = $1 AND is_active`

	d, err := scanDeployment(r.db.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // No active deployment
		}
		return nil, err
	}
	return d, nil
}

func (r *deploymentRepository) ListByOwner(ctx context.Context, userID string, status *models.DeploymentStatus) ([]*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + `
		FROM engine_deployments
		WHERE user_id = $1 AND ($2::text IS NULL OR deployment_status = $2)
		ORDER BY name, version DESC`

	var statusArg *string
	if status != nil {
		s := string(*status)
		statusArg = &s
	}

	rows, err := r.db.Query(ctx, query, userID, statusArg)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	return collectDeployments(rows)
}

func (r *deploymentRepository) ListByName(ctx context.Context, userID, name string) ([]*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + `
		FROM engine_deployments
		WHERE user_id = $1 AND name = $2
		ORDER BY version DESC, created_at DESC`

	rows, err := r.db.Query(ctx, query, userID, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployment versions: %w", err)
	}
	return collectDeployments(rows)
}

// UpdateDraft rewrites the editable fields of a draft. Deployments that have left
// draft are immutable and yield ErrInvariantViolation.
func (r *deploymentRepository) UpdateDraft(ctx context.Context, d *models.Deployment) error {
	configJSON, err := json.Marshal(d.Configuration)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	d.UpdatedAt = time.Now()
	query := `
		UPDATE engine_deployments
		SET configuration = $3, knowledge_base_snapshot = $4, mcp_servers_snapshot = $5,
		    model_config = $6, changelog = $7, updated_at = $8
		WHERE id = $1 AND user_id = $2 AND deployment_status = 'draft'`

	result, err := r.db.Exec(ctx, query,
		d.ID, d.UserID, configJSON,
		nullableJSON(d.KnowledgeBaseSnapshot), nullableJSON(d.MCPServersSnapshot), nullableJSON(d.ModelConfig),
		d.Changelog, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update deployment: %w", err)
	}
	if result.RowsAffected() == 0 {
		existing, err := r.GetByID(ctx, d.ID)
		if err != nil {
			return err
		}
		if existing == nil || existing.UserID != d.UserID {
			return apperrors.ErrNotFound
		}
		return fmt.Errorf("deployment %s is %s: %w", d.ID, existing.DeploymentStatus, apperrors.ErrInvariantViolation)
	}
	return nil
}

func (r *deploymentRepository) SetEnabled(ctx context.Context, userID string, id uuid.UUID, enabled bool) (*models.Deployment, error) {
	query := `
		UPDATE engine_deployments SET is_enabled = $3, updated_at = now()
		WHERE id = $1 AND user_id = $2
		RETURNING ` + deploymentColumns

	d, err := scanDeployment(r.db.QueryRow(ctx, query, id, userID, enabled))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// Activate makes id the single active deployment of userID in one transaction:
// the owner row is locked, every other active row is cleared, the target is flagged,
// and the owner's active index is swapped.
func (r *deploymentRepository) Activate(ctx context.Context, userID string, id uuid.UUID) (*models.Deployment, error) {
	var activated *models.Deployment
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := lockOwner(ctx, tx, userID); err != nil {
			return err
		}

		target, err := lockOwnedDeployment(ctx, tx, userID, id)
		if err != nil {
			return err
		}
		if target.DeploymentStatus == models.DeploymentStatusArchived {
			return fmt.Errorf("cannot activate archived deployment %s: %w", id, apperrors.ErrInvariantViolation)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE engine_deployments SET is_active = false, updated_at = now()
			WHERE user_id = $1 AND is_active AND id <> $2`, userID, id); err != nil {
			return fmt.Errorf("failed to deactivate prior deployments: %w", err)
		}

		activated, err = scanDeployment(tx.QueryRow(ctx, `
			UPDATE engine_deployments
			SET is_active = true, deployment_status = 'active', deployed_at = now(), updated_at = now()
			WHERE id = $1
			RETURNING `+deploymentColumns, id))
		if err != nil {
			if database.IsUniqueViolation(err) {
				return fmt.Errorf("concurrent activation for owner: %w", apperrors.ErrConflict)
			}
			return fmt.Errorf("failed to activate deployment: %w", err)
		}

		return setOwnerIndex(ctx, tx, userID, &id)
	})
	if err != nil {
		return nil, err
	}
	return activated, nil
}

// Deactivate clears the active flag on id, leaving the owner with no active deployment.
// It is a no-op for deployments that are not active.
func (r *deploymentRepository) Deactivate(ctx context.Context, userID string, id uuid.UUID) (*models.Deployment, error) {
	var result *models.Deployment
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := lockOwner(ctx, tx, userID); err != nil {
			return err
		}

		target, err := lockOwnedDeployment(ctx, tx, userID, id)
		if err != nil {
			return err
		}
		if !target.IsActive {
			result = target
			return nil
		}

		result, err = scanDeployment(tx.QueryRow(ctx, `
			UPDATE engine_deployments SET is_active = false, updated_at = now()
			WHERE id = $1
			RETURNING `+deploymentColumns, id))
		if err != nil {
			return fmt.Errorf("failed to deactivate deployment: %w", err)
		}

		return setOwnerIndex(ctx, tx, userID, nil)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Archive retires id. The currently active deployment cannot be archived.
// Archiving an archived deployment returns it unchanged.
func (r *deploymentRepository) Archive(ctx context.Context, userID string, id uuid.UUID) (*models.Deployment, error) {
	var result *models.Deployment
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := lockOwner(ctx, tx, userID); err != nil {
			return err
		}

		target, err := lockOwnedDeployment(ctx, tx, userID, id)
		if err != nil {
			return err
		}
		if target.IsActive {
			return fmt.Errorf("cannot archive active deployment %s: %w", id, apperrors.ErrInvariantViolation)
		}
		if target.DeploymentStatus == models.DeploymentStatusArchived {
			result = target
			return nil
		}

		result, err = scanDeployment(tx.QueryRow(ctx, `
			UPDATE engine_deployments
			SET deployment_status = 'archived', archived_at = now(), updated_at = now()
			WHERE id = $1
			RETURNING `+deploymentColumns, id))
		if err != nil {
			return fmt.Errorf("failed to archive deployment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Delete removes a deployment unconditionally. Children keep existing with a
// cleared parent link; the lineage is not re-stitched.
//
// The owner row is locked before the deployment row, the same order Activate uses,
// since deleting the active deployment also clears the owner's index.
func (r *deploymentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		var userID string
		err := tx.QueryRow(ctx, `SELECT user_id FROM engine_deployments WHERE id = $1`, id).Scan(&userID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperrors.ErrNotFound
			}
			return fmt.Errorf("failed to look up deployment owner: %w", err)
		}
		if _, err := lockOwner(ctx, tx, userID); err != nil {
			return err
		}

		result, err := tx.Exec(ctx, `DELETE FROM engine_deployments WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to delete deployment: %w", err)
		}
		if result.RowsAffected() == 0 {
			return apperrors.ErrNotFound
		}
		return nil
	})
}

func (r *deploymentRepository) SummarizeByStatus(ctx context.Context, userID string) ([]*models.DeploymentStatusSummary, error) {
	query := `
		SELECT deployment_status,
		       COUNT(*),
		       COALESCE(SUM(total_conversations), 0)::bigint,
		       COALESCE(SUM(total_tokens_used), 0)::bigint,
		       COALESCE(SUM(avg_confidence_score * total_conversations) / NULLIF(SUM(total_conversations), 0), 0)
		FROM engine_deployments
		WHERE user_id = $1
		GROUP BY deployment_status
		ORDER BY deployment_status`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize deployments: %w", err)
	}
	defer rows.Close()

	summaries := make([]*models.DeploymentStatusSummary, 0)
	for rows.Next() {
		var s models.DeploymentStatusSummary
		if err := rows.Scan(&s.DeploymentStatus, &s.Deployments, &s.TotalConversations,
			&s.TotalTokensUsed, &s.AvgConfidenceScore); err != nil {
			return nil, fmt.Errorf("failed to scan deployment summary: %w", err)
		}
		summaries = append(summaries, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployment summaries: %w", err)
	}
	return summaries, nil
}

// ============================================================================
// Helper Functions - Owner Partition
// ============================================================================

// lockOwner takes the row lock on the owner's partition, creating the row on first use.
// It returns the currently indexed active deployment.
func lockOwner(ctx context.Context, tx pgx.Tx, userID string) (*uuid.UUID, error) {
	var active *uuid.UUID
	err := tx.QueryRow(ctx, `
		INSERT INTO engine_deployment_owners (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING active_deployment_id`, userID).Scan(&active)
	if err != nil {
		return nil, fmt.Errorf("failed to lock deployment owner: %w", err)
	}
	return active, nil
}

func setOwnerIndex(ctx context.Context, tx pgx.Tx, userID string, active *uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE engine_deployment_owners SET active_deployment_id = $2, updated_at = now()
		WHERE user_id = $1`, userID, active)
	if err != nil {
		return fmt.Errorf("failed to update active deployment index: %w", err)
	}
	return nil
}

// lockOwnedDeployment loads id for update. Deployments owned by someone else are
// reported as not found.
func lockOwnedDeployment(ctx context.Context, tx pgx.Tx, userID string, id uuid.UUID) (*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + `
		FROM engine_deployments
		WHERE id = $1 AND user_id = $2
		FOR UPDATE`

	d, err := scanDeployment(tx.QueryRow(ctx, query, id, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("deployment %s: %w", id, apperrors.ErrNotFound)
		}
		return nil, err
	}
	return d, nil
}

// ============================================================================
// Helper Functions - Scan
// ============================================================================

func scanDeployment(row pgx.Row) (*models.Deployment, error) {
	var d models.Deployment
	var configJSON, kbJSON, mcpJSON, modelJSON []byte

	err := row.Scan(
		&d.ID, &d.UserID, &d.Name, &d.Version, &configJSON,
		&kbJSON, &mcpJSON, &modelJSON,
		&d.DeploymentStatus, &d.IsActive, &d.IsEnabled, &d.ParentDeploymentID, &d.Changelog,
		&d.TotalConversations, &d.TotalTokensUsed, &d.AvgConfidenceScore,
		&d.CreatedAt, &d.UpdatedAt, &d.DeployedAt, &d.ArchivedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan deployment: %w", err)
	}

	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &d.Configuration); err != nil {
			return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
		}
	}
	d.KnowledgeBaseSnapshot = kbJSON
	d.MCPServersSnapshot = mcpJSON
	d.ModelConfig = modelJSON

	return &d, nil
}

func collectDeployments(rows pgx.Rows) ([]*models.Deployment, error) {
	defer rows.Close()

	deployments := make([]*models.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}
	return deployments, nil
}

// nullableJSON maps an empty raw message to SQL NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
