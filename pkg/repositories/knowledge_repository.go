package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/database"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/models"
)

// KnowledgeSearchParams scopes a knowledge search. Domain is always required.
type KnowledgeSearchParams struct {
	Domain      models.KnowledgeDomain
	Query       string
	ContentType *models.ContentType
	Limit       int
}

// KnowledgeRepository provides data access for the unified knowledge store.
type KnowledgeRepository interface {
	Create(ctx context.Context, item *models.KnowledgeItem) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.KnowledgeItem, error)
	Update(ctx context.Context, item *models.KnowledgeItem) error
	SetApproved(ctx context.Context, id uuid.UUID, approved bool) error
	Delete(ctx context.Context, id uuid.UUID) error

	// Search returns approved items of one domain ranked by text relevance,
	// then quality score, then id.
	Search(ctx context.Context, params KnowledgeSearchParams) ([]*models.KnowledgeItem, error)
	TopPerforming(ctx context.Context, domain models.KnowledgeDomain, limit int) ([]*models.KnowledgeItem, error)
	DomainStats(ctx context.Context, domain models.KnowledgeDomain) (*models.KnowledgeDomainStats, error)

	// RecordUsage appends the usage event and increments usage_count in one transaction.
	RecordUsage(ctx context.Context, event *models.KnowledgeUsageEvent) error
}

type knowledgeRepository struct {
	db *database.DB
}

// NewKnowledgeRepository creates a new KnowledgeRepository.
func NewKnowledgeRepository(db *database.DB) KnowledgeRepository {
	return &knowledgeRepository{db: db}
}

var _ KnowledgeRepository = (*knowledgeRepository)(nil)

const knowledgeColumns = `
	k.id, k.title, k.description, k.domain, k.content_type, k.quality_score,
	k.usage_count, k.positive_feedback_count, k.negative_feedback_count, k.feedback_ratio,
	k.metadata, k.is_approved, k.created_at, k.updated_at`

func (r *knowledgeRepository) Create(ctx context.Context, item *models.KnowledgeItem) error {
	now := time.Now()
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	item.CreatedAt = now
	item.UpdatedAt = now
	item.UsageCount = 0
	item.PositiveFeedbackCount = 0
	item.NegativeFeedbackCount = 0
	item.FeedbackRatio = 0

	metadataJSON, err := marshalMetadata(item.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO engine_knowledge_items (
			id, title, description, domain, content_type, quality_score,
			metadata, is_approved, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = r.db.Exec(ctx, query,
		item.ID, item.Title, item.Description, item.Domain, item.ContentType, item.QualityScore,
		metadataJSON, item.IsApproved, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create knowledge item: %w", err)
	}
	return nil
}

func (r *knowledgeRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.KnowledgeItem, error) {
	query := `SELECT ` + knowledgeColumns + ` FROM engine_knowledge_items k WHERE k.id = $1`

	item, err := scanKnowledgeItem(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return item, nil
}

// Update rewrites the curated fields. Domain and the usage/feedback counters are
// never changed here.
func (r *knowledgeRepository) Update(ctx context.Context, item *models.KnowledgeItem) error {
	metadataJSON, err := marshalMetadata(item.Metadata)
	if err != nil {
		return err
	}

	item.UpdatedAt = time.Now()
	query := `
		UPDATE engine_knowledge_items
		SET title = $2, description = $3, content_type = $4, quality_score = $5,
		    metadata = $6, updated_at = $7
		WHERE id = $1`

	result, err := r.db.Exec(ctx, query,
		item.ID, item.Title, item.Description, item.ContentType, item.QualityScore,
		metadataJSON, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update knowledge item: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *knowledgeRepository) SetApproved(ctx context.Context, id uuid.UUID, approved bool) error {
	result, err := r.db.Exec(ctx,
		`UPDATE engine_knowledge_items SET is_approved = $2, updated_at = now() WHERE id = $1`,
		id, approved)
	if err != nil {
		return fmt.Errorf("failed to update knowledge approval: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *knowledgeRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Exec(ctx, `DELETE FROM engine_knowledge_items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete knowledge item: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *knowledgeRepository) Search(ctx context.Context, params KnowledgeSearchParams) ([]*models.KnowledgeItem, error) {
	// Items matching only the substring fallback rank after every full-text match.
	query := `
		WITH q AS (SELECT websearch_to_tsquery('english'::regconfig, $2) AS tsq)
		SELECT ` + knowledgeColumns + `,
		       CASE WHEN $2 = '' THEN 0 ELSE ts_rank_cd(k.search_vector, q.tsq) END AS relevance
		FROM engine_knowledge_items k, q
		WHERE k.domain = $1
		  AND k.is_approved
		  AND ($3::text IS NULL OR k.content_type = $3)
		  AND ($2 = ''
		       OR k.search_vector @@ q.tsq
		       OR k.title ILIKE $5
		       OR k.description ILIKE $5)
		ORDER BY relevance DESC, k.quality_score DESC, k.id ASC
		LIMIT $4`

	var contentType *string
	if params.ContentType != nil {
		ct := string(*params.ContentType)
		contentType = &ct
	}
	text := strings.TrimSpace(params.Query)

	rows, err := r.db.Query(ctx, query,
		params.Domain, text, contentType, params.Limit, "%"+escapeLike(text)+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to search knowledge: %w", err)
	}
	defer rows.Close()

	items := make([]*models.KnowledgeItem, 0)
	for rows.Next() {
		var relevance float64
		item, err := scanKnowledgeItemWith(rows, &relevance)
		if err != nil {
			return nil, err
		}
		item.Relevance = relevance
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating knowledge items: %w", err)
	}
	return items, nil
}

func (r *knowledgeRepository) TopPerforming(ctx context.Context, domain models.KnowledgeDomain, limit int) ([]*models.KnowledgeItem, error) {
	query := `SELECT ` + knowledgeColumns + `
		FROM engine_knowledge_items k
		WHERE k.domain = $1
		ORDER BY k.feedback_ratio * ln(1 + k.usage_count) DESC, k.usage_count DESC, k.id ASC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, domain, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get top performing knowledge: %w", err)
	}
	defer rows.Close()

	items := make([]*models.KnowledgeItem, 0)
	for rows.Next() {
		item, err := scanKnowledgeItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating knowledge items: %w", err)
	}
	return items, nil
}

func (r *knowledgeRepository) DomainStats(ctx context.Context, domain models.KnowledgeDomain) (*models.KnowledgeDomainStats, error) {
	stats := &models.KnowledgeDomainStats{Domain: domain}
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_approved),
		       COALESCE(AVG(quality_score), 0),
		       COALESCE(SUM(usage_count), 0)::bigint
		FROM engine_knowledge_items
		WHERE domain = $1`, domain).Scan(
		&stats.TotalItems, &stats.ApprovedItems, &stats.AvgQualityScore, &stats.TotalUsage)
	if err != nil {
		return nil, fmt.Errorf("failed to compute knowledge stats: %w", err)
	}
	return stats, nil
}

func (r *knowledgeRepository) RecordUsage(ctx context.Context, event *models.KnowledgeUsageEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.CreatedAt = time.Now()

	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		var domain models.KnowledgeDomain
		err := tx.QueryRow(ctx, `
			UPDATE engine_knowledge_items
			SET usage_count = usage_count + 1, updated_at = now()
			WHERE id = $1
			RETURNING domain`, event.KnowledgeID).Scan(&domain)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("knowledge item %s: %w", event.KnowledgeID, apperrors.ErrNotFound)
			}
			return fmt.Errorf("failed to increment usage count: %w", err)
		}
		if domain != event.Domain {
			return fmt.Errorf("knowledge item %s belongs to domain %s, not %s: %w",
				event.KnowledgeID, domain, event.Domain, apperrors.ErrValidation)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO engine_knowledge_usage (
				id, knowledge_id, domain, use_case, session_id, user_id, query_text, was_helpful, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			event.ID, event.KnowledgeID, event.Domain, event.UseCase,
			event.SessionID, event.UserID, event.QueryText, event.WasHelpful, event.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert usage event: %w", err)
		}
		return nil
	})
}

// ============================================================================
// Helper Functions - Scan
// ============================================================================

func scanKnowledgeItem(row pgx.Row) (*models.KnowledgeItem, error) {
	return scanKnowledgeItemWith(row)
}

// scanKnowledgeItemWith scans the standard columns followed by any extra destinations.
func scanKnowledgeItemWith(row pgx.Row, extra ...any) (*models.KnowledgeItem, error) {
	var item models.KnowledgeItem
	var metadataJSON []byte

	dest := []any{
		&item.ID, &item.Title, &item.Description, &item.Domain, &item.ContentType, &item.QualityScore,
		&item.UsageCount, &item.PositiveFeedbackCount, &item.NegativeFeedbackCount, &item.FeedbackRatio,
		&metadataJSON, &item.IsApproved, &item.CreatedAt, &item.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan knowledge item: %w", err)
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &item.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal knowledge metadata: %w", err)
		}
	}
	return &item, nil
}

func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return b, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike escapes LIKE wildcards so user text matches literally.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
