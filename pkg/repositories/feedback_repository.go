package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/database"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/models"
)

// FeedbackRepository provides data access for feedback events and the per-item
// feedback counters they fold into.
type FeedbackRepository interface {
	Create(ctx context.Context, event *models.FeedbackEvent) error

	// ApplyFeedback atomically bumps one item's positive or negative counter,
	// recomputes its feedback ratio and nudges its quality score by qualityDelta
	// (clamped to the valid range). Missing items yield ErrNotFound; an item outside
	// domain is left untouched and yields ErrValidation.
	ApplyFeedback(ctx context.Context, knowledgeID uuid.UUID, domain models.KnowledgeDomain, positive bool, qualityDelta float64) error

	ListByConversation(ctx context.Context, conversationID string) ([]*models.FeedbackEvent, error)
	ListByKnowledgeItem(ctx context.Context, knowledgeID uuid.UUID, limit int) ([]*models.FeedbackEvent, error)
}

type feedbackRepository struct {
	db *database.DB
}

// NewFeedbackRepository creates a new FeedbackRepository.
func NewFeedbackRepository(db *database.DB) FeedbackRepository {
	return &feedbackRepository{db: db}
}

var _ FeedbackRepository = (*feedbackRepository)(nil)

const feedbackColumns = `
	id, conversation_id, message_index, feedback_type, knowledge_ids, domain,
	feedback_text, suggested_correction, user_id, created_at`

func (r *feedbackRepository) Create(ctx context.Context, event *models.FeedbackEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.CreatedAt = time.Now()
	if event.KnowledgeIDs == nil {
		event.KnowledgeIDs = []uuid.UUID{}
	}

	query := `
		INSERT INTO engine_knowledge_feedback (` + feedbackColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.Exec(ctx, query,
		event.ID, event.ConversationID, event.MessageIndex, event.FeedbackType, event.KnowledgeIDs,
		event.Domain, event.FeedbackText, event.SuggestedCorrection, event.UserID, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create feedback event: %w", err)
	}
	return nil
}

func (r *feedbackRepository) ApplyFeedback(ctx context.Context, knowledgeID uuid.UUID, domain models.KnowledgeDomain, positive bool, qualityDelta float64) error {
	pos, neg := 0, 1
	if positive {
		pos, neg = 1, 0
	}

	// SET expressions see the pre-update row, so the ratio uses the new totals explicitly.
	query := `
		UPDATE engine_knowledge_items
		SET positive_feedback_count = positive_feedback_count + $2,
		    negative_feedback_count = negative_feedback_count + $3,
		    feedback_ratio = (positive_feedback_count + $2)::float8
		                     / (positive_feedback_count + negative_feedback_count + $2 + $3),
		    quality_score = LEAST(100, GREATEST(0, quality_score + $4)),
		    updated_at = now()
		WHERE id = $1 AND domain = $5`

	result, err := r.db.Exec(ctx, query, knowledgeID, pos, neg, qualityDelta, domain)
	if err != nil {
		return fmt.Errorf("failed to apply feedback to %s: %w", knowledgeID, err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	var actual models.KnowledgeDomain
	err = r.db.QueryRow(ctx, `SELECT domain FROM engine_knowledge_items WHERE id = $1`, knowledgeID).Scan(&actual)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("knowledge item %s: %w", knowledgeID, apperrors.ErrNotFound)
		}
		return fmt.Errorf("failed to look up knowledge item %s: %w", knowledgeID, err)
	}
	return fmt.Errorf("knowledge item %s belongs to domain %s, not %s: %w",
		knowledgeID, actual, domain, apperrors.ErrValidation)
}

func (r *feedbackRepository) ListByConversation(ctx context.Context, conversationID string) ([]*models.FeedbackEvent, error) {
	query := `SELECT ` + feedbackColumns + `
		FROM engine_knowledge_feedback
		WHERE conversation_id = $1
		ORDER BY message_index, created_at, id`

	rows, err := r.db.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	return collectFeedback(rows)
}

func (r *feedbackRepository) ListByKnowledgeItem(ctx context.Context, knowledgeID uuid.UUID, limit int) ([]*models.FeedbackEvent, error) {
	query := `SELECT ` + feedbackColumns + `
		FROM engine_knowledge_feedback
		WHERE $1 = ANY(knowledge_ids)
		ORDER BY created_at DESC, id
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, knowledgeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback for knowledge item: %w", err)
	}
	return collectFeedback(rows)
}

// ============================================================================
// Helper Functions - Scan
// ============================================================================

func scanFeedbackEvent(row pgx.Row) (*models.FeedbackEvent, error) {
	var e models.FeedbackEvent
	err := row.Scan(
		&e.ID, &e.ConversationID, &e.MessageIndex, &e.FeedbackType, &e.KnowledgeIDs, &e.Domain,
		&e.FeedbackText, &e.SuggestedCorrection, &e.UserID, &e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan feedback event: %w", err)
	}
	return &e, nil
}

func collectFeedback(rows pgx.Rows) ([]*models.FeedbackEvent, error) {
	defer rows.Close()

	events := make([]*models.FeedbackEvent, 0)
	for rows.Next() {
		e, err := scanFeedbackEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating feedback events: %w", err)
	}
	return events, nil
}
