package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/models"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/repositories"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/retry"
)

// qualityDeltas nudges an item's quality score per feedback type.
var qualityDeltas = map[models.FeedbackType]float64{
	models.FeedbackHelpful:    1,
	models.FeedbackNotHelpful: -1,
	models.FeedbackInaccurate: -3,
	models.FeedbackOutdated:   -2,
	models.FeedbackSuggestion: 0,
}

// SubmitFeedbackRequest is explicit feedback on one conversation turn.
type SubmitFeedbackRequest struct {
	ConversationID      string                 `json:"conversation_id"`
	MessageIndex        int                    `json:"message_index"`
	FeedbackType        models.FeedbackType    `json:"feedback_type"`
	KnowledgeIDs        []uuid.UUID            `json:"knowledge_ids"`
	Domain              models.KnowledgeDomain `json:"domain"`
	FeedbackText        *string                `json:"feedback_text,omitempty"`
	SuggestedCorrection *string                `json:"suggested_correction,omitempty"`
	UserID              *string                `json:"user_id,omitempty"`
}

// FeedbackResult reports the stored event and the items whose counters could not be updated.
type FeedbackResult struct {
	Event              *models.FeedbackEvent `json:"event"`
	FailedKnowledgeIDs []uuid.UUID           `json:"failed_knowledge_ids"`
}

// FeedbackService records feedback and folds it into the referenced items' statistics.
type FeedbackService interface {
	// Submit stores the event, then updates each referenced item independently.
	// A failure on one item never undoes the event or the other items.
	Submit(ctx context.Context, req SubmitFeedbackRequest) (*FeedbackResult, error)
	ListByConversation(ctx context.Context, conversationID string) ([]*models.FeedbackEvent, error)
	ListByKnowledgeItem(ctx context.Context, knowledgeID uuid.UUID, limit int) ([]*models.FeedbackEvent, error)
}

type feedbackService struct {
	repo     repositories.FeedbackRepository
	retryCfg *retry.Config
	logger   *zap.Logger
}

// NewFeedbackService creates a new feedback service.
func NewFeedbackService(repo repositories.FeedbackRepository, logger *zap.Logger) FeedbackService {
	return &feedbackService{
		repo:     repo,
		retryCfg: retry.DefaultConfig(),
		logger:   logger.Named("feedback"),
	}
}

var _ FeedbackService = (*feedbackService)(nil)

func (s *feedbackService) Submit(ctx context.Context, req SubmitFeedbackRequest) (*FeedbackResult, error) {
	if err := validateFeedback(req); err != nil {
		return nil, err
	}

	event := &models.FeedbackEvent{
		ConversationID:      strings.TrimSpace(req.ConversationID),
		MessageIndex:        req.MessageIndex,
		FeedbackType:        req.FeedbackType,
		KnowledgeIDs:        dedupeIDs(req.KnowledgeIDs),
		Domain:              req.Domain,
		FeedbackText:        req.FeedbackText,
		SuggestedCorrection: req.SuggestedCorrection,
		UserID:              req.UserID,
	}
	if err := s.repo.Create(ctx, event); err != nil {
		s.logger.Error("Failed to store feedback event",
			zap.String("conversation_id", event.ConversationID),
			zap.Error(err))
		return nil, err
	}

	result := &FeedbackResult{Event: event, FailedKnowledgeIDs: []uuid.UUID{}}
	positive := req.FeedbackType.IsPositive()
	delta := qualityDeltas[req.FeedbackType]

	for _, id := range event.KnowledgeIDs {
		err := retry.DoIfRetryable(ctx, s.retryCfg, func() error {
			return s.repo.ApplyFeedback(ctx, id, event.Domain, positive, delta)
		})
		if err != nil {
			s.logger.Warn("Failed to apply feedback to knowledge item",
				zap.String("feedback_id", event.ID.String()),
				zap.String("knowledge_id", id.String()),
				zap.Error(err))
			result.FailedKnowledgeIDs = append(result.FailedKnowledgeIDs, id)
		}
	}

	s.logger.Info("Feedback recorded",
		zap.String("feedback_id", event.ID.String()),
		zap.String("feedback_type", string(event.FeedbackType)),
		zap.Int("items", len(event.KnowledgeIDs)),
		zap.Int("failed_items", len(result.FailedKnowledgeIDs)))
	return result, nil
}

func (s *feedbackService) ListByConversation(ctx context.Context, conversationID string) ([]*models.FeedbackEvent, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, fmt.Errorf("conversation_id is required: %w", apperrors.ErrValidation)
	}
	return s.repo.ListByConversation(ctx, conversationID)
}

func (s *feedbackService) ListByKnowledgeItem(ctx context.Context, knowledgeID uuid.UUID, limit int) ([]*models.FeedbackEvent, error) {
	limit, err := clampLimit(limit)
	if err != nil {
		return nil, err
	}
	return s.repo.ListByKnowledgeItem(ctx, knowledgeID, limit)
}

func validateFeedback(req SubmitFeedbackRequest) error {
	if strings.TrimSpace(req.ConversationID) == "" {
		return fmt.Errorf("conversation_id is required: %w", apperrors.ErrValidation)
	}
	if req.MessageIndex < 0 {
		return fmt.Errorf("message_index must not be negative: %w", apperrors.ErrValidation)
	}
	if !req.FeedbackType.IsValid() {
		return fmt.Errorf("unknown feedback type %q: %w", req.FeedbackType, apperrors.ErrValidation)
	}
	if !req.Domain.IsValid() {
		return fmt.Errorf("unknown domain %q: %w", req.Domain, apperrors.ErrValidation)
	}
	for _, id := range req.KnowledgeIDs {
		if id == uuid.Nil {
			return fmt.Errorf("knowledge_ids must not contain the nil id: %w", apperrors.ErrValidation)
		}
	}
	return nil
}

// dedupeIDs keeps the first occurrence of each id, preserving order.
func dedupeIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
