// Package models contains domain types for the agent core.
package models

import (
	"time"

	"github.com/google/uuid"
)

// KnowledgeDomain partitions the knowledge store by subject area.
// An item belongs to exactly one domain for its lifetime.
type KnowledgeDomain string

const (
	DomainMedicalImaging    KnowledgeDomain = "medical_imaging"
	DomainPatientOnboarding KnowledgeDomain = "patient_onboarding"
	DomainClinicalRisk      KnowledgeDomain = "clinical_risk"
	DomainConversational    KnowledgeDomain = "conversational"
)

// KnowledgeDomains lists every valid domain in a stable order.
var KnowledgeDomains = []KnowledgeDomain{
	DomainMedicalImaging,
	DomainPatientOnboarding,
	DomainClinicalRisk,
	DomainConversational,
}

// IsValid returns true if d is a known knowledge domain.
func (d KnowledgeDomain) IsValid() bool {
	switch d {
	case DomainMedicalImaging, DomainPatientOnboarding, DomainClinicalRisk, DomainConversational:
		return true
	default:
		return false
	}
}

// ContentType classifies what kind of knowledge an item holds.
type ContentType string

const (
	ContentTypeFinding            ContentType = "finding"
	ContentTypeGuideline          ContentType = "guideline"
	ContentTypeTemplate           ContentType = "template"
	ContentTypeProtocol           ContentType = "protocol"
	ContentTypeFAQ                ContentType = "faq"
	ContentTypeEducationalContent ContentType = "educational_content"
	ContentTypeScoringSystem      ContentType = "scoring_system"
)

// IsValid returns true if c is a known content type.
func (c ContentType) IsValid() bool {
	switch c {
	case ContentTypeFinding, ContentTypeGuideline, ContentTypeTemplate, ContentTypeProtocol,
		ContentTypeFAQ, ContentTypeEducationalContent, ContentTypeScoringSystem:
		return true
	default:
		return false
	}
}

// Quality score bounds. New items start at DefaultQualityScore.
const (
	MinQualityScore     = 0.0
	MaxQualityScore     = 100.0
	DefaultQualityScore = 50.0
)

// KnowledgeItem is one entry of the unified knowledge store.
// Stored in engine_knowledge_items table.
type KnowledgeItem struct {
	ID           uuid.UUID       `json:"id"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Domain       KnowledgeDomain `json:"domain"`
	ContentType  ContentType     `json:"content_type"`
	QualityScore float64         `json:"quality_score"`

	// UsageCount only ever increases, one per recorded usage event.
	UsageCount int64 `json:"usage_count"`

	// Feedback counters. FeedbackRatio is derived from them and never set directly.
	PositiveFeedbackCount int     `json:"positive_feedback_count"`
	NegativeFeedbackCount int     `json:"negative_feedback_count"`
	FeedbackRatio         float64 `json:"feedback_ratio"`

	Metadata   map[string]any `json:"metadata,omitempty"`
	IsApproved bool           `json:"is_approved"`

	// Relevance is only populated by search results.
	Relevance float64 `json:"relevance,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FeedbackRatio returns positive/(positive+negative), or 0 when there is no feedback yet.
func FeedbackRatio(positive, negative int) float64 {
	total := positive + negative
	if total <= 0 {
		return 0
	}
	return float64(positive) / float64(total)
}

// KnowledgeUsageEvent is an append-only record of one retrieval-and-use of an item.
// Stored in engine_knowledge_usage table.
type KnowledgeUsageEvent struct {
	ID          uuid.UUID       `json:"id"`
	KnowledgeID uuid.UUID       `json:"knowledge_id"`
	Domain      KnowledgeDomain `json:"domain"`
	UseCase     string          `json:"use_case"`
	SessionID   *string         `json:"session_id,omitempty"`
	UserID      *string         `json:"user_id,omitempty"`
	QueryText   *string         `json:"query_text,omitempty"`
	WasHelpful  *bool           `json:"was_helpful,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// FeedbackType is the kind of explicit feedback a user left on a response.
type FeedbackType string

const (
	FeedbackHelpful    FeedbackType = "helpful"
	FeedbackNotHelpful FeedbackType = "not_helpful"
	FeedbackInaccurate FeedbackType = "inaccurate"
	FeedbackOutdated   FeedbackType = "outdated"
	FeedbackSuggestion FeedbackType = "suggestion"
)

// IsValid returns true if t is a known feedback type.
func (t FeedbackType) IsValid() bool {
	switch t {
	case FeedbackHelpful, FeedbackNotHelpful, FeedbackInaccurate, FeedbackOutdated, FeedbackSuggestion:
		return true
	default:
		return false
	}
}

// IsPositive reports whether the feedback counts as a positive signal.
// Every type other than helpful counts as negative for ratio purposes.
func (t FeedbackType) IsPositive() bool {
	return t == FeedbackHelpful
}

// FeedbackEvent is an append-only record of feedback on one conversation turn.
// Stored in engine_knowledge_feedback table.
type FeedbackEvent struct {
	ID                  uuid.UUID       `json:"id"`
	ConversationID      string          `json:"conversation_id"`
	MessageIndex        int             `json:"message_index"`
	FeedbackType        FeedbackType    `json:"feedback_type"`
	KnowledgeIDs        []uuid.UUID     `json:"knowledge_ids"`
	Domain              KnowledgeDomain `json:"domain"`
	FeedbackText        *string         `json:"feedback_text,omitempty"`
	SuggestedCorrection *string         `json:"suggested_correction,omitempty"`
	UserID              *string         `json:"user_id,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// KnowledgeDomainStats is a roll-up of one domain's items.
type KnowledgeDomainStats struct {
	Domain          KnowledgeDomain `json:"domain"`
	TotalItems      int             `json:"total_items"`
	ApprovedItems   int             `json:"approved_items"`
	AvgQualityScore float64         `json:"avg_quality_score"`
	TotalUsage      int64           `json:"total_usage"`
}
