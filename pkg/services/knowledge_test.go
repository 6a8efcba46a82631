package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/models"
)

func TestKnowledgeService_SearchValidation(t *testing.T) {
	svc := NewKnowledgeService(newMockKnowledgeRepo(), zap.NewNop())
	ctx := context.Background()

	_, err := svc.Search(ctx, SearchRequest{Domain: "astrology", Query: "x"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	bad := models.ContentType("poem")
	_, err = svc.Search(ctx, SearchRequest{Domain: models.DomainClinicalRisk, ContentType: &bad})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = svc.Search(ctx, SearchRequest{Domain: models.DomainClinicalRisk, Limit: -1})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestKnowledgeService_SearchLimits(t *testing.T) {
	repo := newMockKnowledgeRepo()
	svc := NewKnowledgeService(repo, zap.NewNop())
	ctx := context.Background()

	tests := []struct {
		requested int
		want      int
	}{
		{0, DefaultSearchLimit},
		{25, 25},
		{1000, MaxSearchLimit},
	}
	for _, tt := range tests {
		_, err := svc.Search(ctx, SearchRequest{Domain: models.DomainMedicalImaging, Query: " nodule ", Limit: tt.requested})
		require.NoError(t, err)
		assert.Equal(t, tt.want, repo.lastSearch.Limit)
		assert.Equal(t, "nodule", repo.lastSearch.Query)
	}
}

func TestKnowledgeService_SearchEmptyResultIsEmptySlice(t *testing.T) {
	svc := NewKnowledgeService(newMockKnowledgeRepo(), zap.NewNop())

	items, err := svc.Search(context.Background(), SearchRequest{Domain: models.DomainConversational, Query: "x"})
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Empty(t, items)
}

func TestKnowledgeService_SearchRecordsUsageWhenUseCaseSet(t *testing.T) {
	repo := newMockKnowledgeRepo()
	svc := NewKnowledgeService(repo, zap.NewNop())
	ctx := context.Background()

	a := &models.KnowledgeItem{ID: uuid.New(), Domain: models.DomainMedicalImaging}
	b := &models.KnowledgeItem{ID: uuid.New(), Domain: models.DomainMedicalImaging}
	repo.searchResults = []*models.KnowledgeItem{a, b}

	_, err := svc.Search(ctx, SearchRequest{Domain: models.DomainMedicalImaging, Query: "q"})
	require.NoError(t, err)
	assert.Empty(t, repo.usage, "no use case means no usage events")

	session := "sess-1"
	_, err = svc.Search(ctx, SearchRequest{
		Domain: models.DomainMedicalImaging, Query: "q", UseCase: "report_drafting", SessionID: &session,
	})
	require.NoError(t, err)
	require.Len(t, repo.usage, 2)
	assert.Equal(t, a.ID, repo.usage[0].KnowledgeID)
	assert.Equal(t, "report_drafting", repo.usage[0].UseCase)
	require.NotNil(t, repo.usage[0].QueryText)
	assert.Equal(t, "q", *repo.usage[0].QueryText)
}

func TestKnowledgeService_RecordUsage(t *testing.T) {
	repo := newMockKnowledgeRepo()
	svc := NewKnowledgeService(repo, zap.NewNop())
	ctx := context.Background()

	valid := RecordUsageRequest{KnowledgeID: uuid.New(), Domain: models.DomainClinicalRisk, UseCase: "triage"}

	t.Run("validation errors are returned", func(t *testing.T) {
		missingID := valid
		missingID.KnowledgeID = uuid.Nil
		assert.ErrorIs(t, svc.RecordUsage(ctx, missingID), apperrors.ErrValidation)

		missingUseCase := valid
		missingUseCase.UseCase = " "
		assert.ErrorIs(t, svc.RecordUsage(ctx, missingUseCase), apperrors.ErrValidation)
	})

	t.Run("domain mismatch from store is returned", func(t *testing.T) {
		repo.recordUsageErr = apperrors.ErrValidation
		defer func() { repo.recordUsageErr = nil }()
		assert.ErrorIs(t, svc.RecordUsage(ctx, valid), apperrors.ErrValidation)
	})

	t.Run("store failures are swallowed", func(t *testing.T) {
		repo.recordUsageErr = errors.New("connection reset by peer")
		defer func() { repo.recordUsageErr = nil }()
		assert.NoError(t, svc.RecordUsage(ctx, valid))
	})
}

func TestKnowledgeService_Curation(t *testing.T) {
	repo := newMockKnowledgeRepo()
	svc := NewKnowledgeService(repo, zap.NewNop())
	ctx := context.Background()

	item, err := svc.CreateItem(ctx, CreateKnowledgeItemRequest{
		Title:       "Fleischner criteria",
		Domain:      models.DomainMedicalImaging,
		ContentType: models.ContentTypeGuideline,
	})
	require.NoError(t, err)
	assert.Equal(t, models.DefaultQualityScore, item.QualityScore)
	assert.False(t, item.IsApproved)

	tooHigh := 101.0
	_, err = svc.UpdateItem(ctx, item.ID, UpdateKnowledgeItemRequest{QualityScore: &tooHigh})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	title := "Fleischner 2017 criteria"
	updated, err := svc.UpdateItem(ctx, item.ID, UpdateKnowledgeItemRequest{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, title, updated.Title)
	assert.Equal(t, models.DomainMedicalImaging, updated.Domain)

	require.NoError(t, svc.SetApproved(ctx, item.ID, true))
	got, err := svc.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, got.IsApproved)

	require.NoError(t, svc.DeleteItem(ctx, item.ID))
	_, err = svc.GetItem(ctx, item.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = svc.CreateItem(ctx, CreateKnowledgeItemRequest{Title: "x", Domain: "bogus", ContentType: models.ContentTypeFAQ})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}
