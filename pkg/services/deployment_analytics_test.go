package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/models"
)

func seedMetrics(repo *mockDeploymentRepo) (low, mid, high *models.Deployment) {
	low = &models.Deployment{UserID: testOwner, Name: "triage", Version: 1,
		TotalConversations: 5, TotalTokensUsed: 9000, AvgConfidenceScore: 0.9}
	mid = &models.Deployment{UserID: testOwner, Name: "triage", Version: 2,
		TotalConversations: 20, TotalTokensUsed: 100, AvgConfidenceScore: 0.5,
		DeploymentStatus: models.DeploymentStatusActive, IsActive: true}
	high = &models.Deployment{UserID: testOwner, Name: "intake", Version: 1,
		TotalConversations: 40, TotalTokensUsed: 500, AvgConfidenceScore: 0.7}
	for _, d := range []*models.Deployment{low, mid, high} {
		repo.put(d)
	}
	repo.put(&models.Deployment{UserID: "someone-else", Name: "other", Version: 1, TotalConversations: 999})
	return low, mid, high
}

func TestDeploymentAnalytics_GetMetrics(t *testing.T) {
	repo := newMockDeploymentRepo()
	svc := NewDeploymentAnalyticsService(repo, zap.NewNop())
	_, mid, _ := seedMetrics(repo)

	m, err := svc.GetMetrics(context.Background(), testOwner, mid.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), m.TotalConversations)
	assert.Equal(t, int64(100), m.TotalTokensUsed)
	assert.InDelta(t, 0.5, m.AvgConfidenceScore, 1e-9)
	assert.True(t, m.IsActive)

	_, err = svc.GetMetrics(context.Background(), "intruder", mid.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = svc.GetMetrics(context.Background(), testOwner, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestDeploymentAnalytics_ListMetricsSorting(t *testing.T) {
	repo := newMockDeploymentRepo()
	svc := NewDeploymentAnalyticsService(repo, zap.NewNop())
	low, mid, high := seedMetrics(repo)
	ctx := context.Background()

	ids := func(ms []models.DeploymentMetrics) []uuid.UUID {
		out := make([]uuid.UUID, len(ms))
		for i, m := range ms {
			out[i] = m.DeploymentID
		}
		return out
	}

	tests := []struct {
		sortBy MetricsSortField
		desc   bool
		want   []uuid.UUID
	}{
		{"", true, []uuid.UUID{high.ID, mid.ID, low.ID}},
		{SortByConversations, false, []uuid.UUID{low.ID, mid.ID, high.ID}},
		{SortByTokens, true, []uuid.UUID{low.ID, high.ID, mid.ID}},
		{SortByConfidence, false, []uuid.UUID{mid.ID, high.ID, low.ID}},
		{SortByVersion, false, []uuid.UUID{high.ID, low.ID, mid.ID}},
	}
	for _, tt := range tests {
		t.Run(string(tt.sortBy), func(t *testing.T) {
			got, err := svc.ListMetrics(ctx, testOwner, tt.sortBy, tt.desc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}

	_, err := svc.ListMetrics(ctx, testOwner, "popularity", false)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestDeploymentAnalytics_SummaryWeightsConfidence(t *testing.T) {
	repo := newMockDeploymentRepo()
	svc := NewDeploymentAnalyticsService(repo, zap.NewNop())
	seedMetrics(repo)

	summary, err := svc.Summary(context.Background(), testOwner)
	require.NoError(t, err)

	byStatus := map[models.DeploymentStatus]*models.DeploymentStatusSummary{}
	for _, s := range summary {
		byStatus[s.DeploymentStatus] = s
	}
	draft := byStatus[models.DeploymentStatusDraft]
	require.NotNil(t, draft)
	assert.Equal(t, 2, draft.Deployments)
	assert.Equal(t, int64(45), draft.TotalConversations)
	assert.InDelta(t, (0.9*5+0.7*40)/45, draft.AvgConfidenceScore, 1e-9)
	assert.Equal(t, 1, byStatus[models.DeploymentStatusActive].Deployments)
}
