//go:build integration

package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/models"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/testhelpers"
)

func setupProviderTest(t *testing.T) (ContextProviderRepository, string) {
	engineDB := testhelpers.GetEngineDB(t)
	prefix := "test-" + uuid.NewString()[:8] + "-"
	t.Cleanup(func() {
		_, _ = engineDB.DB.Exec(context.Background(),
			"DELETE FROM engine_context_providers WHERE name LIKE $1", prefix+"%")
	})
	return NewContextProviderRepository(engineDB.DB), prefix
}

func newTestProvider(name string, active bool, domains ...string) *models.ContextProvider {
	return &models.ContextProvider{
		Name:               name,
		EndpointURL:        "https://provider.example.com/context",
		AuthenticationType: models.AuthAPIKey,
		IsActive:           active,
		TimeoutSeconds:     10,
		SupportedDomains:   domains,
		Metadata:           models.ProviderMetadata{Transport: models.TransportHTTP},
	}
}

func TestContextProviderRepository_CreateGetUpdate(t *testing.T) {
	repo, prefix := setupProviderTest(t)
	ctx := context.Background()

	p := newTestProvider(prefix+"pacs", true, "medical_imaging")
	require.NoError(t, repo.Create(ctx, p, "ciphertext"))
	assert.True(t, p.HasAPIKey)

	got, key, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ciphertext", key)
	assert.Equal(t, []string{"medical_imaging"}, got.SupportedDomains)
	assert.Equal(t, models.TransportHTTP, got.Metadata.Transport)

	got.TimeoutSeconds = 3
	require.NoError(t, repo.Update(ctx, got, ""))

	again, key, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, again.TimeoutSeconds)
	assert.Equal(t, "ciphertext", key, "empty key on update keeps the stored key")

	dup := newTestProvider(prefix+"pacs", true)
	assert.ErrorIs(t, repo.Create(ctx, dup, ""), apperrors.ErrConflict)
}

func TestContextProviderRepository_ListActiveFiltersByDomain(t *testing.T) {
	repo, prefix := setupProviderTest(t)
	ctx := context.Background()

	imaging := newTestProvider(prefix+"a-imaging", true, "medical_imaging")
	both := newTestProvider(prefix+"b-both", true, "medical_imaging", "clinical_risk")
	inactive := newTestProvider(prefix+"c-off", false, "medical_imaging")
	for _, p := range []*models.ContextProvider{imaging, both, inactive} {
		require.NoError(t, repo.Create(ctx, p, ""))
	}

	active, keys, err := repo.ListActive(ctx, "clinical_risk")
	require.NoError(t, err)
	require.Len(t, keys, len(active))

	names := map[string]bool{}
	for _, p := range active {
		names[p.Name] = true
	}
	assert.True(t, names[both.Name])
	assert.False(t, names[imaging.Name])
	assert.False(t, names[inactive.Name])

	require.NoError(t, repo.SetActive(ctx, inactive.ID, true))
	active, _, err = repo.ListActive(ctx, "medical_imaging")
	require.NoError(t, err)
	names = map[string]bool{}
	for _, p := range active {
		names[p.Name] = true
	}
	assert.True(t, names[inactive.Name])
}

func TestContextProviderRepository_HealthHistoryAndSummary(t *testing.T) {
	repo, prefix := setupProviderTest(t)
	ctx := context.Background()

	p := newTestProvider(prefix+"labs", true, "clinical_risk")
	require.NoError(t, repo.Create(ctx, p, ""))

	since := time.Now().Add(-time.Minute)
	errMsg := "connection refused"
	records := []*models.HealthRecord{
		{ProviderID: p.ID, Status: models.HealthHealthy, ResponseTimeMs: 100, CheckedAt: time.Now().Add(-3 * time.Second)},
		{ProviderID: p.ID, Status: models.HealthDegraded, ResponseTimeMs: 300, CheckedAt: time.Now().Add(-2 * time.Second)},
		{ProviderID: p.ID, Status: models.HealthDown, ResponseTimeMs: 200, ErrorMessage: &errMsg, CheckedAt: time.Now().Add(-1 * time.Second)},
	}
	for _, r := range records {
		require.NoError(t, repo.RecordHealth(ctx, r))
	}

	history, err := repo.HealthHistory(ctx, p.ID, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.HealthDown, history[0].Status)
	require.NotNil(t, history[0].ErrorMessage)
	assert.Equal(t, errMsg, *history[0].ErrorMessage)

	summary, err := repo.HealthSummary(ctx, p.ID, since)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Healthy)
	assert.Equal(t, 1, summary.Degraded)
	assert.Equal(t, 1, summary.Down)
	assert.InDelta(t, 200.0, summary.AvgResponseTimeMs, 1e-9)
	require.NotNil(t, summary.LatestStatus)
	assert.Equal(t, models.HealthDown, *summary.LatestStatus)

	require.NoError(t, repo.Delete(ctx, p.ID))
	history, err = repo.HealthHistory(ctx, p.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, history, "health history cascades with the provider")
}
