package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/models"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/notify"
)

const testOwner = "user-123"

func chatConfig(model string) models.DeploymentConfiguration {
	return models.DeploymentConfiguration{
		Kind: models.ConfigurationChatAgent,
		Chat: &models.ChatAgentConfig{Model: model},
	}
}

func newTestDeploymentService() (DeploymentService, *mockDeploymentRepo, *recordingNotifier) {
	repo := newMockDeploymentRepo()
	notifier := newRecordingNotifier()
	return NewDeploymentService(repo, notifier, zap.NewNop()), repo, notifier
}

func waitForEvent(t *testing.T, n *recordingNotifier) notify.Event {
	t.Helper()
	select {
	case e := <-n.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("expected a lifecycle event")
		return notify.Event{}
	}
}

func TestDeploymentService_Create(t *testing.T) {
	svc, _, notifier := newTestDeploymentService()
	ctx := context.Background()

	d, err := svc.Create(ctx, testOwner, CreateDeploymentRequest{
		Name:          "  Triage Agent ",
		Configuration: chatConfig("gpt-4o"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Triage Agent", d.Name)
	assert.Equal(t, 1, d.Version)
	assert.False(t, d.IsActive)
	assert.True(t, d.IsEnabled)
	assert.Equal(t, models.DeploymentStatusDraft, d.DeploymentStatus)

	event := waitForEvent(t, notifier)
	assert.Equal(t, notify.EventDeploymentCreated, event.Type)
	assert.Equal(t, d.ID, event.DeploymentID)
}

func TestDeploymentService_CreateValidation(t *testing.T) {
	svc, _, _ := newTestDeploymentService()
	ctx := context.Background()

	_, err := svc.Create(ctx, testOwner, CreateDeploymentRequest{Name: "", Configuration: chatConfig("m")})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = svc.Create(ctx, testOwner, CreateDeploymentRequest{
		Name:          "Agent",
		Configuration: models.DeploymentConfiguration{Kind: models.ConfigurationRetrievalAgent},
	})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestDeploymentService_ActivateRollback(t *testing.T) {
	svc, _, _ := newTestDeploymentService()
	ctx := context.Background()

	v1, err := svc.Create(ctx, testOwner, CreateDeploymentRequest{Name: "Agent", Configuration: chatConfig("m1")})
	require.NoError(t, err)
	_, err = svc.Activate(ctx, testOwner, v1.ID)
	require.NoError(t, err)

	v2, err := svc.CreateVersion(ctx, testOwner, v1.ID, CreateVersionRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.False(t, v2.IsActive, "a new version is never activated implicitly")

	_, err = svc.Activate(ctx, testOwner, v2.ID)
	require.NoError(t, err)
	active, err := svc.GetActive(ctx, testOwner)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)

	// Roll back to v1.
	_, err = svc.Activate(ctx, testOwner, v1.ID)
	require.NoError(t, err)
	active, err = svc.GetActive(ctx, testOwner)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, active.ID)

	all, err := svc.List(ctx, testOwner, DeploymentFilter{})
	require.NoError(t, err)
	count := 0
	for _, d := range all {
		if d.IsActive {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestDeploymentService_ActivateOtherOwner(t *testing.T) {
	svc, _, _ := newTestDeploymentService()
	ctx := context.Background()

	d, err := svc.Create(ctx, testOwner, CreateDeploymentRequest{Name: "Agent", Configuration: chatConfig("m")})
	require.NoError(t, err)

	_, err = svc.Activate(ctx, "someone-else", d.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = svc.Get(ctx, "someone-else", d.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestDeploymentService_CreateVersionCopiesParent(t *testing.T) {
	svc, _, _ := newTestDeploymentService()
	ctx := context.Background()

	snapshot := json.RawMessage(`{"items":3}`)
	parent, err := svc.Create(ctx, testOwner, CreateDeploymentRequest{
		Name:          "Agent",
		Configuration: chatConfig("m1"),
		Snapshots:     models.DeploymentSnapshots{KnowledgeBase: snapshot},
	})
	require.NoError(t, err)

	changelog := "new model"
	override := chatConfig("m2")
	child, err := svc.CreateVersion(ctx, testOwner, parent.ID, CreateVersionRequest{
		Configuration: &override,
		Changelog:     &changelog,
	})
	require.NoError(t, err)

	assert.Equal(t, parent.Name, child.Name)
	require.NotNil(t, child.ParentDeploymentID)
	assert.Equal(t, parent.ID, *child.ParentDeploymentID)
	assert.Equal(t, "m2", child.Configuration.Chat.Model)
	assert.JSONEq(t, string(snapshot), string(child.KnowledgeBaseSnapshot))
	assert.Equal(t, models.DeploymentStatusDraft, child.DeploymentStatus)

	_, err = svc.CreateVersion(ctx, testOwner, uuid.New(), CreateVersionRequest{})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestDeploymentService_Clone(t *testing.T) {
	svc, _, _ := newTestDeploymentService()
	ctx := context.Background()

	source, err := svc.Create(ctx, testOwner, CreateDeploymentRequest{Name: "Agent", Configuration: chatConfig("m1")})
	require.NoError(t, err)
	_, err = svc.CreateVersion(ctx, testOwner, source.ID, CreateVersionRequest{})
	require.NoError(t, err)

	clone, err := svc.Clone(ctx, testOwner, source.ID, "Agent Copy")
	require.NoError(t, err)
	assert.Equal(t, 1, clone.Version)
	assert.Nil(t, clone.ParentDeploymentID)
	assert.Equal(t, "m1", clone.Configuration.Chat.Model)

	history, err := svc.History(ctx, testOwner, "Agent")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 2, history[0].Version)
}

func TestDeploymentService_ArchiveActiveIsRejected(t *testing.T) {
	svc, _, _ := newTestDeploymentService()
	ctx := context.Background()

	d, err := svc.Create(ctx, testOwner, CreateDeploymentRequest{Name: "Agent", Configuration: chatConfig("m")})
	require.NoError(t, err)
	_, err = svc.Activate(ctx, testOwner, d.ID)
	require.NoError(t, err)

	_, err = svc.Archive(ctx, testOwner, d.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvariantViolation)

	_, err = svc.Deactivate(ctx, testOwner, d.ID)
	require.NoError(t, err)
	archived, err := svc.Archive(ctx, testOwner, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentStatusArchived, archived.DeploymentStatus)

	active, err := svc.GetActive(ctx, testOwner)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestDeploymentService_UpdateDraft(t *testing.T) {
	svc, _, _ := newTestDeploymentService()
	ctx := context.Background()

	d, err := svc.Create(ctx, testOwner, CreateDeploymentRequest{Name: "Agent", Configuration: chatConfig("m1")})
	require.NoError(t, err)

	cfg := chatConfig("m2")
	updated, err := svc.UpdateDraft(ctx, testOwner, d.ID, UpdateDeploymentRequest{Configuration: &cfg})
	require.NoError(t, err)
	assert.Equal(t, "m2", updated.Configuration.Chat.Model)

	_, err = svc.Activate(ctx, testOwner, d.ID)
	require.NoError(t, err)

	_, err = svc.UpdateDraft(ctx, testOwner, d.ID, UpdateDeploymentRequest{Configuration: &cfg})
	assert.ErrorIs(t, err, apperrors.ErrInvariantViolation)
}

func TestDeploymentService_ResolveRespectsKillSwitch(t *testing.T) {
	svc, _, _ := newTestDeploymentService()
	ctx := context.Background()

	resolved, err := svc.ResolveActive(ctx, testOwner)
	require.NoError(t, err)
	assert.Nil(t, resolved, "no active deployment resolves to nil")

	d, err := svc.Create(ctx, testOwner, CreateDeploymentRequest{Name: "Agent", Configuration: chatConfig("m")})
	require.NoError(t, err)
	_, err = svc.Activate(ctx, testOwner, d.ID)
	require.NoError(t, err)

	resolved, err = svc.ResolveActive(ctx, testOwner)
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, "m", resolved.Configuration.Chat.Model)

	_, err = svc.SetEnabled(ctx, testOwner, d.ID, false)
	require.NoError(t, err)

	_, err = svc.ResolveActive(ctx, testOwner)
	assert.ErrorIs(t, err, apperrors.ErrDeploymentDisabled)
	_, err = svc.ResolveForInvocation(ctx, testOwner, d.ID)
	assert.ErrorIs(t, err, apperrors.ErrDeploymentDisabled)

	active, err := svc.GetActive(ctx, testOwner)
	require.NoError(t, err)
	assert.Equal(t, d.ID, active.ID, "disabling does not deactivate")
}

func TestDeploymentService_Delete(t *testing.T) {
	svc, _, notifier := newTestDeploymentService()
	ctx := context.Background()

	d, err := svc.Create(ctx, testOwner, CreateDeploymentRequest{Name: "Agent", Configuration: chatConfig("m")})
	require.NoError(t, err)
	waitForEvent(t, notifier)

	require.NoError(t, svc.Delete(ctx, d.ID))
	event := waitForEvent(t, notifier)
	assert.Equal(t, notify.EventDeploymentDeleted, event.Type)

	assert.ErrorIs(t, svc.Delete(ctx, d.ID), apperrors.ErrNotFound)
}

func TestDeploymentService_ActivateErrorIsReturned(t *testing.T) {
	svc, repo, _ := newTestDeploymentService()
	ctx := context.Background()

	d, err := svc.Create(ctx, testOwner, CreateDeploymentRequest{Name: "Agent", Configuration: chatConfig("m")})
	require.NoError(t, err)

	repo.activateErr = apperrors.ErrConflict
	_, err = svc.Activate(ctx, testOwner, d.ID)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}
