package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/auth"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/models"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/services"
)

// ============================================================================
// Request/Response Types
// ============================================================================

// DeploymentListResponse for GET /api/deployments
type DeploymentListResponse struct {
	Deployments []*models.Deployment `json:"deployments"`
	Total       int                  `json:"total"`
}

// CloneDeploymentRequest for POST /api/deployments/{id}/clone
type CloneDeploymentRequest struct {
	Name string `json:"name"`
}

// ActiveDeploymentResponse for GET /api/deployments/active and /serving.
// Deployment is null when the owner has nothing active.
type ActiveDeploymentResponse struct {
	Deployment *models.Deployment `json:"deployment"`
}

// ============================================================================
// Handler
// ============================================================================

// DeploymentHandler handles deployment lifecycle and analytics requests.
type DeploymentHandler struct {
	deployments services.DeploymentService
	analytics   services.DeploymentAnalyticsService
	logger      *zap.Logger
}

// NewDeploymentHandler creates a new deployment handler.
func NewDeploymentHandler(
	deployments services.DeploymentService,
	analytics services.DeploymentAnalyticsService,
	logger *zap.Logger,
) *DeploymentHandler {
	return &DeploymentHandler{
		deployments: deployments,
		analytics:   analytics,
		logger:      logger,
	}
}

// RegisterRoutes registers the deployment routes. Delete requires adminRole.
func (h *DeploymentHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, adminRole string) {
	base := "/api/deployments"
	requireAuth := authMiddleware.RequireAuth

	mux.HandleFunc("GET "+base, requireAuth(h.List))
	mux.HandleFunc("POST "+base, requireAuth(h.Create))
	mux.HandleFunc("GET "+base+"/active", requireAuth(h.GetActive))
	mux.HandleFunc("GET "+base+"/serving", requireAuth(h.Serving))
	mux.HandleFunc("GET "+base+"/history", requireAuth(h.History))
	mux.HandleFunc("GET "+base+"/metrics", requireAuth(h.ListMetrics))
	mux.HandleFunc("GET "+base+"/metrics/summary", requireAuth(h.MetricsSummary))

	mux.HandleFunc("GET "+base+"/{id}", requireAuth(h.Get))
	mux.HandleFunc("PATCH "+base+"/{id}", requireAuth(h.UpdateDraft))
	mux.HandleFunc("DELETE "+base+"/{id}", authMiddleware.RequireRole(adminRole)(h.Delete))
	mux.HandleFunc("GET "+base+"/{id}/metrics", requireAuth(h.GetMetrics))
	mux.HandleFunc("GET "+base+"/{id}/resolve", requireAuth(h.ResolveForInvocation))

	mux.HandleFunc("POST "+base+"/{id}/activate", requireAuth(h.Activate))
	mux.HandleFunc("POST "+base+"/{id}/deactivate", requireAuth(h.Deactivate))
	mux.HandleFunc("POST "+base+"/{id}/archive", requireAuth(h.Archive))
	mux.HandleFunc("POST "+base+"/{id}/enable", requireAuth(h.Enable))
	mux.HandleFunc("POST "+base+"/{id}/disable", requireAuth(h.Disable))
	mux.HandleFunc("POST "+base+"/{id}/versions", requireAuth(h.CreateVersion))
	mux.HandleFunc("POST "+base+"/{id}/clone", requireAuth(h.Clone))
}

// List handles GET /api/deployments?status=
func (h *DeploymentHandler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r, h.logger)
	if !ok {
		return
	}

	var filter services.DeploymentFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := models.DeploymentStatus(raw)
		filter.Status = &status
	}

	deployments, err := h.deployments.List(r.Context(), ownerID, filter)
	if err != nil {
		writeServiceError(w, h.logger, "list deployments", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, DeploymentListResponse{Deployments: deployments, Total: len(deployments)})
}

// Create handles POST /api/deployments
func (h *DeploymentHandler) Create(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r, h.logger)
	if !ok {
		return
	}

	var req services.CreateDeploymentRequest
	if !decodeBody(w, r, h.logger, &req, false) {
		return
	}

	d, err := h.deployments.Create(r.Context(), ownerID, req)
	if err != nil {
		writeServiceError(w, h.logger, "create deployment", err)
		return
	}
	writeData(w, h.logger, http.StatusCreated, d)
}

// Get handles GET /api/deployments/{id}
func (h *DeploymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.withDeployment(w, r, "get deployment", h.deployments.Get)
}

// UpdateDraft handles PATCH /api/deployments/{id}
func (h *DeploymentHandler) UpdateDraft(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r, h.logger)
	if !ok {
		return
	}
	id, ok := ParseID(w, r, h.logger)
	if !ok {
		return
	}

	var req services.UpdateDeploymentRequest
	if !decodeBody(w, r, h.logger, &req, false) {
		return
	}

	d, err := h.deployments.UpdateDraft(r.Context(), ownerID, id, req)
	if err != nil {
		writeServiceError(w, h.logger, "update deployment", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, d)
}

// Delete handles DELETE /api/deployments/{id} (admin only)
func (h *DeploymentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.deployments.Delete(r.Context(), id); err != nil {
		writeServiceError(w, h.logger, "delete deployment", err)
		return
	}

	h.logger.Info("Deployment deleted by admin",
		zap.String("deployment_id", id.String()),
		zap.String("admin", auth.GetUserIDFromContext(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

// Activate handles POST /api/deployments/{id}/activate
func (h *DeploymentHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.withDeployment(w, r, "activate deployment", h.deployments.Activate)
}

// Deactivate handles POST /api/deployments/{id}/deactivate
func (h *DeploymentHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.withDeployment(w, r, "deactivate deployment", h.deployments.Deactivate)
}

// Archive handles POST /api/deployments/{id}/archive
func (h *DeploymentHandler) Archive(w http.ResponseWriter, r *http.Request) {
	h.withDeployment(w, r, "archive deployment", h.deployments.Archive)
}

// Enable handles POST /api/deployments/{id}/enable
func (h *DeploymentHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

// Disable handles POST /api/deployments/{id}/disable (kill switch)
func (h *DeploymentHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *DeploymentHandler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	ownerID, ok := requireOwner(w, r, h.logger)
	if !ok {
		return
	}
	id, ok := ParseID(w, r, h.logger)
	if !ok {
		return
	}

	d, err := h.deployments.SetEnabled(r.Context(), ownerID, id, enabled)
	if err != nil {
		writeServiceError(w, h.logger, "change deployment enablement", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, d)
}

// CreateVersion handles POST /api/deployments/{id}/versions
func (h *DeploymentHandler) CreateVersion(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r, h.logger)
	if !ok {
		return
	}
	parentID, ok := ParseID(w, r, h.logger)
	if !ok {
		return
	}

	var req services.CreateVersionRequest
	if !decodeBody(w, r, h.logger, &req, true) {
		return
	}

	d, err := h.deployments.CreateVersion(r.Context(), ownerID, parentID, req)
	if err != nil {
		writeServiceError(w, h.logger, "create deployment version", err)
		return
	}
	writeData(w, h.logger, http.StatusCreated, d)
}

// Clone handles POST /api/deployments/{id}/clone
func (h *DeploymentHandler) Clone(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r, h.logger)
	if !ok {
		return
	}
	sourceID, ok := ParseID(w, r, h.logger)
	if !ok {
		return
	}

	var req CloneDeploymentRequest
	if !decodeBody(w, r, h.logger, &req, false) {
		return
	}

	d, err := h.deployments.Clone(r.Context(), ownerID, sourceID, req.Name)
	if err != nil {
		writeServiceError(w, h.logger, "clone deployment", err)
		return
	}
	writeData(w, h.logger, http.StatusCreated, d)
}

// GetActive handles GET /api/deployments/active
func (h *DeploymentHandler) GetActive(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r, h.logger)
	if !ok {
		return
	}

	d, err := h.deployments.GetActive(r.Context(), ownerID)
	if err != nil {
		writeServiceError(w, h.logger, "get active deployment", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, ActiveDeploymentResponse{Deployment: d})
}

// Serving handles GET /api/deployments/serving. A disabled active deployment is 423.
func (h *DeploymentHandler) Serving(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r, h.logger)
	if !ok {
		return
	}

	d, err := h.deployments.ResolveActive(r.Context(), ownerID)
	if err != nil {
		writeServiceError(w, h.logger, "resolve serving deployment", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, ActiveDeploymentResponse{Deployment: d})
}

// ResolveForInvocation handles GET /api/deployments/{id}/resolve
func (h *DeploymentHandler) ResolveForInvocation(w http.ResponseWriter, r *http.Request) {
	h.withDeployment(w, r, "resolve deployment", h.deployments.ResolveForInvocation)
}

// History handles GET /api/deployments/history?name=
func (h *DeploymentHandler) History(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r, h.logger)
	if !ok {
		return
	}

	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		if err := ErrorResponse(w, http.StatusBadRequest, "missing_name", "name query parameter is required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	versions, err := h.deployments.History(r.Context(), ownerID, name)
	if err != nil {
		writeServiceError(w, h.logger, "get deployment history", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, DeploymentListResponse{Deployments: versions, Total: len(versions)})
}

// GetMetrics handles GET /api/deployments/{id}/metrics
func (h *DeploymentHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r, h.logger)
	if !ok {
		return
	}
	id, ok := ParseID(w, r, h.logger)
	if !ok {
		return
	}

	metrics, err := h.analytics.GetMetrics(r.Context(), ownerID, id)
	if err != nil {
		writeServiceError(w, h.logger, "get deployment metrics", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, metrics)
}

// ListMetrics handles GET /api/deployments/metrics?sort_by=&desc=
func (h *DeploymentHandler) ListMetrics(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r, h.logger)
	if !ok {
		return
	}
	desc, ok := queryBool(w, r, h.logger, "desc", true)
	if !ok {
		return
	}

	sortBy := services.MetricsSortField(r.URL.Query().Get("sort_by"))
	metrics, err := h.analytics.ListMetrics(r.Context(), ownerID, sortBy, desc)
	if err != nil {
		writeServiceError(w, h.logger, "list deployment metrics", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, metrics)
}

// MetricsSummary handles GET /api/deployments/metrics/summary
func (h *DeploymentHandler) MetricsSummary(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r, h.logger)
	if !ok {
		return
	}

	summary, err := h.analytics.Summary(r.Context(), ownerID)
	if err != nil {
		writeServiceError(w, h.logger, "summarize deployments", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, summary)
}

// withDeployment runs an owner-scoped single-deployment operation and writes its result.
func (h *DeploymentHandler) withDeployment(
	w http.ResponseWriter,
	r *http.Request,
	action string,
	op func(ctx context.Context, ownerID string, id uuid.UUID) (*models.Deployment, error),
) {
	ownerID, ok := requireOwner(w, r, h.logger)
	if !ok {
		return
	}
	id, ok := ParseID(w, r, h.logger)
	if !ok {
		return
	}

	d, err := op(r.Context(), ownerID, id)
	if err != nil {
		writeServiceError(w, h.logger, action, err)
		return
	}
	writeData(w, h.logger, http.StatusOK, d)
}
