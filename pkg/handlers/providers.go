package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/auth"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/models"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/services"
)

const defaultHealthSummaryWindow = 24 * time.Hour

// ProviderQueryRequest for POST /api/providers/query and POST /api/providers/{id}/query
type ProviderQueryRequest struct {
	// Domain selects the providers for a fan-out. Ignored when querying one provider.
	Domain  string         `json:"domain,omitempty"`
	Query   string         `json:"query"`
	Context map[string]any `json:"context,omitempty"`
}

// ProviderQueryResponse wraps the per-provider envelopes of a fan-out.
type ProviderQueryResponse struct {
	Results   []*models.ProviderCallResult `json:"results"`
	Succeeded int                          `json:"succeeded"`
	Failed    int                          `json:"failed"`
}

// SetActiveRequest for POST /api/providers/{id}/active
type SetActiveRequest struct {
	Active bool `json:"active"`
}

// ProviderListResponse for GET /api/providers
type ProviderListResponse struct {
	Providers []*models.ContextProvider `json:"providers"`
}

// ProviderHandler handles the context provider registry and provider queries.
type ProviderHandler struct {
	providers services.ContextProviderService
	logger    *zap.Logger
}

// NewProviderHandler creates a new provider handler.
func NewProviderHandler(providers services.ContextProviderService, logger *zap.Logger) *ProviderHandler {
	return &ProviderHandler{providers: providers, logger: logger}
}

// RegisterRoutes registers the provider routes. Registry writes require adminRole.
// limit wraps the query endpoints and may be nil.
func (h *ProviderHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, adminRole string, limit func(http.HandlerFunc) http.HandlerFunc) {
	if limit == nil {
		limit = func(next http.HandlerFunc) http.HandlerFunc { return next }
	}
	base := "/api/providers"
	requireAuth := authMiddleware.RequireAuth
	requireAdmin := authMiddleware.RequireRole(adminRole)

	mux.HandleFunc("GET "+base, requireAuth(h.List))
	mux.HandleFunc("GET "+base+"/{id}", requireAuth(h.Get))
	mux.HandleFunc("POST "+base+"/query", requireAuth(limit(h.FanOut)))
	mux.HandleFunc("POST "+base+"/{id}/query", requireAuth(limit(h.Query)))

	mux.HandleFunc("POST "+base, requireAdmin(h.Create))
	mux.HandleFunc("PATCH "+base+"/{id}", requireAdmin(h.Update))
	mux.HandleFunc("DELETE "+base+"/{id}", requireAdmin(h.Delete))
	mux.HandleFunc("POST "+base+"/{id}/active", requireAdmin(h.SetActive))

	// Health
	mux.HandleFunc("POST "+base+"/health", requireAdmin(h.CheckAllHealth))
	mux.HandleFunc("POST "+base+"/{id}/health", requireAdmin(h.CheckHealth))
	mux.HandleFunc("GET "+base+"/{id}/health", requireAuth(h.HealthHistory))
	mux.HandleFunc("GET "+base+"/{id}/health/summary", requireAuth(h.HealthSummary))
}

// List handles GET /api/providers?domain=&active=
func (h *ProviderHandler) List(w http.ResponseWriter, r *http.Request) {
	activeOnly, ok := queryBool(w, r, h.logger, "active", false)
	if !ok {
		return
	}
	domain := r.URL.Query().Get("domain")

	var (
		providers []*models.ContextProvider
		err       error
	)
	if activeOnly || domain != "" {
		providers, err = h.providers.ListActive(r.Context(), domain)
	} else {
		providers, err = h.providers.List(r.Context())
	}
	if err != nil {
		writeServiceError(w, h.logger, "list providers", err)
		return
	}
	if providers == nil {
		providers = []*models.ContextProvider{}
	}
	writeData(w, h.logger, http.StatusOK, ProviderListResponse{Providers: providers})
}

// Get handles GET /api/providers/{id}
func (h *ProviderHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseID(w, r, h.logger)
	if !ok {
		return
	}

	p, err := h.providers.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "get provider", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, p)
}

// Create handles POST /api/providers
func (h *ProviderHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req services.CreateProviderRequest
	if !decodeBody(w, r, h.logger, &req, false) {
		return
	}

	p, err := h.providers.Create(r.Context(), req)
	if err != nil {
		writeServiceError(w, h.logger, "create provider", err)
		return
	}
	writeData(w, h.logger, http.StatusCreated, p)
}

// Update handles PATCH /api/providers/{id}
func (h *ProviderHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseID(w, r, h.logger)
	if !ok {
		return
	}

	var req services.UpdateProviderRequest
	if !decodeBody(w, r, h.logger, &req, false) {
		return
	}

	p, err := h.providers.Update(r.Context(), id, req)
	if err != nil {
		writeServiceError(w, h.logger, "update provider", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, p)
}

// SetActive handles POST /api/providers/{id}/active
func (h *ProviderHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseID(w, r, h.logger)
	if !ok {
		return
	}

	var req SetActiveRequest
	if !decodeBody(w, r, h.logger, &req, false) {
		return
	}

	if err := h.providers.SetActive(r.Context(), id, req.Active); err != nil {
		writeServiceError(w, h.logger, "change provider state", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete handles DELETE /api/providers/{id}
func (h *ProviderHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.providers.Delete(r.Context(), id); err != nil {
		writeServiceError(w, h.logger, "delete provider", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FanOut handles POST /api/providers/query. Provider failures appear in the envelopes;
// the request itself only fails on invalid input or a registry error.
func (h *ProviderHandler) FanOut(w http.ResponseWriter, r *http.Request) {
	var req ProviderQueryRequest
	if !decodeBody(w, r, h.logger, &req, false) {
		return
	}

	results, err := h.providers.FanOut(r.Context(), req.Domain, req.Query, req.Context)
	if err != nil {
		writeServiceError(w, h.logger, "query providers", err)
		return
	}

	resp := ProviderQueryResponse{Results: results}
	for _, res := range results {
		if res.Success {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}
	writeData(w, h.logger, http.StatusOK, resp)
}

// Query handles POST /api/providers/{id}/query
func (h *ProviderHandler) Query(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseID(w, r, h.logger)
	if !ok {
		return
	}

	var req ProviderQueryRequest
	if !decodeBody(w, r, h.logger, &req, false) {
		return
	}

	result, err := h.providers.Query(r.Context(), id, req.Query, req.Context)
	if result != nil {
		writeData(w, h.logger, http.StatusOK, result)
		return
	}
	writeServiceError(w, h.logger, "query provider", err)
}

// CheckHealth handles POST /api/providers/{id}/health
func (h *ProviderHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseID(w, r, h.logger)
	if !ok {
		return
	}

	record, err := h.providers.CheckHealth(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "check provider health", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, record)
}

// CheckAllHealth handles POST /api/providers/health
func (h *ProviderHandler) CheckAllHealth(w http.ResponseWriter, r *http.Request) {
	records, err := h.providers.CheckAllHealth(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, "check provider health", err)
		return
	}
	if records == nil {
		records = []*models.HealthRecord{}
	}
	writeData(w, h.logger, http.StatusOK, records)
}

// HealthHistory handles GET /api/providers/{id}/health?limit=
func (h *ProviderHandler) HealthHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseID(w, r, h.logger)
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, h.logger, "limit", 0)
	if !ok {
		return
	}

	records, err := h.providers.HealthHistory(r.Context(), id, limit)
	if err != nil {
		writeServiceError(w, h.logger, "get provider health", err)
		return
	}
	if records == nil {
		records = []*models.HealthRecord{}
	}
	writeData(w, h.logger, http.StatusOK, records)
}

// HealthSummary handles GET /api/providers/{id}/health/summary?window=24h
func (h *ProviderHandler) HealthSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseID(w, r, h.logger)
	if !ok {
		return
	}

	window := defaultHealthSummaryWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			if err := ErrorResponse(w, http.StatusBadRequest, "invalid_window", "window must be a positive duration such as 24h"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		window = d
	}

	summary, err := h.providers.HealthSummary(r.Context(), id, window)
	if err != nil {
		writeServiceError(w, h.logger, "summarize provider health", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, summary)
}
