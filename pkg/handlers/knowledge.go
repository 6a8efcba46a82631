package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/auth"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/models"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/services"
)

// KnowledgeSearchResponse for GET /api/knowledge/search
type KnowledgeSearchResponse struct {
	Items []*models.KnowledgeItem `json:"items"`
	Total int                     `json:"total"`
}

// RecordUsageBody for POST /api/knowledge/{id}/usage. The item id comes from the path.
type RecordUsageBody struct {
	Domain     models.KnowledgeDomain `json:"domain"`
	UseCase    string                 `json:"use_case"`
	SessionID  *string                `json:"session_id,omitempty"`
	QueryText  *string                `json:"query_text,omitempty"`
	WasHelpful *bool                  `json:"was_helpful,omitempty"`
}

// KnowledgeHandler handles knowledge retrieval and curation requests.
type KnowledgeHandler struct {
	knowledge services.KnowledgeService
	logger    *zap.Logger
}

// NewKnowledgeHandler creates a new knowledge handler.
func NewKnowledgeHandler(knowledge services.KnowledgeService, logger *zap.Logger) *KnowledgeHandler {
	return &KnowledgeHandler{knowledge: knowledge, logger: logger}
}

// RegisterRoutes registers the knowledge routes. Curation writes require curatorRole.
func (h *KnowledgeHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, curatorRole string) {
	base := "/api/knowledge"
	requireAuth := authMiddleware.RequireAuth
	requireCurator := authMiddleware.RequireRole(curatorRole)

	// Retrieval
	mux.HandleFunc("GET "+base+"/search", requireAuth(h.Search))
	mux.HandleFunc("GET "+base+"/top", requireAuth(h.TopPerforming))
	mux.HandleFunc("GET "+base+"/stats", requireAuth(h.DomainStats))
	mux.HandleFunc("GET "+base+"/{id}", requireAuth(h.Get))
	mux.HandleFunc("POST "+base+"/{id}/usage", requireAuth(h.RecordUsage))

	// Curation
	mux.HandleFunc("POST "+base, requireCurator(h.Create))
	mux.HandleFunc("PATCH "+base+"/{id}", requireCurator(h.Update))
	mux.HandleFunc("DELETE "+base+"/{id}", requireCurator(h.Delete))
	mux.HandleFunc("POST "+base+"/{id}/approve", requireCurator(h.Approve))
	mux.HandleFunc("POST "+base+"/{id}/unapprove", requireCurator(h.Unapprove))
}

// Search handles GET /api/knowledge/search?domain=&q=&content_type=&limit=&use_case=&session_id=
func (h *KnowledgeHandler) Search(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, h.logger, "limit", 0)
	if !ok {
		return
	}

	q := r.URL.Query()
	req := services.SearchRequest{
		Domain:  models.KnowledgeDomain(q.Get("domain")),
		Query:   q.Get("q"),
		Limit:   limit,
		UseCase: q.Get("use_case"),
	}
	if ct := q.Get("content_type"); ct != "" {
		contentType := models.ContentType(ct)
		req.ContentType = &contentType
	}
	if sid := q.Get("session_id"); sid != "" {
		req.SessionID = &sid
	}
	if userID := auth.GetUserIDFromContext(r.Context()); userID != "" {
		req.UserID = &userID
	}

	items, err := h.knowledge.Search(r.Context(), req)
	if err != nil {
		writeServiceError(w, h.logger, "search knowledge", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, KnowledgeSearchResponse{Items: items, Total: len(items)})
}

// TopPerforming handles GET /api/knowledge/top?domain=&limit=
func (h *KnowledgeHandler) TopPerforming(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, h.logger, "limit", 0)
	if !ok {
		return
	}

	domain := models.KnowledgeDomain(r.URL.Query().Get("domain"))
	items, err := h.knowledge.TopPerforming(r.Context(), domain, limit)
	if err != nil {
		writeServiceError(w, h.logger, "rank knowledge", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, KnowledgeSearchResponse{Items: items, Total: len(items)})
}

// DomainStats handles GET /api/knowledge/stats?domain=
func (h *KnowledgeHandler) DomainStats(w http.ResponseWriter, r *http.Request) {
	domain := models.KnowledgeDomain(r.URL.Query().Get("domain"))
	stats, err := h.knowledge.DomainStats(r.Context(), domain)
	if err != nil {
		writeServiceError(w, h.logger, "get knowledge stats", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, stats)
}

// Get handles GET /api/knowledge/{id}
func (h *KnowledgeHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseID(w, r, h.logger)
	if !ok {
		return
	}

	item, err := h.knowledge.GetItem(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "get knowledge item", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, item)
}

// RecordUsage handles POST /api/knowledge/{id}/usage
func (h *KnowledgeHandler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseID(w, r, h.logger)
	if !ok {
		return
	}

	var body RecordUsageBody
	if !decodeBody(w, r, h.logger, &body, false) {
		return
	}

	req := services.RecordUsageRequest{
		KnowledgeID: id,
		Domain:      body.Domain,
		UseCase:     body.UseCase,
		SessionID:   body.SessionID,
		QueryText:   body.QueryText,
		WasHelpful:  body.WasHelpful,
	}
	if userID := auth.GetUserIDFromContext(r.Context()); userID != "" {
		req.UserID = &userID
	}

	if err := h.knowledge.RecordUsage(r.Context(), req); err != nil {
		writeServiceError(w, h.logger, "record knowledge usage", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Create handles POST /api/knowledge
func (h *KnowledgeHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req services.CreateKnowledgeItemRequest
	if !decodeBody(w, r, h.logger, &req, false) {
		return
	}

	item, err := h.knowledge.CreateItem(r.Context(), req)
	if err != nil {
		writeServiceError(w, h.logger, "create knowledge item", err)
		return
	}
	writeData(w, h.logger, http.StatusCreated, item)
}

// Update handles PATCH /api/knowledge/{id}
func (h *KnowledgeHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseID(w, r, h.logger)
	if !ok {
		return
	}

	var req services.UpdateKnowledgeItemRequest
	if !decodeBody(w, r, h.logger, &req, false) {
		return
	}

	item, err := h.knowledge.UpdateItem(r.Context(), id, req)
	if err != nil {
		writeServiceError(w, h.logger, "update knowledge item", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, item)
}

// Delete handles DELETE /api/knowledge/{id}
func (h *KnowledgeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.knowledge.DeleteItem(r.Context(), id); err != nil {
		writeServiceError(w, h.logger, "delete knowledge item", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Approve handles POST /api/knowledge/{id}/approve
func (h *KnowledgeHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.setApproved(w, r, true)
}

// Unapprove handles POST /api/knowledge/{id}/unapprove
func (h *KnowledgeHandler) Unapprove(w http.ResponseWriter, r *http.Request) {
	h.setApproved(w, r, false)
}

func (h *KnowledgeHandler) setApproved(w http.ResponseWriter, r *http.Request, approved bool) {
	id, ok := ParseID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.knowledge.SetApproved(r.Context(), id, approved); err != nil {
		writeServiceError(w, h.logger, "change knowledge approval", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
