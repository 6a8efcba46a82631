package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/auth"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/models"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/services"
)

// FeedbackListResponse for GET /api/feedback
type FeedbackListResponse struct {
	Events []*models.FeedbackEvent `json:"events"`
	Total  int                     `json:"total"`
}

// FeedbackHandler handles feedback submission and listing.
type FeedbackHandler struct {
	feedback services.FeedbackService
	logger   *zap.Logger
}

// NewFeedbackHandler creates a new feedback handler.
func NewFeedbackHandler(feedback services.FeedbackService, logger *zap.Logger) *FeedbackHandler {
	return &FeedbackHandler{feedback: feedback, logger: logger}
}

// RegisterRoutes registers the feedback routes. limit wraps submission with the shared
// rate limiter and may be nil.
func (h *FeedbackHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, limit func(http.HandlerFunc) http.HandlerFunc) {
	if limit == nil {
		limit = func(next http.HandlerFunc) http.HandlerFunc { return next }
	}
	mux.HandleFunc("POST /api/feedback", authMiddleware.RequireAuth(limit(h.Submit)))
	mux.HandleFunc("GET /api/feedback", authMiddleware.RequireAuth(h.List))
	mux.HandleFunc("GET /api/knowledge/{id}/feedback", authMiddleware.RequireAuth(h.ListForItem))
}

// Submit handles POST /api/feedback. Items whose counters could not be updated are
// reported in failed_knowledge_ids; the request still succeeds.
func (h *FeedbackHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req services.SubmitFeedbackRequest
	if !decodeBody(w, r, h.logger, &req, false) {
		return
	}
	if userID := auth.GetUserIDFromContext(r.Context()); userID != "" {
		req.UserID = &userID
	}

	result, err := h.feedback.Submit(r.Context(), req)
	if err != nil {
		writeServiceError(w, h.logger, "submit feedback", err)
		return
	}
	writeData(w, h.logger, http.StatusCreated, result)
}

// List handles GET /api/feedback?conversation_id=
func (h *FeedbackHandler) List(w http.ResponseWriter, r *http.Request) {
	events, err := h.feedback.ListByConversation(r.Context(), r.URL.Query().Get("conversation_id"))
	if err != nil {
		writeServiceError(w, h.logger, "list feedback", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, FeedbackListResponse{Events: events, Total: len(events)})
}

// ListForItem handles GET /api/knowledge/{id}/feedback?limit=
func (h *FeedbackHandler) ListForItem(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseID(w, r, h.logger)
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, h.logger, "limit", 0)
	if !ok {
		return
	}

	events, err := h.feedback.ListByKnowledgeItem(r.Context(), id, limit)
	if err != nil {
		writeServiceError(w, h.logger, "list item feedback", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, FeedbackListResponse{Events: events, Total: len(events)})
}
