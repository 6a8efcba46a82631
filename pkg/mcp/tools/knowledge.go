package tools

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/models"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/services"
)

var knowledgeDomains = []string{
	string(models.DomainMedicalImaging),
	string(models.DomainPatientOnboarding),
	string(models.DomainClinicalRisk),
	string(models.DomainConversational),
}

var contentTypes = []string{
	string(models.ContentTypeFinding),
	string(models.ContentTypeGuideline),
	string(models.ContentTypeTemplate),
	string(models.ContentTypeProtocol),
	string(models.ContentTypeFAQ),
	string(models.ContentTypeEducationalContent),
	string(models.ContentTypeScoringSystem),
}

type searchKnowledgeResponse struct {
	Domain models.KnowledgeDomain  `json:"domain"`
	Items  []*models.KnowledgeItem `json:"items"`
	Total  int                     `json:"total"`
}

type recordUsageResponse struct {
	KnowledgeID uuid.UUID `json:"knowledge_id"`
	Recorded    bool      `json:"recorded"`
}

// RegisterKnowledgeTools registers the knowledge retrieval tools.
func RegisterKnowledgeTools(s *server.MCPServer, deps *Deps) {
	registerSearchKnowledgeTool(s, deps)
	registerGetKnowledgeItemTool(s, deps)
	registerRecordKnowledgeUsageTool(s, deps)
}

func registerSearchKnowledgeTool(s *server.MCPServer, deps *Deps) {
	tool := mcp.NewTool(
		"search_knowledge",
		mcp.WithDescription(
			"Search approved knowledge in exactly one domain. Results never mix domains. "+
				"Items are ranked by text relevance, then quality score; ties keep a stable order. "+
				"Pass use_case to record every returned item as used for that purpose.",
		),
		mcp.WithString(
			"domain",
			mcp.Required(),
			mcp.Description("Knowledge domain to search"),
			mcp.Enum(knowledgeDomains...),
		),
		mcp.WithString(
			"query",
			mcp.Description("Free-text query matched against titles and descriptions. Empty returns the best items of the domain."),
		),
		mcp.WithString(
			"content_type",
			mcp.Description("Optional - restrict results to one content type"),
			mcp.Enum(contentTypes...),
		),
		mcp.WithNumber(
			"limit",
			mcp.Description(fmt.Sprintf("Optional - maximum results (default %d, max %d)", services.DefaultSearchLimit, services.MaxSearchLimit)),
		),
		mcp.WithString(
			"use_case",
			mcp.Description("Optional - record the returned items as used for this purpose (e.g. 'answer_patient_question')"),
		),
		mcp.WithString(
			"session_id",
			mcp.Description("Optional - conversation or session the search belongs to"),
		),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		domain, err := req.RequireString("domain")
		if err != nil {
			return NewErrorResult("invalid_parameters", err.Error()), nil
		}
		limit, err := getOptionalInt(req, "limit", 0)
		if err != nil {
			return NewErrorResult("invalid_parameters", err.Error()), nil
		}

		search := services.SearchRequest{
			Domain:    models.KnowledgeDomain(trimString(domain)),
			Query:     getOptionalString(req, "query"),
			Limit:     limit,
			UseCase:   getOptionalString(req, "use_case"),
			SessionID: getOptionalStringPtr(req, "session_id"),
			UserID:    callerID(ctx),
		}
		if ct := getOptionalString(req, "content_type"); ct != "" {
			contentType := models.ContentType(ct)
			search.ContentType = &contentType
		}

		items, err := deps.Knowledge.Search(ctx, search)
		if err != nil {
			return HandleServiceError(err, "search_knowledge_failed")
		}
		if items == nil {
			items = []*models.KnowledgeItem{}
		}

		return jsonResult(searchKnowledgeResponse{Domain: search.Domain, Items: items, Total: len(items)})
	})
}

func registerGetKnowledgeItemTool(s *server.MCPServer, deps *Deps) {
	tool := mcp.NewTool(
		"get_knowledge_item",
		mcp.WithDescription("Fetch one knowledge item by id, including its usage and feedback statistics."),
		mcp.WithString(
			"knowledge_id",
			mcp.Required(),
			mcp.Description("UUID of the knowledge item"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, result := requireUUID(req, "knowledge_id")
		if result != nil {
			return result, nil
		}

		item, err := deps.Knowledge.GetItem(ctx, id)
		if err != nil {
			return HandleServiceError(err, "get_knowledge_item_failed")
		}
		return jsonResult(item)
	})
}

func registerRecordKnowledgeUsageTool(s *server.MCPServer, deps *Deps) {
	tool := mcp.NewTool(
		"record_knowledge_usage",
		mcp.WithDescription(
			"Record that a knowledge item was used in a response. "+
				"Each call increments the item's usage count by exactly one.",
		),
		mcp.WithString(
			"knowledge_id",
			mcp.Required(),
			mcp.Description("UUID of the knowledge item that was used"),
		),
		mcp.WithString(
			"domain",
			mcp.Required(),
			mcp.Description("Domain the item was retrieved from"),
			mcp.Enum(knowledgeDomains...),
		),
		mcp.WithString(
			"use_case",
			mcp.Required(),
			mcp.Description("What the item was used for"),
		),
		mcp.WithString("session_id", mcp.Description("Optional - conversation or session id")),
		mcp.WithString("query_text", mcp.Description("Optional - the query that led to the item")),
		mcp.WithBoolean("was_helpful", mcp.Description("Optional - whether the item helped")),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, result := requireUUID(req, "knowledge_id")
		if result != nil {
			return result, nil
		}
		domain, err := req.RequireString("domain")
		if err != nil {
			return NewErrorResult("invalid_parameters", err.Error()), nil
		}
		useCase, err := req.RequireString("use_case")
		if err != nil {
			return NewErrorResult("invalid_parameters", err.Error()), nil
		}

		usage := services.RecordUsageRequest{
			KnowledgeID: id,
			Domain:      models.KnowledgeDomain(trimString(domain)),
			UseCase:     trimString(useCase),
			SessionID:   getOptionalStringPtr(req, "session_id"),
			UserID:      callerID(ctx),
			QueryText:   getOptionalStringPtr(req, "query_text"),
			WasHelpful:  getOptionalBool(req, "was_helpful"),
		}
		if err := deps.Knowledge.RecordUsage(ctx, usage); err != nil {
			return HandleServiceError(err, "record_knowledge_usage_failed")
		}

		return jsonResult(recordUsageResponse{KnowledgeID: id, Recorded: true})
	})
}

// requireUUID reads a required UUID argument, returning an error result when it is
// missing or malformed.
func requireUUID(req mcp.CallToolRequest, key string) (uuid.UUID, *mcp.CallToolResult) {
	raw, err := req.RequireString(key)
	if err != nil {
		return uuid.Nil, NewErrorResult("invalid_parameters", err.Error())
	}
	id, err := uuid.Parse(trimString(raw))
	if err != nil {
		return uuid.Nil, NewErrorResult(
			"invalid_parameters",
			fmt.Sprintf("invalid %s format: %q is not a valid UUID", key, raw),
		)
	}
	return id, nil
}
