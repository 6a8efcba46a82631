package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/models"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/services"
)

var feedbackTypes = []string{
	string(models.FeedbackHelpful),
	string(models.FeedbackNotHelpful),
	string(models.FeedbackInaccurate),
	string(models.FeedbackOutdated),
	string(models.FeedbackSuggestion),
}

// RegisterFeedbackTools registers the feedback tools.
func RegisterFeedbackTools(s *server.MCPServer, deps *Deps) {
	registerSubmitFeedbackTool(s, deps)
}

func registerSubmitFeedbackTool(s *server.MCPServer, deps *Deps) {
	tool := mcp.NewTool(
		"submit_feedback",
		mcp.WithDescription(
			"Submit explicit feedback on one conversation turn and the knowledge items it used. "+
				"The feedback is always stored; items whose statistics could not be updated are "+
				"listed in failed_knowledge_ids.",
		),
		mcp.WithString(
			"conversation_id",
			mcp.Required(),
			mcp.Description("Conversation the feedback refers to"),
		),
		mcp.WithNumber(
			"message_index",
			mcp.Required(),
			mcp.Description("Zero-based index of the message within the conversation"),
		),
		mcp.WithString(
			"feedback_type",
			mcp.Required(),
			mcp.Description("Kind of feedback"),
			mcp.Enum(feedbackTypes...),
		),
		mcp.WithString(
			"domain",
			mcp.Required(),
			mcp.Description("Domain of the referenced knowledge items"),
			mcp.Enum(knowledgeDomains...),
		),
		mcp.WithArray(
			"knowledge_ids",
			mcp.Description("UUIDs of the knowledge items used in the message"),
			mcp.WithStringItems(),
		),
		mcp.WithString("feedback_text", mcp.Description("Optional - free-text comment")),
		mcp.WithString("suggested_correction", mcp.Description("Optional - proposed correct content")),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if result := deps.checkRateLimit(ctx, "submit_feedback", ScopeFeedback, deps.FeedbackLimit); result != nil {
			return result, nil
		}

		conversationID, err := req.RequireString("conversation_id")
		if err != nil {
			return NewErrorResult("invalid_parameters", err.Error()), nil
		}
		feedbackType, err := req.RequireString("feedback_type")
		if err != nil {
			return NewErrorResult("invalid_parameters", err.Error()), nil
		}
		domain, err := req.RequireString("domain")
		if err != nil {
			return NewErrorResult("invalid_parameters", err.Error()), nil
		}
		messageIndex, err := getOptionalInt(req, "message_index", -1)
		if err != nil {
			return NewErrorResult("invalid_parameters", err.Error()), nil
		}
		knowledgeIDs, err := extractUUIDs(req, "knowledge_ids")
		if err != nil {
			return NewErrorResult("invalid_parameters", err.Error()), nil
		}

		result, err := deps.Feedback.Submit(ctx, services.SubmitFeedbackRequest{
			ConversationID:      trimString(conversationID),
			MessageIndex:        messageIndex,
			FeedbackType:        models.FeedbackType(trimString(feedbackType)),
			KnowledgeIDs:        knowledgeIDs,
			Domain:              models.KnowledgeDomain(trimString(domain)),
			FeedbackText:        getOptionalStringPtr(req, "feedback_text"),
			SuggestedCorrection: getOptionalStringPtr(req, "suggested_correction"),
			UserID:              callerID(ctx),
		})
		if err != nil {
			return HandleServiceError(err, "submit_feedback_failed")
		}
		return jsonResult(result)
	})
}
