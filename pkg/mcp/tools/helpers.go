package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

// trimString removes leading and trailing whitespace from a string.
func trimString(s string) string {
	return strings.TrimSpace(s)
}

// getOptionalString extracts an optional string argument from the request.
func getOptionalString(req mcp.CallToolRequest, key string) string {
	args, ok := req.Params.Arguments.(map[string]any)
	if !ok {
		return ""
	}
	val, ok := args[key].(string)
	if !ok {
		return ""
	}
	return trimString(val)
}

// getOptionalStringPtr is getOptionalString returning nil for an absent or empty value.
func getOptionalStringPtr(req mcp.CallToolRequest, key string) *string {
	val := getOptionalString(req, key)
	if val == "" {
		return nil
	}
	return &val
}

// getOptionalInt extracts an optional integer argument. JSON numbers arrive as float64.
func getOptionalInt(req mcp.CallToolRequest, key string, defaultVal int) (int, error) {
	args, ok := req.Params.Arguments.(map[string]any)
	if !ok {
		return defaultVal, nil
	}
	raw, present := args[key]
	if !present || raw == nil {
		return defaultVal, nil
	}
	val, ok := raw.(float64)
	if !ok || val != float64(int(val)) {
		return 0, fmt.Errorf("parameter '%s' must be an integer", key)
	}
	return int(val), nil
}

// getOptionalBool extracts an optional boolean argument, returning nil when absent.
func getOptionalBool(req mcp.CallToolRequest, key string) *bool {
	args, ok := req.Params.Arguments.(map[string]any)
	if !ok {
		return nil
	}
	val, ok := args[key].(bool)
	if !ok {
		return nil
	}
	return &val
}

// getOptionalObject extracts an optional JSON object argument.
func getOptionalObject(req mcp.CallToolRequest, key string) (map[string]any, error) {
	args, ok := req.Params.Arguments.(map[string]any)
	if !ok {
		return nil, nil
	}
	raw, present := args[key]
	if !present || raw == nil {
		return nil, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("parameter '%s' must be an object", key)
	}
	return obj, nil
}

// extractUUIDs reads a string array argument and parses every element as a UUID.
func extractUUIDs(req mcp.CallToolRequest, key string) ([]uuid.UUID, error) {
	args, ok := req.Params.Arguments.(map[string]any)
	if !ok {
		return nil, nil
	}
	raw, present := args[key]
	if !present || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("parameter '%s' must be an array of strings", key)
	}

	ids := make([]uuid.UUID, 0, len(list))
	for i, v := range list {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be a string", key, i)
		}
		id, err := uuid.Parse(trimString(s))
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %q is not a valid UUID", key, i, s)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// jsonResult marshals v as the text content of a tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}
