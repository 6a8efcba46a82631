package tools

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/apperrors"
)

// ErrorResponse represents a structured error in tool results.
// Errors the caller can act on are returned as a successful tool call carrying this
// body so the agent sees the details instead of a bare protocol error.
type ErrorResponse struct {
	Error   bool   `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// NewErrorResult creates a tool result containing a structured error.
// Use this for recoverable errors (invalid parameters, unknown ids). System
// failures such as a lost database connection should still return Go errors.
//
// Example:
//
//	if item == nil {
//	    return NewErrorResult("not_found", "no knowledge item with that id"), nil
//	}
func NewErrorResult(code, message string) *mcp.CallToolResult {
	return NewErrorResultWithDetails(code, message, nil)
}

// NewErrorResultWithDetails creates an error result with additional context.
func NewErrorResultWithDetails(code, message string, details any) *mcp.CallToolResult {
	resp := ErrorResponse{
		Error:   true,
		Code:    code,
		Message: message,
		Details: details,
	}
	jsonBytes, _ := json.Marshal(resp)
	result := mcp.NewToolResultText(string(jsonBytes))
	result.IsError = true
	return result
}

// HandleServiceError converts a service error into a tool result when the caller can
// act on it. Anything else is returned as a Go error wrapped with failureCode.
func HandleServiceError(err error, failureCode string) (*mcp.CallToolResult, error) {
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		return NewErrorResult("invalid_parameters", err.Error()), nil
	case errors.Is(err, apperrors.ErrNotFound):
		return NewErrorResult("not_found", err.Error()), nil
	case errors.Is(err, apperrors.ErrConflict), errors.Is(err, apperrors.ErrInvariantViolation):
		return NewErrorResult("conflict", err.Error()), nil
	case errors.Is(err, apperrors.ErrDeploymentDisabled):
		return NewErrorResult("deployment_disabled", "the active deployment is disabled"), nil
	case errors.Is(err, apperrors.ErrRateLimited):
		return NewErrorResult("rate_limited", "too many requests, try again later"), nil
	case errors.Is(err, apperrors.ErrTimeout):
		return NewErrorResult("timeout", err.Error()), nil
	}
	if IsSQLUserError(err) {
		return NewErrorResult(SQLUserErrorCode(err), ExtractSQLErrorMessage(err)), nil
	}
	return nil, fmt.Errorf("%s: %w", failureCode, err)
}

// IsSQLUserError reports whether err is a PostgreSQL data exception or integrity
// constraint violation (SQLSTATE classes 22 and 23) raised by caller-supplied values.
func IsSQLUserError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || len(pgErr.Code) < 2 {
		return false
	}
	switch pgErr.Code[:2] {
	case "22", "23":
		return true
	}
	return false
}

// SQLUserErrorCode returns a readable error code for a SQL user error.
func SQLUserErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return ""
	}

	switch pgErr.Code {
	case "23505":
		return "unique_violation"
	case "23503":
		return "foreign_key_violation"
	case "23514":
		return "check_violation"
	case "22001":
		return "value_too_long"
	case "22P02":
		return "invalid_input"
	}

	if pgErr.Code[:2] == "23" {
		return "constraint_violation"
	}
	return "data_exception"
}

// ExtractSQLErrorMessage returns the server message without SQLSTATE decoration.
func ExtractSQLErrorMessage(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
