package auth

import (
	"context"
	"errors"
)

// ErrNoOwner is returned when the context carries no authenticated subject.
var ErrNoOwner = errors.New("owner id not found in context")

// GetUserIDFromContext returns the owner id (token subject), or "" when unauthenticated.
func GetUserIDFromContext(ctx context.Context) string {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil {
		return ""
	}
	return claims.Subject
}

// RequireUserIDFromContext returns the owner id or ErrNoOwner.
func RequireUserIDFromContext(ctx context.Context) (string, error) {
	userID := GetUserIDFromContext(ctx)
	if userID == "" {
		return "", ErrNoOwner
	}
	return userID, nil
}
