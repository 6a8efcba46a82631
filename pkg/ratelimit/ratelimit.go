// Package ratelimit provides fixed-window request limits shared across instances through Redis.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/apperrors"
)

// Limiter counts requests per scope and subject in fixed windows.
// A Limiter without a Redis client allows everything.
type Limiter struct {
	client *redis.Client
	window time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// New creates a limiter. client may be nil.
func New(client *redis.Client, window time.Duration, logger *zap.Logger) *Limiter {
	return &Limiter{
		client: client,
		window: window,
		logger: logger.Named("ratelimit"),
		now:    time.Now,
	}
}

// Allow counts one request for subject in scope. It returns apperrors.ErrRateLimited
// once more than limit requests fall into the current window. A limit of zero or less
// disables the scope.
func (l *Limiter) Allow(ctx context.Context, scope, subject string, limit int) error {
	if l == nil || l.client == nil || limit <= 0 {
		return nil
	}

	windowStart := l.now().Truncate(l.window)
	key := fmt.Sprintf("ratelimit:%s:%s:%d", scope, subject, windowStart.Unix())

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to count request: %w", err)
	}

	if incr.Val() > int64(limit) {
		return apperrors.ErrRateLimited
	}
	return nil
}

// Middleware limits requests to next by the subject returned from subjectFn.
// Requests with an empty subject are not limited. If Redis is unreachable the
// request is let through and the failure logged.
func (l *Limiter) Middleware(scope string, limit int, subjectFn func(*http.Request) string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			subject := subjectFn(r)
			if subject == "" {
				next(w, r)
				return
			}

			err := l.Allow(r.Context(), scope, subject, limit)
			switch {
			case err == nil:
				next(w, r)
			case errors.Is(err, apperrors.ErrRateLimited):
				retryAfter := l.window - l.now().Sub(l.now().Truncate(l.window))
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   "rate_limited",
					"message": "Too many requests, try again later",
				})
			default:
				l.logger.Warn("Rate limit check failed, allowing request",
					zap.String("scope", scope),
					zap.Error(err))
				next(w, r)
			}
		}
	}
}
