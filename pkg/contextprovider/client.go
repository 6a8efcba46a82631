// Package contextprovider executes context retrieval calls against external providers.
//
// A provider whose endpoint is the local transport sentinel ("stdio") is spawned as a
// local process and spoken to over an MCP session; every other endpoint is called with
// a plain HTTP request. Every call and probe appends exactly one health record.
package contextprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/logging"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/models"
)

// DefaultTimeout applies to providers registered without a timeout.
const DefaultTimeout = 30 * time.Second

// healthWriteTimeout bounds the health record insert, which runs detached from the
// caller's (possibly expired) deadline.
const healthWriteTimeout = 5 * time.Second

// maxResponseBytes caps how much of a provider response is read.
const maxResponseBytes = 1 << 20

// HealthRecorder persists health records.
type HealthRecorder interface {
	RecordHealth(ctx context.Context, record *models.HealthRecord) error
}

// responseError means the provider answered before the deadline, but not successfully.
// It maps to a degraded health status rather than down.
type responseError struct {
	msg string
}

func (e *responseError) Error() string { return e.msg }

// Client calls context providers and records their health.
type Client struct {
	httpClient     *http.Client
	sessions       SessionFactory
	recorder       HealthRecorder
	breaker        *Breaker
	defaultTimeout time.Duration
	logger         *zap.Logger
}

// NewClient creates a provider client. A zero defaultTimeout selects DefaultTimeout.
func NewClient(recorder HealthRecorder, defaultTimeout time.Duration, logger *zap.Logger) *Client {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Client{
		// Deadlines come from the per-provider context, not a client-wide timeout.
		httpClient:     &http.Client{},
		sessions:       NewStdioSession,
		recorder:       recorder,
		defaultTimeout: defaultTimeout,
		logger:         logger.Named("context-provider"),
	}
}

// WithHTTPClient replaces the HTTP client used for remote providers.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// WithCircuitBreaker skips providers the breaker reports as tripped. Short-circuited
// calls still record a down status.
func (c *Client) WithCircuitBreaker(b *Breaker) *Client {
	c.breaker = b
	return c
}

// CircuitState reports the breaker state of a provider. It is always closed when
// circuit breaking is disabled.
func (c *Client) CircuitState(ctx context.Context, providerID uuid.UUID) CircuitState {
	return c.breaker.State(ctx, providerID)
}

// WithSessionFactory replaces how local provider sessions are opened.
func (c *Client) WithSessionFactory(f SessionFactory) *Client {
	c.sessions = f
	return c
}

// Call retrieves context from one provider under the provider's deadline.
//
// The returned envelope is always non-nil and describes the outcome; the error is
// non-nil when the call failed (wrapping apperrors.ErrTimeout when the deadline was
// exceeded) so direct callers can surface it, while fan-out callers can ignore it.
func (c *Client) Call(ctx context.Context, provider *models.ContextProvider, query string, callContext map[string]any) (*models.ProviderCallResult, error) {
	timeout := provider.Timeout(c.defaultTimeout)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var raw json.RawMessage
	err := c.breaker.Allow(ctx, provider.ID)
	if err == nil {
		if provider.IsLocal() {
			raw, err = c.callStdio(callCtx, provider, query, callContext)
		} else {
			raw, err = c.callHTTP(callCtx, provider, query, callContext)
		}
		err = classify(callCtx, err, timeout)
		c.breaker.Record(ctx, provider.ID, err)
	}
	latency := time.Since(start)
	status := healthStatus(err, latency, timeout)

	result := &models.ProviderCallResult{
		ProviderID:   provider.ID,
		ProviderName: provider.Name,
		LatencyMs:    latency.Milliseconds(),
		Success:      err == nil,
	}
	if err == nil {
		result.Context = raw
	} else {
		result.Error = logging.SanitizeError(err)
		c.logger.Warn("Context provider call failed",
			zap.String("provider_id", provider.ID.String()),
			zap.String("provider", provider.Name),
			zap.String("status", string(status)),
			zap.Int64("latency_ms", result.LatencyMs),
			zap.String("error", result.Error))
	}

	c.recordHealth(ctx, provider.ID, status, latency, result.Error)
	return result, err
}

// CheckHealth probes a provider without issuing a context query and records the outcome.
// Local providers are initialized and pinged; remote providers get a GET on their health path.
func (c *Client) CheckHealth(ctx context.Context, provider *models.ContextProvider) *models.HealthRecord {
	timeout := provider.Timeout(c.defaultTimeout)
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var err error
	if provider.IsLocal() {
		err = c.pingStdio(probeCtx, provider)
	} else {
		err = c.pingHTTP(probeCtx, provider)
	}
	latency := time.Since(start)

	err = classify(probeCtx, err, timeout)
	status := healthStatus(err, latency, timeout)
	if err == nil {
		// A passing probe closes the circuit so the next fan-out tries the provider again.
		c.breaker.Record(ctx, provider.ID, nil)
	}

	return c.recordHealth(ctx, provider.ID, status, latency, logging.SanitizeError(err))
}

// classify normalizes transport errors: an exceeded deadline becomes ErrTimeout.
func classify(ctx context.Context, err error, timeout time.Duration) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("provider did not respond within %s: %w", timeout, apperrors.ErrTimeout)
	}
	return err
}

// healthStatus maps a call outcome to a health status. Transport failures and timeouts
// are down; answered-but-failed calls are degraded; successes slower than half the
// deadline are degraded too.
func healthStatus(err error, latency, timeout time.Duration) models.HealthStatus {
	var respErr *responseError
	switch {
	case err == nil && latency > timeout/2:
		return models.HealthDegraded
	case err == nil:
		return models.HealthHealthy
	case errors.As(err, &respErr):
		return models.HealthDegraded
	default:
		return models.HealthDown
	}
}

// recordHealth appends one health record. Persistence failures are logged and swallowed.
func (c *Client) recordHealth(ctx context.Context, providerID uuid.UUID, status models.HealthStatus, latency time.Duration, errMsg string) *models.HealthRecord {
	record := &models.HealthRecord{
		ProviderID:     providerID,
		Status:         status,
		ResponseTimeMs: int(latency.Milliseconds()),
		CheckedAt:      time.Now(),
	}
	if errMsg != "" {
		record.ErrorMessage = &errMsg
	}

	if c.recorder == nil {
		return record
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), healthWriteTimeout)
	defer cancel()
	if err := c.recorder.RecordHealth(writeCtx, record); err != nil {
		c.logger.Error("Failed to record provider health",
			zap.String("provider_id", providerID.String()),
			zap.String("error", logging.SanitizeError(err)))
	}
	return record
}

// toJSON keeps valid JSON payloads as-is and encodes anything else as a JSON string.
func toJSON(payload []byte) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	encoded, _ := json.Marshal(string(payload))
	return encoded
}
