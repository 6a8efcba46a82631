package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalTransportEndpoint is the endpoint sentinel for providers spawned as a local process.
// "stdio://<label>" is accepted as well.
const LocalTransportEndpoint = "stdio"

// AuthenticationType is how the core authenticates to a context provider.
type AuthenticationType string

const (
	AuthNone   AuthenticationType = "none"
	AuthAPIKey AuthenticationType = "api_key"
	AuthOAuth  AuthenticationType = "oauth"
	AuthBearer AuthenticationType = "bearer"
)

// IsValid returns true if a is a known authentication type.
func (a AuthenticationType) IsValid() bool {
	switch a {
	case AuthNone, AuthAPIKey, AuthOAuth, AuthBearer:
		return true
	default:
		return false
	}
}

// RequiresKey reports whether the authentication type needs a stored credential.
func (a AuthenticationType) RequiresKey() bool {
	return a == AuthAPIKey || a == AuthOAuth || a == AuthBearer
}

// HealthStatus is the observed state of a provider for one call or probe.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// ContextProvider is an external service queried for live context.
// Stored in engine_context_providers table.
type ContextProvider struct {
	ID                 uuid.UUID          `json:"id"`
	Name               string             `json:"name"`
	EndpointURL        string             `json:"endpoint_url"`
	AuthenticationType AuthenticationType `json:"authentication_type"`

	// APIKey holds the decrypted credential in memory only. It is never serialized.
	APIKey    string `json:"-"`
	HasAPIKey bool   `json:"has_api_key"`

	IsActive         bool             `json:"is_active"`
	TimeoutSeconds   int              `json:"timeout_seconds"`
	SupportedDomains []string         `json:"supported_domains"`
	Metadata         ProviderMetadata `json:"metadata"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsLocal reports whether the endpoint selects the local-process session transport.
func (p *ContextProvider) IsLocal() bool {
	return IsLocalEndpoint(p.EndpointURL)
}

// IsLocalEndpoint reports whether endpoint is the local transport sentinel.
func IsLocalEndpoint(endpoint string) bool {
	endpoint = strings.TrimSpace(endpoint)
	return endpoint == LocalTransportEndpoint || strings.HasPrefix(endpoint, LocalTransportEndpoint+"://")
}

// Timeout returns the provider's call deadline, falling back to def when unset.
func (p *ContextProvider) Timeout(def time.Duration) time.Duration {
	if p.TimeoutSeconds <= 0 {
		return def
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// ============================================================================
// Metadata (tagged variant)
// ============================================================================

// ProviderTransport discriminates the transport metadata variants.
type ProviderTransport string

const (
	TransportStdio ProviderTransport = "stdio"
	TransportHTTP  ProviderTransport = "http"
)

// ProviderMetadata holds transport details. The variant must agree with the endpoint:
// local endpoints use Stdio, everything else uses HTTP.
type ProviderMetadata struct {
	Transport ProviderTransport `json:"transport" yaml:"transport"`
	Stdio     *StdioTransport   `json:"stdio,omitempty" yaml:"stdio,omitempty"`
	HTTP      *HTTPTransport    `json:"http,omitempty" yaml:"http,omitempty"`
}

// StdioTransport describes how to spawn a local MCP provider.
type StdioTransport struct {
	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
	Env     []string `json:"env,omitempty" yaml:"env,omitempty"`
	// ToolName is the tool invoked for context retrieval. Empty means the first listed tool.
	ToolName string `json:"tool_name,omitempty" yaml:"tool_name,omitempty"`
}

// HTTPTransport holds remote provider hints. All fields are optional.
type HTTPTransport struct {
	QueryPath  string            `json:"query_path,omitempty" yaml:"query_path,omitempty"`
	HealthPath string            `json:"health_path,omitempty" yaml:"health_path,omitempty"`
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// DefaultHealthPath is probed when HTTP metadata names no health path.
const DefaultHealthPath = "/health"

// HealthPathOrDefault returns the configured health path or DefaultHealthPath.
func (m *ProviderMetadata) HealthPathOrDefault() string {
	if m.HTTP != nil && m.HTTP.HealthPath != "" {
		return m.HTTP.HealthPath
	}
	return DefaultHealthPath
}

// Validate checks the metadata against the provider endpoint.
func (m *ProviderMetadata) Validate(endpoint string) error {
	local := IsLocalEndpoint(endpoint)

	switch m.Transport {
	case TransportStdio:
		if !local {
			return fmt.Errorf("stdio transport requires the %q endpoint", LocalTransportEndpoint)
		}
		if m.Stdio == nil || m.Stdio.Command == "" {
			return errors.New("metadata.stdio.command is required")
		}
		if m.HTTP != nil {
			return errors.New("stdio transport must not carry http settings")
		}
	case TransportHTTP, "":
		if local {
			return errors.New("local endpoint requires stdio transport metadata")
		}
		if m.Stdio != nil {
			return errors.New("http transport must not carry stdio settings")
		}
	default:
		return fmt.Errorf("unknown transport %q", m.Transport)
	}
	return nil
}

// Normalize fills the transport discriminator when it can be derived from the endpoint.
func (m *ProviderMetadata) Normalize(endpoint string) {
	if m.Transport != "" {
		return
	}
	if IsLocalEndpoint(endpoint) {
		m.Transport = TransportStdio
	} else {
		m.Transport = TransportHTTP
	}
}

// ============================================================================
// Health
// ============================================================================

// HealthRecord is an append-only observation of a provider.
// Stored in engine_provider_health table.
type HealthRecord struct {
	ID             uuid.UUID    `json:"id"`
	ProviderID     uuid.UUID    `json:"provider_id"`
	Status         HealthStatus `json:"status"`
	ResponseTimeMs int          `json:"response_time_ms"`
	ErrorMessage   *string      `json:"error_message,omitempty"`
	CheckedAt      time.Time    `json:"checked_at"`
}

// ProviderHealthSummary aggregates a provider's health records over a window.
type ProviderHealthSummary struct {
	ProviderID        uuid.UUID     `json:"provider_id"`
	Since             time.Time     `json:"since"`
	Healthy           int           `json:"healthy"`
	Degraded          int           `json:"degraded"`
	Down              int           `json:"down"`
	AvgResponseTimeMs float64       `json:"avg_response_time_ms"`
	LatestStatus      *HealthStatus `json:"latest_status,omitempty"`
	LatestCheckedAt   *time.Time    `json:"latest_checked_at,omitempty"`
}

// ProviderCallResult is the uniform envelope returned for every provider call.
// Failure is a normal outcome: Success is false and Error explains why.
type ProviderCallResult struct {
	ProviderID   uuid.UUID       `json:"provider_id"`
	ProviderName string          `json:"provider_name"`
	Context      json.RawMessage `json:"context"`
	LatencyMs    int64           `json:"latency_ms"`
	Success      bool            `json:"success"`
	Error        string          `json:"error,omitempty"`
}
