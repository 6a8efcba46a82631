package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeploymentStatus is the lifecycle state of a deployment.
type DeploymentStatus string

const (
	DeploymentStatusDraft    DeploymentStatus = "draft"
	DeploymentStatusActive   DeploymentStatus = "active"
	DeploymentStatusArchived DeploymentStatus = "archived"
)

// IsValid returns true if s is a known deployment status.
func (s DeploymentStatus) IsValid() bool {
	switch s {
	case DeploymentStatusDraft, DeploymentStatusActive, DeploymentStatusArchived:
		return true
	default:
		return false
	}
}

// Deployment is one version of a named agent configuration.
// Stored in engine_deployments table.
//
// At most one deployment per owner has IsActive set; that row is the serving instance.
// DeploymentStatus records lifecycle history and is independent of IsActive.
type Deployment struct {
	ID      uuid.UUID `json:"id"`
	UserID  string    `json:"user_id"`
	Name    string    `json:"name"`
	Version int       `json:"version"`

	Configuration DeploymentConfiguration `json:"configuration"`

	// Point-in-time copies of shared configuration, frozen once the deployment leaves draft.
	KnowledgeBaseSnapshot json.RawMessage `json:"knowledge_base_snapshot,omitempty"`
	MCPServersSnapshot    json.RawMessage `json:"mcp_servers_snapshot,omitempty"`
	ModelConfig           json.RawMessage `json:"model_config,omitempty"`

	DeploymentStatus   DeploymentStatus `json:"deployment_status"`
	IsActive           bool             `json:"is_active"`
	IsEnabled          bool             `json:"is_enabled"`
	ParentDeploymentID *uuid.UUID       `json:"parent_deployment_id,omitempty"`
	Changelog          *string          `json:"changelog,omitempty"`

	// Maintained by the conversation collaborator; read-only here.
	TotalConversations int64   `json:"total_conversations"`
	TotalTokensUsed    int64   `json:"total_tokens_used"`
	AvgConfidenceScore float64 `json:"avg_confidence_score"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeployedAt *time.Time `json:"deployed_at,omitempty"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// DeploymentSnapshots carries the point-in-time copies attached to a deployment.
type DeploymentSnapshots struct {
	KnowledgeBase json.RawMessage `json:"knowledge_base,omitempty"`
	MCPServers    json.RawMessage `json:"mcp_servers,omitempty"`
	ModelConfig   json.RawMessage `json:"model_config,omitempty"`
}

// ============================================================================
// Configuration (tagged variant)
// ============================================================================

// ConfigurationKind discriminates the deployment configuration variants.
type ConfigurationKind string

const (
	ConfigurationChatAgent      ConfigurationKind = "chat_agent"
	ConfigurationRetrievalAgent ConfigurationKind = "retrieval_agent"
	ConfigurationWorkflowAgent  ConfigurationKind = "workflow_agent"
)

// DeploymentConfiguration is the validated configuration snapshot of a deployment.
// Exactly one variant matching Kind must be set.
type DeploymentConfiguration struct {
	Kind      ConfigurationKind     `json:"kind"`
	Chat      *ChatAgentConfig      `json:"chat,omitempty"`
	Retrieval *RetrievalAgentConfig `json:"retrieval,omitempty"`
	Workflow  *WorkflowAgentConfig  `json:"workflow,omitempty"`

	// Features are opaque toggles owned by the consuming surface.
	Features map[string]bool `json:"features,omitempty"`
}

// ChatAgentConfig configures a conversational agent.
type ChatAgentConfig struct {
	Model            string            `json:"model"`
	SystemPrompt     string            `json:"system_prompt,omitempty"`
	Temperature      *float64          `json:"temperature,omitempty"`
	MaxTokens        int               `json:"max_tokens,omitempty"`
	KnowledgeDomains []KnowledgeDomain `json:"knowledge_domains,omitempty"`
}

// RetrievalAgentConfig configures an agent that grounds answers in the knowledge store
// and, optionally, in live context providers.
type RetrievalAgentConfig struct {
	Model               string            `json:"model"`
	Domains             []KnowledgeDomain `json:"domains"`
	ContentTypes        []ContentType     `json:"content_types,omitempty"`
	ResultLimit         int               `json:"result_limit,omitempty"`
	UseContextProviders bool              `json:"use_context_providers,omitempty"`
}

// WorkflowAgentConfig configures a fixed sequence of prompt steps.
type WorkflowAgentConfig struct {
	Model string         `json:"model"`
	Steps []WorkflowStep `json:"steps"`
}

// WorkflowStep is one named step of a workflow agent.
type WorkflowStep struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
	Tool   string `json:"tool,omitempty"`
}

// Validate checks the configuration shape. It does not interpret prompts or models.
func (c *DeploymentConfiguration) Validate() error {
	set := 0
	for _, present := range []bool{c.Chat != nil, c.Retrieval != nil, c.Workflow != nil} {
		if present {
			set++
		}
	}
	if set > 1 {
		return errors.New("configuration must set exactly one variant")
	}

	switch c.Kind {
	case ConfigurationChatAgent:
		if c.Chat == nil {
			return errors.New("configuration kind chat_agent requires chat settings")
		}
		return c.Chat.validate()
	case ConfigurationRetrievalAgent:
		if c.Retrieval == nil {
			return errors.New("configuration kind retrieval_agent requires retrieval settings")
		}
		return c.Retrieval.validate()
	case ConfigurationWorkflowAgent:
		if c.Workflow == nil {
			return errors.New("configuration kind workflow_agent requires workflow settings")
		}
		return c.Workflow.validate()
	case "":
		return errors.New("configuration kind is required")
	default:
		return fmt.Errorf("unknown configuration kind %q", c.Kind)
	}
}

func (c *ChatAgentConfig) validate() error {
	if c.Model == "" {
		return errors.New("chat.model is required")
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return errors.New("chat.temperature must be between 0 and 2")
	}
	if c.MaxTokens < 0 {
		return errors.New("chat.max_tokens must not be negative")
	}
	return validateDomains("chat.knowledge_domains", c.KnowledgeDomains)
}

func (c *RetrievalAgentConfig) validate() error {
	if c.Model == "" {
		return errors.New("retrieval.model is required")
	}
	if len(c.Domains) == 0 {
		return errors.New("retrieval.domains must name at least one domain")
	}
	if err := validateDomains("retrieval.domains", c.Domains); err != nil {
		return err
	}
	for _, ct := range c.ContentTypes {
		if !ct.IsValid() {
			return fmt.Errorf("retrieval.content_types: unknown content type %q", ct)
		}
	}
	if c.ResultLimit < 0 {
		return errors.New("retrieval.result_limit must not be negative")
	}
	return nil
}

func (c *WorkflowAgentConfig) validate() error {
	if c.Model == "" {
		return errors.New("workflow.model is required")
	}
	if len(c.Steps) == 0 {
		return errors.New("workflow.steps must contain at least one step")
	}
	seen := make(map[string]bool, len(c.Steps))
	for i, step := range c.Steps {
		if step.Name == "" {
			return fmt.Errorf("workflow.steps[%d].name is required", i)
		}
		if seen[step.Name] {
			return fmt.Errorf("workflow.steps: duplicate step name %q", step.Name)
		}
		seen[step.Name] = true
		if step.Prompt == "" {
			return fmt.Errorf("workflow.steps[%d].prompt is required", i)
		}
	}
	return nil
}

func validateDomains(field string, domains []KnowledgeDomain) error {
	for _, d := range domains {
		if !d.IsValid() {
			return fmt.Errorf("%s: unknown domain %q", field, d)
		}
	}
	return nil
}
