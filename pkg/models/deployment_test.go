package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDeploymentConfiguration_Validate(t *testing.T) {
	temp := 3.5

	tests := []struct {
		name    string
		config  DeploymentConfiguration
		wantErr string
	}{
		{
			name:   "chat agent",
			config: DeploymentConfiguration{Kind: ConfigurationChatAgent, Chat: &ChatAgentConfig{Model: "gpt-4o"}},
		},
		{
			name: "retrieval agent",
			config: DeploymentConfiguration{Kind: ConfigurationRetrievalAgent, Retrieval: &RetrievalAgentConfig{
				Model: "claude", Domains: []KnowledgeDomain{DomainClinicalRisk},
			}},
		},
		{
			name: "workflow agent",
			config: DeploymentConfiguration{Kind: ConfigurationWorkflowAgent, Workflow: &WorkflowAgentConfig{
				Model: "claude", Steps: []WorkflowStep{{Name: "intake", Prompt: "Collect details"}},
			}},
		},
		{
			name:    "missing kind",
			config:  DeploymentConfiguration{Chat: &ChatAgentConfig{Model: "m"}},
			wantErr: "kind is required",
		},
		{
			name:    "unknown kind",
			config:  DeploymentConfiguration{Kind: "voice_agent"},
			wantErr: "unknown configuration kind",
		},
		{
			name:    "kind without variant",
			config:  DeploymentConfiguration{Kind: ConfigurationChatAgent},
			wantErr: "requires chat settings",
		},
		{
			name: "two variants",
			config: DeploymentConfiguration{
				Kind:      ConfigurationChatAgent,
				Chat:      &ChatAgentConfig{Model: "m"},
				Retrieval: &RetrievalAgentConfig{Model: "m", Domains: []KnowledgeDomain{DomainConversational}},
			},
			wantErr: "exactly one variant",
		},
		{
			name:    "chat temperature out of range",
			config:  DeploymentConfiguration{Kind: ConfigurationChatAgent, Chat: &ChatAgentConfig{Model: "m", Temperature: &temp}},
			wantErr: "temperature",
		},
		{
			name: "retrieval without domains",
			config: DeploymentConfiguration{Kind: ConfigurationRetrievalAgent, Retrieval: &RetrievalAgentConfig{
				Model: "m",
			}},
			wantErr: "at least one domain",
		},
		{
			name: "retrieval unknown domain",
			config: DeploymentConfiguration{Kind: ConfigurationRetrievalAgent, Retrieval: &RetrievalAgentConfig{
				Model: "m", Domains: []KnowledgeDomain{"cardiology"},
			}},
			wantErr: "unknown domain",
		},
		{
			name: "workflow duplicate step",
			config: DeploymentConfiguration{Kind: ConfigurationWorkflowAgent, Workflow: &WorkflowAgentConfig{
				Model: "m", Steps: []WorkflowStep{{Name: "a", Prompt: "x"}, {Name: "a", Prompt: "y"}},
			}},
			wantErr: "duplicate step",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid configuration, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDeploymentConfiguration_JSONShape(t *testing.T) {
	raw := `{"kind":"chat_agent","chat":{"model":"gpt-4o","system_prompt":"Be brief"},"features":{"citations":true}}`

	var cfg DeploymentConfiguration
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid configuration, got %v", err)
	}
	if cfg.Chat.SystemPrompt != "Be brief" || !cfg.Features["citations"] {
		t.Errorf("unexpected decoded configuration: %+v", cfg)
	}
}
