package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/models"
)

// ProviderSeed is one entry of a providers file. The credential is either inline
// (api_key) or read from the environment variable named by api_key_env.
type ProviderSeed struct {
	CreateProviderRequest `yaml:",inline"`
	APIKeyEnv             string `yaml:"api_key_env"`
}

// ProviderSeedFile is the document accepted by `providers import`:
//
//	providers:
//	  - name: ehr-context
//	    endpoint_url: https://ehr.internal/context
//	    authentication_type: api_key
//	    api_key_env: EHR_CONTEXT_KEY
//	    supported_domains: [clinical_risk]
type ProviderSeedFile struct {
	Providers []ProviderSeed `yaml:"providers"`
}

// ImportResult lists provider names by outcome.
type ImportResult struct {
	Created []string `json:"created"`
	Updated []string `json:"updated"`
}

// ParseProviderSeed decodes a providers file and resolves api_key_env references
// through lookupEnv. A nil lookupEnv uses os.LookupEnv.
func ParseProviderSeed(data []byte, lookupEnv func(string) (string, bool)) ([]ProviderSeed, error) {
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}

	var file ProviderSeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing providers file: %s: %w", err.Error(), apperrors.ErrValidation)
	}

	seen := make(map[string]bool, len(file.Providers))
	for i := range file.Providers {
		seed := &file.Providers[i]
		name := strings.TrimSpace(seed.Name)
		if name == "" {
			return nil, fmt.Errorf("providers[%d]: name is required: %w", i, apperrors.ErrValidation)
		}
		if seen[name] {
			return nil, fmt.Errorf("providers[%d]: duplicate name %q: %w", i, name, apperrors.ErrValidation)
		}
		seen[name] = true

		if seed.APIKeyEnv == "" {
			continue
		}
		if seed.APIKey != "" {
			return nil, fmt.Errorf("provider %q: api_key and api_key_env are mutually exclusive: %w", name, apperrors.ErrValidation)
		}
		key, ok := lookupEnv(seed.APIKeyEnv)
		if !ok || key == "" {
			return nil, fmt.Errorf("provider %q: environment variable %s is not set: %w", name, seed.APIKeyEnv, apperrors.ErrValidation)
		}
		seed.APIKey = key
	}
	return file.Providers, nil
}

// ImportProviders creates providers that do not exist yet and updates the ones that do,
// matching by name. The import stops at the first failing entry.
func ImportProviders(ctx context.Context, svc ContextProviderService, seeds []ProviderSeed, logger *zap.Logger) (*ImportResult, error) {
	existing, err := svc.List(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*models.ContextProvider, len(existing))
	for _, p := range existing {
		byName[p.Name] = p
	}

	result := &ImportResult{Created: []string{}, Updated: []string{}}
	for _, seed := range seeds {
		req := seed.CreateProviderRequest
		name := strings.TrimSpace(req.Name)

		current, ok := byName[name]
		if !ok {
			if _, err := svc.Create(ctx, req); err != nil {
				if errors.Is(err, apperrors.ErrConflict) {
					return result, fmt.Errorf("provider %q was registered concurrently: %w", name, err)
				}
				return result, fmt.Errorf("provider %q: %w", name, err)
			}
			result.Created = append(result.Created, name)
			continue
		}

		if _, err := svc.Update(ctx, current.ID, seedUpdate(req)); err != nil {
			return result, fmt.Errorf("provider %q: %w", name, err)
		}
		if req.IsActive != nil && *req.IsActive != current.IsActive {
			if err := svc.SetActive(ctx, current.ID, *req.IsActive); err != nil {
				return result, fmt.Errorf("provider %q: %w", name, err)
			}
		}
		result.Updated = append(result.Updated, name)
	}

	logger.Info("Providers imported",
		zap.Int("created", len(result.Created)),
		zap.Int("updated", len(result.Updated)))
	return result, nil
}

func seedUpdate(req CreateProviderRequest) UpdateProviderRequest {
	update := UpdateProviderRequest{
		EndpointURL:        &req.EndpointURL,
		AuthenticationType: &req.AuthenticationType,
		SupportedDomains:   req.SupportedDomains,
		Metadata:           &req.Metadata,
	}
	if req.AuthenticationType == "" {
		auth := models.AuthNone
		update.AuthenticationType = &auth
	}
	if req.SupportedDomains == nil {
		update.SupportedDomains = []string{}
	}
	if req.TimeoutSeconds > 0 {
		update.TimeoutSeconds = &req.TimeoutSeconds
	}
	if req.APIKey != "" {
		update.APIKey = &req.APIKey
	}
	return update
}
