package contextprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/logging"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/models"
)

// queryRequest is the body POSTed to remote providers.
type queryRequest struct {
	Query   string         `json:"query"`
	Context map[string]any `json:"context,omitempty"`
}

// callHTTP POSTs the query to the provider endpoint and returns its response body.
func (c *Client) callHTTP(ctx context.Context, provider *models.ContextProvider, query string, callContext map[string]any) (json.RawMessage, error) {
	endpoint := provider.EndpointURL
	if provider.Metadata.HTTP != nil && provider.Metadata.HTTP.QueryPath != "" {
		var err error
		endpoint, err = buildURL(provider.EndpointURL, provider.Metadata.HTTP.QueryPath)
		if err != nil {
			return nil, fmt.Errorf("failed to build URL: %w", err)
		}
	}

	payload, err := json.Marshal(queryRequest{Query: query, Context: callContext})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	setProviderHeaders(req, provider)

	c.logger.Debug("Calling context provider",
		zap.String("provider", provider.Name),
		zap.String("url", endpoint))

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return toJSON(body), nil
}

// pingHTTP issues a GET against the provider's health path.
func (c *Client) pingHTTP(ctx context.Context, provider *models.ContextProvider) error {
	endpoint, err := buildURL(provider.EndpointURL, provider.Metadata.HealthPathOrDefault())
	if err != nil {
		return fmt.Errorf("failed to build URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	setProviderHeaders(req, provider)

	_, err = c.do(req)
	return err
}

// do executes req and reads at most maxResponseBytes of the body.
// A non-2xx status is a responseError.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call provider: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &responseError{
			msg: fmt.Sprintf("provider returned status %d: %s", resp.StatusCode,
				logging.TruncateString(string(body), 200)),
		}
	}
	return body, nil
}

// setProviderHeaders applies metadata headers and then the credential header,
// so metadata can never override authentication.
func setProviderHeaders(req *http.Request, provider *models.ContextProvider) {
	if provider.Metadata.HTTP != nil {
		for k, v := range provider.Metadata.HTTP.Headers {
			req.Header.Set(k, v)
		}
	}

	if provider.APIKey == "" {
		return
	}
	switch provider.AuthenticationType {
	case models.AuthAPIKey:
		req.Header.Set("X-API-Key", provider.APIKey)
	case models.AuthBearer, models.AuthOAuth:
		req.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}
}

// buildURL constructs a URL by parsing the base and joining a path onto it.
func buildURL(baseURL, p string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid base URL %q", baseURL)
	}
	u.Path = path.Join(u.Path, p)
	return u.String(), nil
}
