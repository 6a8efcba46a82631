package contextprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/models"
)

// clientName identifies the core to local providers during initialize.
const clientName = "ekaya-agent-core"

// Session is the part of an MCP client session used to talk to a local provider.
// *client.Client satisfies it.
type Session interface {
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Ping(ctx context.Context) error
	Close() error
}

var _ Session = (*client.Client)(nil)

// SessionFactory opens a session to a local provider. The caller closes it.
type SessionFactory func(ctx context.Context, transport *models.StdioTransport) (Session, error)

// NewStdioSession spawns the provider process and connects to it over stdin/stdout.
func NewStdioSession(_ context.Context, transport *models.StdioTransport) (Session, error) {
	c, err := client.NewStdioMCPClient(transport.Command, transport.Env, transport.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to start provider process %q: %w", transport.Command, err)
	}
	return c, nil
}

// openSession connects and initializes a session. On error nothing is left open.
func (c *Client) openSession(ctx context.Context, provider *models.ContextProvider) (Session, error) {
	transport := provider.Metadata.Stdio
	if transport == nil || transport.Command == "" {
		return nil, errors.New("provider has no stdio command configured")
	}

	session, err := c.sessions(ctx, transport)
	if err != nil {
		return nil, err
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: "1.0.0"}
	if _, err := session.Initialize(ctx, initReq); err != nil {
		c.closeSession(provider, session)
		return nil, fmt.Errorf("failed to initialize provider session: %w", err)
	}
	return session, nil
}

func (c *Client) closeSession(provider *models.ContextProvider, session Session) {
	if err := session.Close(); err != nil {
		c.logger.Debug("Failed to close provider session",
			zap.String("provider", provider.Name),
			zap.Error(err))
	}
}

// callStdio runs connect, initialize, list tools, call tool and close against a local provider.
func (c *Client) callStdio(ctx context.Context, provider *models.ContextProvider, query string, callContext map[string]any) (json.RawMessage, error) {
	session, err := c.openSession(ctx, provider)
	if err != nil {
		return nil, err
	}
	defer c.closeSession(provider, session)

	tools, err := session.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list provider tools: %w", err)
	}
	toolName, err := selectTool(tools.Tools, provider.Metadata.Stdio.ToolName)
	if err != nil {
		return nil, err
	}

	args := map[string]any{"query": query}
	if len(callContext) > 0 {
		args["context"] = callContext
	}
	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = toolName
	callReq.Params.Arguments = args

	result, err := session.CallTool(ctx, callReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call provider tool %q: %w", toolName, err)
	}

	text := resultText(result)
	if result.IsError {
		return nil, &responseError{msg: fmt.Sprintf("provider tool %q failed: %s", toolName, text)}
	}
	return toJSON([]byte(text)), nil
}

// pingStdio initializes a session and pings it.
func (c *Client) pingStdio(ctx context.Context, provider *models.ContextProvider) error {
	session, err := c.openSession(ctx, provider)
	if err != nil {
		return err
	}
	defer c.closeSession(provider, session)

	if err := session.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping provider: %w", err)
	}
	return nil
}

// selectTool returns the configured tool when listed, or the first tool when none is configured.
func selectTool(tools []mcp.Tool, configured string) (string, error) {
	if len(tools) == 0 {
		return "", &responseError{msg: "provider exposes no tools"}
	}
	if configured == "" {
		return tools[0].Name, nil
	}
	for _, t := range tools {
		if t.Name == configured {
			return t.Name, nil
		}
	}
	return "", &responseError{msg: fmt.Sprintf("provider does not expose tool %q", configured)}
}

// resultText concatenates the text content of a tool result.
func resultText(result *mcp.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		switch tc := content.(type) {
		case mcp.TextContent:
			parts = append(parts, tc.Text)
		case *mcp.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
