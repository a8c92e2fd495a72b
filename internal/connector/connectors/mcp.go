package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mathia-chat/mathia/internal/apierr"
	"github.com/mathia-chat/mathia/internal/connector"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
)

// MCPServerConfig describes one external MCP tool server reachable over
// streamable HTTP, and the subset of its tools this bridge exposes as
// connector actions.
type MCPServerConfig struct {
	Name      string
	Endpoint  string
	AuthToken string
	Timeout   time.Duration
	// ActionTools maps a connector action (e.g. "search_knowledge_base")
	// to the tool name advertised by the remote server.
	ActionTools map[string]string
}

// MCPBridge exposes the tools of one external MCP server as connector
// actions, so the router can dispatch an intent to a remote MCP tool the
// same way it dispatches to any built-in connector.
type MCPBridge struct {
	cfg MCPServerConfig
	log zerolog.Logger
}

func NewMCPBridge(cfg MCPServerConfig, log zerolog.Logger) *MCPBridge {
	return &MCPBridge{cfg: cfg, log: log.With().Str("component", "mcp_bridge").Str("mcp_server", cfg.Name).Logger()}
}

func (b *MCPBridge) Name() string { return "mcp:" + b.cfg.Name }

func (b *MCPBridge) Validate(req connector.Request) error {
	if _, ok := b.cfg.ActionTools[req.Action]; !ok {
		return apierr.Newf(apierr.Unsupported, "mcp bridge %s: unsupported action %q", b.cfg.Name, req.Action)
	}
	return nil
}

func (b *MCPBridge) connect(ctx context.Context) (*mcp.ClientSession, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: "mathia", Version: "1.0.0"}, nil)
	httpClient := &http.Client{Timeout: b.cfg.Timeout}
	if b.cfg.AuthToken != "" {
		httpClient.Transport = &bearerRoundTripper{token: b.cfg.AuthToken, base: http.DefaultTransport}
	}
	session, err := client.Connect(ctx, &mcp.StreamableClientTransport{
		Endpoint:   b.cfg.Endpoint,
		HTTPClient: httpClient,
		MaxRetries: 3,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp bridge %s: connect: %w", b.cfg.Name, err)
	}
	return session, nil
}

func (b *MCPBridge) Execute(ctx context.Context, req connector.Request) (connector.Result, error) {
	toolName := b.cfg.ActionTools[req.Action]

	callCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := callCtx.Deadline(); !hasDeadline && b.cfg.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	session, err := b.connect(callCtx)
	if err != nil {
		return connector.Result{}, apierr.New(apierr.UpstreamFailure, err)
	}
	defer session.Close()

	result, err := session.CallTool(callCtx, &mcp.CallToolParams{
		Name:      toolName,
		Arguments: req.Params,
	})
	if err != nil {
		b.log.Warn().Err(err).Str("tool", toolName).Msg("mcp bridge: call failed")
		return connector.Result{}, apierr.New(apierr.UpstreamFailure, err)
	}

	data, err := formatMCPCallResult(result)
	if err != nil {
		return connector.Result{}, apierr.New(apierr.Internal, err)
	}
	status := connector.StatusOK
	if result.IsError {
		status = connector.StatusPartial
	}
	return connector.Result{Status: status, Data: data}, nil
}

func (b *MCPBridge) CachePolicy() (time.Duration, connector.CacheScope) {
	return 0, connector.ScopePerUser
}

func (b *MCPBridge) RateLimit() (int, time.Duration) { return 200, time.Hour }

// formatMCPCallResult collapses an MCP tool result's content blocks into
// one JSON payload: a single text block passes through verbatim when it's
// already valid JSON, otherwise every block is wrapped into an array.
func formatMCPCallResult(result *mcp.CallToolResult) (json.RawMessage, error) {
	if result == nil {
		return json.RawMessage("{}"), nil
	}
	if len(result.Content) == 1 {
		if text, ok := result.Content[0].(*mcp.TextContent); ok {
			trimmed := strings.TrimSpace(text.Text)
			if trimmed != "" && json.Valid([]byte(trimmed)) {
				return json.RawMessage(trimmed), nil
			}
			return json.Marshal(map[string]any{"text": trimmed})
		}
	}
	items := make([]map[string]any, 0, len(result.Content))
	for _, c := range result.Content {
		if text, ok := c.(*mcp.TextContent); ok {
			items = append(items, map[string]any{"type": "text", "text": text.Text})
			continue
		}
		items = append(items, map[string]any{"type": "unknown"})
	}
	data, err := json.Marshal(map[string]any{"content": items})
	if err != nil {
		return nil, fmt.Errorf("mcp bridge: encode result: %w", err)
	}
	return data, nil
}

type bearerRoundTripper struct {
	base  http.RoundTripper
	token string
}

func (rt *bearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	cloned.Header = req.Header.Clone()
	if cloned.Header.Get("Authorization") == "" {
		cloned.Header.Set("Authorization", "Bearer "+rt.token)
	}
	return rt.base.RoundTrip(cloned)
}
