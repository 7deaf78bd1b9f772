package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
)

// ProxyHandler turns MCP tool calls into requests against the deploy API.
type ProxyHandler struct {
	apiURL string
	client *http.Client
	logger zerolog.Logger
}

// NewProxyHandler creates a new proxy handler targeting the given API URL.
func NewProxyHandler(apiURL string, logger zerolog.Logger) *ProxyHandler {
	return &ProxyHandler{
		apiURL: strings.TrimRight(apiURL, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// Deploy handles deploy_project by posting to /deploy.
func (p *ProxyHandler) Deploy() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		body := map[string]string{}
		for _, name := range []string{"projectId", "orgId", "userId"} {
			v, err := req.RequireString(name)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			body[name] = v
		}
		if domain := req.GetString("customDomain", ""); domain != "" {
			body["customDomain"] = domain
		}

		payload, err := json.Marshal(body)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encode request: %s", err)), nil
		}
		return p.do(ctx, req, http.MethodPost, "/deploy", bytes.NewReader(payload))
	}
}

// Status handles get_deployment_status by reading /deployments/{projectId}.
func (p *ProxyHandler) Status() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("projectId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		path := "/deployments/" + url.PathEscape(projectID)
		if id := req.GetString("deploymentId", ""); id != "" {
			path += "?deploymentId=" + url.QueryEscape(id)
		}
		return p.do(ctx, req, http.MethodGet, path, nil)
	}
}

func (p *ProxyHandler) do(ctx context.Context, req mcp.CallToolRequest, method, path string, body io.Reader) (*mcp.CallToolResult, error) {
	target := p.apiURL + path
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("build request: %s", err)), nil
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	// Forward the caller's bearer token, if any.
	if auth := req.Header.Get("Authorization"); auth != "" {
		httpReq.Header.Set("Authorization", auth)
	}

	p.logger.Debug().
		Str("method", method).
		Str("url", target).
		Str("tool", req.Params.Name).
		Msg("proxying MCP tool call")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API request failed: %s", err)), nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("read response: %s", err)), nil
	}

	if resp.StatusCode >= 400 {
		return mcp.NewToolResultError(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(respBody))), nil
	}

	return mcp.NewToolResultText(string(respBody)), nil
}
