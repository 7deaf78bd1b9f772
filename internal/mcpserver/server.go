package mcpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/edvin/edgedeploy/internal/api/response"
)

const (
	ToolDeployProject       = "deploy_project"
	ToolGetDeploymentStatus = "get_deployment_status"
)

// Server is the MCP server that proxies tool calls to the deploy API.
type Server struct {
	router chi.Router
	logger zerolog.Logger
	tools  []server.ServerTool
}

// New creates and configures a new MCP server.
func New(cfg *Config, logger zerolog.Logger) *Server {
	proxy := NewProxyHandler(cfg.APIURL, logger)
	tools := BuildTools(cfg, proxy)

	mcpSrv := server.NewMCPServer("edgedeploy", "1.0.0", server.WithInstructions(cfg.Instructions))
	mcpSrv.AddTools(tools...)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		response.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Mount("/mcp", server.NewStreamableHTTPServer(mcpSrv, server.WithEndpointPath("/")))

	logger.Info().Int("tools", len(tools)).Msg("mounted MCP endpoint at /mcp")

	return &Server{router: router, logger: logger, tools: tools}
}

// BuildTools returns the enabled tools wired to the proxy.
func BuildTools(cfg *Config, proxy *ProxyHandler) []server.ServerTool {
	var tools []server.ServerTool

	if cfg.enabled(ToolDeployProject) {
		tools = append(tools, server.ServerTool{
			Tool: mcp.NewTool(ToolDeployProject,
				mcp.WithDescription(cfg.description(ToolDeployProject,
					"Start an asynchronous deployment of a project's worker. Returns the deployment id to poll.")),
				mcp.WithDestructiveHintAnnotation(false),
				mcp.WithIdempotentHintAnnotation(false),
				mcp.WithString("projectId", mcp.Required(), mcp.Description("Project to deploy")),
				mcp.WithString("orgId", mcp.Required(), mcp.Description("Owning organization")),
				mcp.WithString("userId", mcp.Required(), mcp.Description("User starting the deployment")),
				mcp.WithString("customDomain", mcp.Description("Optional custom domain")),
			),
			Handler: proxy.Deploy(),
		})
	}

	if cfg.enabled(ToolGetDeploymentStatus) {
		tools = append(tools, server.ServerTool{
			Tool: mcp.NewTool(ToolGetDeploymentStatus,
				mcp.WithDescription(cfg.description(ToolGetDeploymentStatus,
					"Read the current deployment state of a project.")),
				mcp.WithReadOnlyHintAnnotation(true),
				mcp.WithString("projectId", mcp.Required(), mcp.Description("Project to inspect")),
				mcp.WithString("deploymentId", mcp.Description("Deployment id returned by deploy_project")),
			),
			Handler: proxy.Status(),
		})
	}

	return tools
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
