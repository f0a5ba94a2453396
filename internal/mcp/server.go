package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"pageanalyzer-mcp-server/internal/browser"
	"pageanalyzer-mcp-server/internal/bus"
	"pageanalyzer-mcp-server/internal/config"
	"pageanalyzer-mcp-server/internal/coordinator"
	"pageanalyzer-mcp-server/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// BrowserControl is the part of the session manager the tools drive.
type BrowserControl interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	IsConnected() bool
	ControlURL() string
	CreateSession(ctx context.Context, url string) (*browser.Session, error)
	List() []browser.Session
	CloseSession(ctx context.Context, sessionID string) error
}

// RunHistory exposes the coordinator's per-session run summaries.
type RunHistory interface {
	LastRun(sessionID string) (coordinator.RunSummary, bool)
}

// Deps groups the collaborators of the configuration surface.
type Deps struct {
	Config  config.Config
	Browser BrowserControl
	Store   store.Store
	Bus     *bus.Bus
	Runs    RunHistory
	Logger  *slog.Logger
}

// Server is the configuration surface: an MCP runtime whose tools edit settings, manage pages
// and talk to in-page agents over the bus from the options address.
type Server struct {
	cfg       config.Config
	browser   BrowserControl
	store     store.Store
	bus       *bus.Bus
	runs      RunHistory
	logger    *slog.Logger
	endpoint  *bus.Endpoint
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// NewServer constructs the MCP server, registers all tools and attaches to the bus.
func NewServer(d Deps) (*Server, error) {
	if d.Store == nil {
		return nil, fmt.Errorf("settings store is required")
	}
	if d.Bus == nil {
		return nil, fmt.Errorf("message bus is required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	mcpSrv := mcpserver.NewMCPServer(
		d.Config.Server.Name,
		d.Config.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	server := &Server{
		cfg:       d.Config,
		browser:   d.Browser,
		store:     d.Store,
		bus:       d.Bus,
		runs:      d.Runs,
		logger:    d.Logger,
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}
	server.endpoint = d.Bus.Register(bus.Options, server.handleBus)

	server.registerAllTools()
	server.registerAllResources()
	return server, nil
}

// Close detaches the server from the bus.
func (s *Server) Close() {
	s.endpoint.Close()
}

// Start launches the stdio server (Claude/Gemini CLI default).
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("SSE server shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool executes a tool directly (used by tests).
func (s *Server) ExecuteTool(name string, args map[string]interface{}) (interface{}, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return tool.Execute(context.Background(), args)
}

func (s *Server) registerAllTools() {
	// Browser and page sessions
	if s.browser != nil {
		s.registerTool(&LaunchBrowserTool{browser: s.browser})
		s.registerTool(&ShutdownBrowserTool{browser: s.browser})
		s.registerTool(&OpenPageTool{browser: s.browser})
		s.registerTool(&ListPagesTool{browser: s.browser})
		s.registerTool(&ClosePageTool{browser: s.browser})
	}

	// Settings
	s.registerTool(&GetSettingsTool{cfg: s.cfg, store: s.store})
	s.registerTool(&SaveSettingsTool{cfg: s.cfg, store: s.store, bus: s.bus})
	s.registerTool(&SetModeTool{store: s.store, bus: s.bus})

	// In-page agents
	s.registerTool(&TriggerAnalysisTool{bus: s.bus, timeout: s.cfg.Agent.GetCodingTimeout()})
	s.registerTool(&GetResultsTool{bus: s.bus, runs: s.runs})
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			s.logger.Warn("tool failed", "tool", tool.Name(), "error", err)
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}

		payload := marshalToolPayload(tool.Name(), result)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
			IsError: false,
		}, nil
	}
}

// handleBus answers commands addressed to the configuration surface. Agents only ever
// broadcast to it by accident, so everything is rejected.
func (s *Server) handleBus(_ context.Context, msg bus.Message, respond bus.Responder) {
	s.logger.Debug("unexpected bus command", "from", msg.From, "action", msg.Command.Action)
	respond(bus.Fail(fmt.Sprintf("unknown action %q", msg.Command.Action)))
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, marshalErr),
	}
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}

	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}
