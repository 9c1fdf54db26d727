// Package mcpserver exposes the bridge over MCP (Model Context
// Protocol) so operator-side LLM tooling can inspect sessions and send
// messages through the same manager the HTTP API uses.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/clawbridge/internal/bridge"
)

// Server wraps an MCP stdio server over a bridge manager.
type Server struct {
	manager *bridge.Manager
	mcp     *server.MCPServer
	logger  *slog.Logger
}

// New creates the MCP server and registers its tools.
func New(manager *bridge.Manager, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		manager: manager,
		logger:  logger,
		mcp: server.NewMCPServer(
			"clawbridge",
			version,
			server.WithToolCapabilities(false),
		),
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcp.AddTool(
		mcp.NewTool("sessions_list",
			mcp.WithDescription("List the sessions tracked for one gateway: the main session plus agent sessions."),
			mcp.WithString("gateway_id", mcp.Required(), mcp.Description("Configured gateway ID.")),
		),
		s.handleSessionsList,
	)
	s.mcp.AddTool(
		mcp.NewTool("session_history",
			mcp.WithDescription("Fetch a session's history events, oldest first."),
			mcp.WithString("gateway_id", mcp.Required(), mcp.Description("Configured gateway ID.")),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to read.")),
		),
		s.handleSessionHistory,
	)
	s.mcp.AddTool(
		mcp.NewTool("session_send",
			mcp.WithDescription("Send a message to a session and wait for the gateway's delivery ack."),
			mcp.WithString("gateway_id", mcp.Required(), mcp.Description("Configured gateway ID.")),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("Target session.")),
			mcp.WithString("content", mcp.Required(), mcp.Description("Message content. Must be non-empty after trimming.")),
		),
		s.handleSessionSend,
	)
}

// ServeStdio blocks serving MCP over stdin/stdout.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server starting on stdio")
	return server.ServeStdio(s.mcp)
}

func (s *Server) lookup(req mcp.CallToolRequest) (*bridge.Bridge, *mcp.CallToolResult, error) {
	gatewayID, err := req.RequireString("gateway_id")
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error()), nil
	}
	b, ok := s.manager.Get(gatewayID)
	if !ok {
		return nil, mcp.NewToolResultError(fmt.Sprintf("unknown gateway %q", gatewayID)), nil
	}
	return b, nil, nil
}

func (s *Server) handleSessionsList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	b, errResult, err := s.lookup(req)
	if errResult != nil || err != nil {
		return errResult, err
	}

	main, agents := b.Registry().List()
	payload := map[string]any{
		"gateway_id": b.GatewayID(),
		"connected":  b.IsConnected(),
		"main":       main,
		"agents":     agents,
	}
	return jsonResult(payload)
}

func (s *Server) handleSessionHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	b, errResult, err := s.lookup(req)
	if errResult != nil || err != nil {
		return errResult, err
	}
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	events, err := b.History().List(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"session_id": sessionID,
		"events":     events,
	})
}

func (s *Server) handleSessionSend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	b, errResult, err := s.lookup(req)
	if errResult != nil || err != nil {
		return errResult, err
	}
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := b.SendMessage(ctx, sessionID, content); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("delivered to session %s", sessionID)), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
