package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/sentinelgate/internal/apiclient"
)

// Config holds the connection to the gateway.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Token  string // ADMIN_TOKEN of the gateway, optional
}

// NewMCPServer creates a configured MCP server with all forensic tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("sentinelgate", "0.1.0")
	client := apiclient.New(apiclient.Config{BaseURL: cfg.APIURL, Token: cfg.Token})
	h := NewHandlers(client)

	s.AddTool(ToolRecentThreats, h.HandleRecentThreats)
	s.AddTool(ToolSystemHistory, h.HandleSystemHistory)
	s.AddTool(ToolListUsers, h.HandleListUsers)
	s.AddTool(ToolInspectUser, h.HandleInspectUser)
	s.AddTool(ToolVerifyUser, h.HandleVerifyUser)
	s.AddTool(ToolGatewayHealth, h.HandleGatewayHealth)

	return s
}
