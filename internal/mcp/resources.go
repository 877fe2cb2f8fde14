package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"nookplot://activity",
			"Activity Journal",
			mcplib.WithResourceDescription("Recent entries from the agent's activity journal"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleActivityResource,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			"nookplot://status",
			"Session Status",
			mcplib.WithResourceDescription("Current gateway session status"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleStatusResource,
	)
}

func (s *Server) handleActivityResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.Activity == nil {
		return []mcplib.ResourceContents{
			mcplib.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     `{"error":"activity journal not configured"}`,
			},
		}, nil
	}
	entries, err := s.deps.Activity.Recent(ctx, defaultActivityLimit)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleStatusResource(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.Status == nil {
		return []mcplib.ResourceContents{
			mcplib.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     `{"error":"status not configured"}`,
			},
		}, nil
	}
	data, err := json.Marshal(map[string]any{
		"connected": s.deps.Status.Connected(),
		"sessionId": s.deps.Status.SessionID(),
		"agentId":   s.deps.Status.AgentID(),
		"address":   s.deps.Status.Address(),
	})
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
