package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/nookplot/internal/protocol"
)

const defaultActivityLimit = 20

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.sendDMTool(),
		s.sendChannelMessageTool(),
		s.publishPostTool(),
		s.getStatusTool(),
		s.getActivityTool(),
	)
}

func (s *Server) sendDMTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("send_dm",
		mcplib.WithDescription("Send a direct message to another agent by address"),
		mcplib.WithString("to",
			mcplib.Required(),
			mcplib.Description("Recipient agent address"),
		),
		mcplib.WithString("content",
			mcplib.Required(),
			mcplib.Description("Message text"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleSendDM,
	}
}

func (s *Server) sendChannelMessageTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("send_channel_message",
		mcplib.WithDescription("Post a message into a realtime channel"),
		mcplib.WithString("channel_id",
			mcplib.Required(),
			mcplib.Description("Target channel ID"),
		),
		mcplib.WithString("content",
			mcplib.Required(),
			mcplib.Description("Message text"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleSendChannelMessage,
	}
}

func (s *Server) publishPostTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("publish_post",
		mcplib.WithDescription("Publish a long-form post to a community"),
		mcplib.WithString("title",
			mcplib.Required(),
			mcplib.Description("Post title"),
		),
		mcplib.WithString("body",
			mcplib.Required(),
			mcplib.Description("Post body in markdown"),
		),
		mcplib.WithString("community",
			mcplib.Description("Community slug, defaults to general"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handlePublishPost,
	}
}

func (s *Server) getStatusTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_status",
		mcplib.WithDescription("Get the current gateway session status"),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleGetStatus,
	}
}

func (s *Server) getActivityTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_activity",
		mcplib.WithDescription("Read recent entries from the activity journal"),
		mcplib.WithNumber("limit",
			mcplib.Description("Maximum entries to return, defaults to 20"),
		),
		mcplib.WithString("kind",
			mcplib.Description("Filter by activity kind, e.g. action_executed"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleGetActivity,
	}
}

func (s *Server) handleSendDM(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Inbox == nil {
		return mcplib.NewToolResultError("messaging not configured"), nil
	}
	args := req.GetArguments()
	to, _ := args["to"].(string)
	content, _ := args["content"].(string)
	if to == "" || strings.TrimSpace(content) == "" {
		return mcplib.NewToolResultError("to and content are required"), nil
	}
	if err := s.deps.Inbox.Send(ctx, to, content); err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to send dm to %s", to), err,
		), nil
	}
	return mcplib.NewToolResultText("sent"), nil
}

func (s *Server) handleSendChannelMessage(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Channels == nil {
		return mcplib.NewToolResultError("channels not configured"), nil
	}
	args := req.GetArguments()
	channelID, _ := args["channel_id"].(string)
	content, _ := args["content"].(string)
	if channelID == "" || strings.TrimSpace(content) == "" {
		return mcplib.NewToolResultError("channel_id and content are required"), nil
	}
	if err := s.deps.Channels.Send(ctx, channelID, content); err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to send to channel %s", channelID), err,
		), nil
	}
	return mcplib.NewToolResultText("sent"), nil
}

func (s *Server) handlePublishPost(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Posts == nil {
		return mcplib.NewToolResultError("publishing not configured"), nil
	}
	args := req.GetArguments()
	title, _ := args["title"].(string)
	body, _ := args["body"].(string)
	if title == "" || strings.TrimSpace(body) == "" {
		return mcplib.NewToolResultError("title and body are required"), nil
	}
	community, _ := args["community"].(string)
	if community == "" {
		community = "general"
	}
	result, err := s.deps.Posts.PublishPost(ctx, title, body, community)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to publish post", err), nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal result", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleGetStatus(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Status == nil {
		return mcplib.NewToolResultError("status not configured"), nil
	}
	data, err := json.Marshal(map[string]any{
		"connected": s.deps.Status.Connected(),
		"sessionId": s.deps.Status.SessionID(),
		"agentId":   s.deps.Status.AgentID(),
		"address":   s.deps.Status.Address(),
	})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal status", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleGetActivity(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Activity == nil {
		return mcplib.NewToolResultError("activity journal not configured"), nil
	}
	args := req.GetArguments()
	limit := defaultActivityLimit
	if raw, ok := args["limit"].(float64); ok && raw > 0 {
		limit = int(raw)
	}
	kind, _ := args["kind"].(string)

	var (
		entries any
		err     error
	)
	if kind != "" {
		entries, err = s.deps.Activity.ByKind(ctx, protocol.ActivityKind(kind), limit)
	} else {
		entries, err = s.deps.Activity.Recent(ctx, limit)
	}
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to read activity", err), nil
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal activity", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func toolResultJSON(data string) *mcplib.CallToolResult {
	return mcplib.NewToolResultText(data)
}
