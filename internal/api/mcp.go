package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/loom/internal/notify"
	"github.com/kalambet/loom/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store  *storage.Store
	Runner ChatRunner
	Queue  *notify.FailedQueue
}

// NewMCPServer creates an MCP server exposing chat over tools and the failed
// notification queue as a resource.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"loom",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("loom — grounded chat assistant with web search, URL context, and file attachments."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("create_conversation",
			mcp.WithDescription("Create a new conversation and return its id."),
			mcp.WithString("user_id", mcp.Description("Owner of the conversation"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Optional conversation title")),
			mcp.WithString("mode", mcp.Description("Conversation mode: assistant (default) or url")),
		),
		mcpCreateConversation(deps),
	)

	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a message to a conversation and return the assistant's reply, with inline citations when the answer is grounded."),
			mcp.WithString("conversation_id", mcp.Description("Target conversation id"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Message text"), mcp.Required()),
		),
		mcpSendMessage(deps),
	)

	s.AddTool(
		mcp.NewTool("attach_url",
			mcp.WithDescription("Attach a URL to a conversation as grounding context for following messages."),
			mcp.WithString("conversation_id", mcp.Description("Target conversation id"), mcp.Required()),
			mcp.WithString("url", mcp.Description("URL to attach"), mcp.Required()),
		),
		mcpAttachURL(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"loom://notifications/failed",
			"Failed Notifications",
			mcp.WithResourceDescription("Webhook notifications that exhausted all delivery attempts"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceFailedNotifications(deps),
	)

	return s
}

func mcpCreateConversation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		mode := req.GetString("mode", "assistant")
		if mode != "assistant" && mode != "url" {
			return mcpError("mode must be \"assistant\" or \"url\""), nil
		}

		now := time.Now().UTC()
		conv := storage.Conversation{
			ID:        uuid.New().String(),
			UserID:    userID,
			Title:     req.GetString("title", ""),
			Mode:      mode,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := deps.Store.CreateConversation(conv); err != nil {
			return mcpError(fmt.Sprintf("failed to create conversation: %v", err)), nil
		}

		return mcpText(conv.ID), nil
	}
}

func mcpSendMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		conversationID, err := req.RequireString("conversation_id")
		if err != nil {
			return mcpError("conversation_id is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		msg, err := deps.Runner.RunOnce(ctx, conversationID, content)
		if err != nil {
			return mcpError(fmt.Sprintf("generation failed: %v", err)), nil
		}

		return mcpText(msg.Content), nil
	}
}

func mcpAttachURL(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		conversationID, err := req.RequireString("conversation_id")
		if err != nil {
			return mcpError("conversation_id is required"), nil
		}
		rawURL, err := req.RequireString("url")
		if err != nil {
			return mcpError("url is required"), nil
		}
		if u, err := url.Parse(rawURL); err != nil || u.Scheme == "" || u.Host == "" {
			return mcpError(fmt.Sprintf("invalid url: %s", rawURL)), nil
		}

		if _, err := deps.Store.GetConversation(conversationID); err != nil {
			return mcpError(fmt.Sprintf("conversation not found: %s", conversationID)), nil
		}

		res := storage.Resource{
			ID:             uuid.New().String(),
			ConversationID: conversationID,
			Type:           storage.ResourceURL,
			URL:            rawURL,
			CreatedAt:      time.Now().UTC(),
		}
		if err := deps.Store.AddResource(res); err != nil {
			return mcpError(fmt.Sprintf("failed to attach url: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Attached %s as resource %s", rawURL, res.ID)), nil
	}
}

func mcpResourceFailedNotifications(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		entries, err := deps.Queue.Entries()
		if err != nil {
			return nil, fmt.Errorf("failed to read queue: %w", err)
		}
		if entries == nil {
			entries = []notify.FailedNotification{}
		}

		b, err := json.Marshal(entries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal entries: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
