package mcp

import (
	"context"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/akmhq/akm/internal/model"
	"github.com/akmhq/akm/internal/registry"
	"github.com/akmhq/akm/internal/service"
)

const maxAuditDays = 365

// registerTools registers all akm MCP tools on the given server.
func (s *MCPServer) registerTools(srv *server.MCPServer) {

	// ----- Key inspection -----

	srv.AddTool(
		mcp.NewTool("akm_list_keys",
			mcp.WithDescription(
				"List the API keys owned by a user. Returns key metadata only: id, name, "+
					"display prefix, status, permissions, scope, limits, expiry, and usage. "+
					"Raw key secrets are never stored and cannot be listed.",
			),
			mcp.WithToolAnnotation(toolHints(true)),
			mcp.WithString("user",
				mcp.Required(),
				mcp.Description("Owner email address or user id"),
			),
			mcp.WithString("status",
				mcp.Description("Only keys in this status"),
				mcp.Enum("active", "disabled", "expired", "revoked", "rotating"),
			),
			mcp.WithString("environment",
				mcp.Description("Only keys tagged with this environment"),
				mcp.Enum(model.EnvDevelopment, model.EnvStaging, model.EnvProduction),
			),
			mcp.WithNumber("page",
				mcp.Description("1-based page number (default 1)"),
			),
			mcp.WithNumber("page_size",
				mcp.Description("Keys per page (default 20, max 100)"),
			),
		),
		s.handleListKeys,
	)

	srv.AddTool(
		mcp.NewTool("akm_get_key",
			mcp.WithDescription(
				"Get one API key by id, including its status, rotation link, grace period, "+
					"last use, and usage count.",
			),
			mcp.WithToolAnnotation(toolHints(true)),
			mcp.WithString("key_id",
				mcp.Required(),
				mcp.Description("API key id"),
			),
		),
		s.handleGetKey,
	)

	// ----- Audit -----

	srv.AddTool(
		mcp.NewTool("akm_list_audit",
			mcp.WithDescription(
				"List recent audit entries, newest first. Use this to investigate "+
					"rejected requests, rate limiting, rotations, and logins. All filters are optional.",
			),
			mcp.WithToolAnnotation(toolHints(true)),
			mcp.WithString("user",
				mcp.Description("Only entries for this user (email address or id)"),
			),
			mcp.WithString("action",
				mcp.Description("Only this action, e.g. api_key_validation_failed or rate_limit_exceeded"),
			),
			mcp.WithString("api_key_id",
				mcp.Description("Only entries for this key"),
			),
			mcp.WithNumber("days",
				mcp.Description("Only entries from the last N days (1-365)"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Entries per page (default 50, max 100)"),
			),
			mcp.WithNumber("page",
				mcp.Description("1-based page number (default 1)"),
			),
		),
		s.handleListAudit,
	)

	// ----- Incident response -----

	srv.AddTool(
		mcp.NewTool("akm_disable_key",
			mcp.WithDescription(
				"Disable an API key so it stops authenticating immediately. The owner can "+
					"re-enable it later. Use this when a key is suspected to be leaked or abused.",
			),
			mcp.WithToolAnnotation(toolHints(false)),
			mcp.WithString("key_id",
				mcp.Required(),
				mcp.Description("API key id"),
			),
			mcp.WithString("reason",
				mcp.Description("Why the key is being disabled; written to the server log"),
			),
		),
		s.handleDisableKey,
	)
}

func (s *MCPServer) handleListKeys(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	who, err := requireString(request, "user")
	if err != nil {
		return toolError("%v", err)
	}
	u, err := s.resolveUser(ctx, who)
	if err != nil {
		return toolError("user %q: %v", who, err)
	}

	filter := registry.Filter{
		Status:      model.KeyStatus(request.GetString("status", "")),
		Environment: request.GetString("environment", ""),
	}
	keys, total, err := s.keys.List(ctx, u.ID, filter, pageArg(request, "page_size", 20))
	if err != nil {
		return toolError("list keys: %v", err)
	}
	if keys == nil {
		keys = []model.APIKey{}
	}

	return successJSON(map[string]interface{}{
		"owner": u.Email,
		"total": total,
		"keys":  keys,
	})
}

func (s *MCPServer) handleGetKey(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(request, "key_id")
	if err != nil {
		return toolError("%v", err)
	}
	k, err := s.lookupKey(ctx, id)
	if err != nil {
		return toolError("%v", err)
	}
	return successJSON(k)
}

func (s *MCPServer) handleListAudit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	since, err := sinceArg(request, time.Now())
	if err != nil {
		return toolError("%v", err)
	}
	f := model.AuditFilter{
		Action:   request.GetString("action", ""),
		APIKeyID: request.GetString("api_key_id", ""),
		Since:    since,
	}
	if who := request.GetString("user", ""); who != "" {
		u, err := s.resolveUser(ctx, who)
		if err != nil {
			return toolError("user %q: %v", who, err)
		}
		f.UserID = u.ID
	}
	entries, total, err := s.store.ListAuditEntries(ctx, f, pageArg(request, "limit", 50))
	if err != nil {
		return toolError("list audit entries: %v", err)
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	return successJSON(map[string]interface{}{
		"total":   total,
		"entries": entries,
	})
}

func (s *MCPServer) handleDisableKey(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(request, "key_id")
	if err != nil {
		return toolError("%v", err)
	}
	k, err := s.lookupKey(ctx, id)
	if err != nil {
		return toolError("%v", err)
	}

	info := service.RequestInfo{Endpoint: "mcp:akm_disable_key", Method: "MCP"}
	updated, err := s.keys.Disable(ctx, k.OwnerID, id, info)
	if err != nil {
		return toolError("disable key: %v", err)
	}
	s.logger.Info("api key disabled via MCP",
		"key_id", id, "owner_id", k.OwnerID, "reason", request.GetString("reason", ""))
	return successJSON(updated)
}

// resolveUser accepts either an email address or a user id.
func (s *MCPServer) resolveUser(ctx context.Context, who string) (*model.User, error) {
	if strings.Contains(who, "@") {
		return s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(who)))
	}
	return s.store.GetUser(ctx, who)
}
