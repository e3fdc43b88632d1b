package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/akmhq/akm/internal/model"
)

const (
	auditStatsURI = "akm://audit/stats"
	keyURIPrefix  = "akm://keys/"
)

// registerResources exposes read-only context an agent can load without a
// tool call: the last day's audit activity and individual key records.
func (s *MCPServer) registerResources(srv *server.MCPServer) {
	srv.AddResource(
		mcp.NewResource(
			auditStatsURI,
			"Audit Activity (24h)",
			mcp.WithResourceDescription(
				"Audit entry counts grouped by action over the last 24 hours. "+
					"Spikes in api_key_validation_failed or rate_limit_exceeded suggest abuse.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handleAuditStatsResource,
	)

	srv.AddResourceTemplate(
		mcp.NewResourceTemplate(
			keyURIPrefix+"{key_id}",
			"API Key",
			mcp.WithTemplateDescription("Metadata for one API key. The secret is never included."),
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleKeyResource,
	)
}

func (s *MCPServer) handleAuditStatsResource(ctx context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	since := time.Now().UTC().Add(-24 * time.Hour)
	counts, err := s.store.AuditStats(ctx, model.AuditFilter{Since: &since})
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	var total int64
	for _, c := range counts {
		total += c.Count
	}
	return jsonResource(auditStatsURI, map[string]any{
		"since":     since,
		"total":     total,
		"by_action": counts,
	})
}

func (s *MCPServer) handleKeyResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := request.Params.URI
	id, ok := strings.CutPrefix(uri, keyURIPrefix)
	if !ok || id == "" {
		return nil, fmt.Errorf("invalid key URI %q: expected %s{key_id}", uri, keyURIPrefix)
	}
	k, err := s.lookupKey(ctx, id)
	if err != nil {
		return nil, err
	}
	return jsonResource(uri, k)
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: uri, MIMEType: "application/json", Text: string(b)},
	}, nil
}
