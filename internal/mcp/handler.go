package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/akmhq/akm/internal/model"
	"github.com/akmhq/akm/internal/registry"
)

// argError is reported back to the agent as a tool error result, never as
// a protocol error, so the agent can correct its arguments and retry.
type argError string

func (e argError) Error() string { return string(e) }

func requireString(request mcp.CallToolRequest, key string) (string, error) {
	val, err := request.RequireString(key)
	if err != nil || val == "" {
		return "", argError(fmt.Sprintf("missing required parameter %q", key))
	}
	return val, nil
}

// pageArg reads page and page_size, clamping the size to the registry
// maximum.
func pageArg(request mcp.CallToolRequest, sizeKey string, defaultSize int) registry.Page {
	size := request.GetInt(sizeKey, defaultSize)
	if size < 1 {
		size = 1
	}
	return registry.Page{
		Number: request.GetInt("page", 1),
		Size:   min(size, registry.MaxPageSize),
	}.Normalize()
}

// sinceArg turns the days argument into a lower time bound. Absent or zero
// means no bound.
func sinceArg(request mcp.CallToolRequest, now time.Time) (*time.Time, error) {
	days := request.GetInt("days", 0)
	if days == 0 {
		return nil, nil
	}
	if days < 1 || days > maxAuditDays {
		return nil, argError(fmt.Sprintf("days must be between 1 and %d", maxAuditDays))
	}
	since := now.UTC().AddDate(0, 0, -days)
	return &since, nil
}

// lookupKey fetches a key by id for operator tools, which are not owner
// scoped.
func (s *MCPServer) lookupKey(ctx context.Context, id string) (*model.APIKey, error) {
	k, err := s.store.Get(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, argError(fmt.Sprintf("key %q not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("get key: %w", err)
	}
	return k, nil
}

func successJSON(data any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

func toolError(format string, args ...any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(fmt.Sprintf(format, args...)), nil
}
