// Package mcp exposes operator tools over the Model Context Protocol so an
// agent can inspect keys and the audit trail, and disable a key during an
// incident, without a session token.
package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/akmhq/akm/internal/service"
	"github.com/akmhq/akm/internal/store"
)

// MCPServer holds the tool handlers and the underlying mcp-go server.
// Tools act on any owner's keys; access is governed by who can run the
// process.
type MCPServer struct {
	store  *store.Store
	keys   *service.KeyService
	logger *slog.Logger
	server *server.MCPServer
}

// NewMCPServer registers every akm tool and resource.
func NewMCPServer(st *store.Store, keys *service.KeyService, version string, logger *slog.Logger) *MCPServer {
	s := &MCPServer{
		store:  st,
		keys:   keys,
		logger: logger.With("component", "mcp"),
		server: server.NewMCPServer(
			"akm",
			version,
			server.WithResourceCapabilities(true, false),
			server.WithToolCapabilities(true),
		),
	}
	s.registerTools(s.server)
	s.registerResources(s.server)
	return s
}

// Server returns the underlying mcp-go server.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// ServeStdio serves JSON-RPC on stdin and stdout until the client closes
// the stream.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("serving MCP over stdio")
	return server.ServeStdio(s.server)
}

// ServeHTTP serves the streamable HTTP transport on addr until ctx is
// canceled.
func (s *MCPServer) ServeHTTP(ctx context.Context, addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.server)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("serving MCP over HTTP", "addr", addr)
		errCh <- httpServer.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// toolHints marks a tool as read-only, or as one that changes key state.
func toolHints(readOnly bool) mcp.ToolAnnotation {
	a := mcp.ToolAnnotation{ReadOnlyHint: &readOnly}
	if !readOnly {
		destructive := true
		a.DestructiveHint = &destructive
	}
	return a
}
