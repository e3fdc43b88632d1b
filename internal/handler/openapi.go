package handler

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/akmhq/akm/internal/openapi"
	"github.com/akmhq/akm/internal/ui"
)

// OpenAPIHandler serves the generated OpenAPI document and the docs page.
// The document is static for the life of the process, so it is rendered
// once on first request.
type OpenAPIHandler struct {
	baseURL         string
	version         string
	protectedPrefix string

	once sync.Once
	doc  []byte
	err  error
}

// NewOpenAPIHandler creates a new OpenAPIHandler.
func NewOpenAPIHandler(baseURL, version, protectedPrefix string) *OpenAPIHandler {
	return &OpenAPIHandler{
		baseURL:         baseURL,
		version:         version,
		protectedPrefix: protectedPrefix,
	}
}

// ServeSpec returns the OpenAPI 3.1 document.
// GET /openapi.json
func (h *OpenAPIHandler) ServeSpec(w http.ResponseWriter, r *http.Request) {
	h.once.Do(func() {
		h.doc, h.err = json.Marshal(openapi.Generate(h.baseURL, h.version, h.protectedPrefix))
	})
	if h.err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to render OpenAPI document")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(h.doc)
}

// ServeDocs returns the interactive API reference page.
// GET /docs
func (h *OpenAPIHandler) ServeDocs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(ui.DocsPage)
}
