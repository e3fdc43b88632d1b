// Package openapi describes the HTTP API as an OpenAPI document served at
// /openapi.json.
package openapi

import (
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// Security scheme names.
const (
	SchemeAPIKey = "apiKey"
	SchemeBearer = "bearerAuth"
)

type route struct {
	method   string
	path     string
	tag      string
	id       string
	summary  string
	security string // "", SchemeAPIKey or SchemeBearer
	body     string // request schema name
	status   string
	response string // response schema name, empty for no body
	params   openapi3.Parameters
	errors   []string
}

// Generate builds the OpenAPI document for the full API. protectedPrefix is
// the path under which API keys are required.
func Generate(baseURL, version, protectedPrefix string) *openapi3.T {
	if protectedPrefix == "" {
		protectedPrefix = "/api/v1/protected"
	}
	protectedPrefix = strings.TrimSuffix(protectedPrefix, "/")

	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "akm API",
			Description: "Issues, validates, rotates, and audits API keys and user session tokens.",
			Version:     version,
		},
		Servers: openapi3.Servers{
			{URL: baseURL},
		},
	}

	components := openapi3.NewComponents()
	components.Schemas = componentSchemas()
	components.SecuritySchemes = openapi3.SecuritySchemes{
		SchemeAPIKey: &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{
				Type:        "apiKey",
				In:          "header",
				Name:        "X-API-Key",
				Description: "Also accepted as \"Authorization: ApiKey <key>\" or the api_key query parameter.",
			},
		},
		SchemeBearer: &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{
				Type:         "http",
				Scheme:       "bearer",
				BearerFormat: "JWT",
			},
		},
	}
	doc.Components = &components
	doc.Paths = openapi3.NewPaths()

	for _, rt := range routes(protectedPrefix) {
		item := doc.Paths.Value(rt.path)
		if item == nil {
			item = &openapi3.PathItem{}
			doc.Paths.Set(rt.path, item)
		}
		item.SetOperation(rt.method, operation(rt))
	}
	return doc
}

func routes(protected string) []route {
	keyID := pathParam("keyID", "API key id")
	userID := pathParam("userID", "User id")
	std := []string{"400", "401"}

	return []route{
		{method: http.MethodGet, path: "/healthz", tag: "system", id: "healthz", summary: "Liveness probe", status: "200"},
		{method: http.MethodGet, path: "/readyz", tag: "system", id: "readyz", summary: "Readiness probe (database reachable)", status: "200", errors: []string{"503"}},
		{method: http.MethodGet, path: "/metrics", tag: "system", id: "metrics", summary: "Prometheus metrics", status: "200"},

		{method: http.MethodPost, path: "/api/v1/auth/register", tag: "auth", id: "register", summary: "Create an account", body: schemaRegister, status: "201", response: schemaUser, errors: []string{"400", "409", "429"}},
		{method: http.MethodPost, path: "/api/v1/auth/login", tag: "auth", id: "login", summary: "Exchange credentials for a token pair", body: schemaLogin, status: "200", response: schemaTokenPair, errors: []string{"401", "403", "423", "429"}},
		{method: http.MethodPost, path: "/api/v1/auth/refresh", tag: "auth", id: "refresh", summary: "Redeem a refresh token for a new pair", body: schemaRefresh, status: "200", response: schemaTokenPair, errors: []string{"401"}},
		{method: http.MethodPost, path: "/api/v1/auth/logout", tag: "auth", id: "logout", summary: "Revoke all refresh tokens of the caller", security: SchemeBearer, status: "204", errors: []string{"401"}},
		{method: http.MethodGet, path: "/api/v1/auth/me", tag: "auth", id: "getMe", summary: "Current user", security: SchemeBearer, status: "200", response: schemaUser, errors: []string{"401"}},
		{method: http.MethodPut, path: "/api/v1/auth/me", tag: "auth", id: "updateMe", summary: "Update email or username", security: SchemeBearer, body: schemaProfile, status: "200", response: schemaUser, errors: []string{"400", "401", "409"}},
		{method: http.MethodPost, path: "/api/v1/auth/change-password", tag: "auth", id: "changePassword", summary: "Change password and end all sessions", security: SchemeBearer, body: schemaPassword, status: "204", errors: std},
		{method: http.MethodPut, path: "/api/v1/auth/users/{userID}/role", tag: "auth", id: "setUserRole", summary: "Change a user's role (admin)", security: SchemeBearer, body: schemaRole, status: "200", response: schemaUser, params: openapi3.Parameters{userID}, errors: []string{"400", "401", "403", "404"}},

		{method: http.MethodPost, path: "/api/v1/keys", tag: "keys", id: "createKey", summary: "Create an API key; the secret is returned once", security: SchemeBearer, body: schemaKeyCreate, status: "201", response: schemaCreatedKey, errors: std},
		{method: http.MethodGet, path: "/api/v1/keys", tag: "keys", id: "listKeys", summary: "List the caller's keys", security: SchemeBearer, status: "200", response: schemaKeyList, params: keyListParams(), errors: std},
		{method: http.MethodGet, path: "/api/v1/keys/{keyID}", tag: "keys", id: "getKey", summary: "Get one key", security: SchemeBearer, status: "200", response: schemaAPIKey, params: openapi3.Parameters{keyID}, errors: []string{"401", "404"}},
		{method: http.MethodPut, path: "/api/v1/keys/{keyID}", tag: "keys", id: "updateKey", summary: "Update key attributes", security: SchemeBearer, body: schemaKeyUpdate, status: "200", response: schemaAPIKey, params: openapi3.Parameters{keyID}, errors: []string{"400", "401", "404"}},
		{method: http.MethodDelete, path: "/api/v1/keys/{keyID}", tag: "keys", id: "revokeKey", summary: "Revoke a key", security: SchemeBearer, status: "204", params: openapi3.Parameters{keyID}, errors: []string{"401", "404"}},
		{method: http.MethodPost, path: "/api/v1/keys/{keyID}/rotate", tag: "keys", id: "rotateKey", summary: "Issue a successor key with an optional grace period", security: SchemeBearer, body: schemaRotate, status: "200", response: schemaRotated, params: openapi3.Parameters{keyID}, errors: []string{"400", "401", "404"}},
		{method: http.MethodPost, path: "/api/v1/keys/{keyID}/disable", tag: "keys", id: "disableKey", summary: "Disable a key", security: SchemeBearer, status: "200", response: schemaAPIKey, params: openapi3.Parameters{keyID}, errors: []string{"400", "401", "404"}},
		{method: http.MethodPost, path: "/api/v1/keys/{keyID}/enable", tag: "keys", id: "enableKey", summary: "Re-enable a disabled key", security: SchemeBearer, status: "200", response: schemaAPIKey, params: openapi3.Parameters{keyID}, errors: []string{"400", "401", "404"}},

		{method: http.MethodGet, path: "/api/v1/audit", tag: "audit", id: "listAudit", summary: "List audit entries (own, or all for admins)", security: SchemeBearer, status: "200", response: schemaAuditList, params: auditParams(true), errors: std},
		{method: http.MethodGet, path: "/api/v1/audit/stats", tag: "audit", id: "auditStats", summary: "Audit entry counts by action", security: SchemeBearer, status: "200", response: schemaAuditStats, params: auditParams(false), errors: std},

		{method: http.MethodGet, path: protected + "/test", tag: "protected", id: "protectedTest", summary: "Check that a key authenticates", security: SchemeAPIKey, status: "200", response: schemaProtectedOK, errors: []string{"401", "403", "429"}},
		{method: http.MethodGet, path: protected + "/resource", tag: "protected", id: "readResource", summary: "Requires read", security: SchemeAPIKey, status: "200", response: schemaProtectedOK, errors: []string{"401", "403", "429"}},
		{method: http.MethodPost, path: protected + "/resource", tag: "protected", id: "createResource", summary: "Requires write", security: SchemeAPIKey, status: "200", response: schemaProtectedOK, errors: []string{"401", "403", "429"}},
		{method: http.MethodPut, path: protected + "/resource", tag: "protected", id: "replaceResource", summary: "Requires write", security: SchemeAPIKey, status: "200", response: schemaProtectedOK, errors: []string{"401", "403", "429"}},
		{method: http.MethodPatch, path: protected + "/resource", tag: "protected", id: "updateResource", summary: "Requires write", security: SchemeAPIKey, status: "200", response: schemaProtectedOK, errors: []string{"401", "403", "429"}},
		{method: http.MethodDelete, path: protected + "/resource", tag: "protected", id: "deleteResource", summary: "Requires delete", security: SchemeAPIKey, status: "200", response: schemaProtectedOK, errors: []string{"401", "403", "429"}},
	}
}

func operation(rt route) *openapi3.Operation {
	op := &openapi3.Operation{
		Tags:        []string{rt.tag},
		Summary:     rt.summary,
		OperationID: rt.id,
		Parameters:  rt.params,
		Responses:   newResponses(rt.status, rt.response, rt.errors),
	}
	if rt.body != "" {
		op.RequestBody = &openapi3.RequestBodyRef{
			Value: openapi3.NewRequestBody().
				WithRequired(true).
				WithContent(openapi3.NewContentWithJSONSchemaRef(ref(rt.body))),
		}
	}
	if rt.security != "" {
		op.Security = &openapi3.SecurityRequirements{{rt.security: {}}}
	}
	return op
}

var statusDescriptions = map[string]string{
	"200": "Success",
	"201": "Created",
	"204": "No content",
	"400": "Bad request",
	"401": "Unauthorized",
	"403": "Forbidden",
	"404": "Not found",
	"409": "Conflict",
	"423": "Account locked",
	"429": "Rate limit exceeded",
	"503": "Not ready",
}

// newResponses builds a Responses map with a success response plus the
// listed error responses and a 500.
func newResponses(statusCode, schema string, errors []string) *openapi3.Responses {
	responses := openapi3.NewResponses()
	responses.Delete("default")

	success := &openapi3.Response{Description: ptr(statusDescriptions[statusCode])}
	if schema != "" {
		success.Content = openapi3.NewContentWithJSONSchemaRef(ref(schema))
	}
	responses.Set(statusCode, &openapi3.ResponseRef{Value: success})

	errorRef := ref(schemaError)
	for _, code := range append(errors, "500") {
		desc := statusDescriptions[code]
		if desc == "" {
			desc = "Internal server error"
		}
		responses.Set(code, &openapi3.ResponseRef{
			Value: &openapi3.Response{
				Description: ptr(desc),
				Content:     openapi3.NewContentWithJSONSchemaRef(errorRef),
			},
		})
	}
	return responses
}

func pathParam(name, desc string) *openapi3.ParameterRef {
	return &openapi3.ParameterRef{
		Value: openapi3.NewPathParameter(name).
			WithDescription(desc).
			WithSchema(openapi3.NewStringSchema()),
	}
}

func queryParam(name, desc string, schema *openapi3.SchemaRef) *openapi3.ParameterRef {
	p := openapi3.NewQueryParameter(name).WithDescription(desc)
	p.Schema = schema
	return &openapi3.ParameterRef{Value: p}
}

func pageParams() openapi3.Parameters {
	return openapi3.Parameters{
		queryParam("page", "1-based page number.", integer(1, 1e9)),
		queryParam("page_size", "Results per page, at most 100.", integer(1, 100)),
	}
}

func keyListParams() openapi3.Parameters {
	return append(pageParams(),
		queryParam("status", "Only keys with this status.", enum(statusEnum...)),
		queryParam("environment", "Only keys tagged with this environment.", enum(environmentEnum...)),
	)
}

func auditParams(paged bool) openapi3.Parameters {
	params := openapi3.Parameters{
		queryParam("action", "Only entries with this action.", str()),
		queryParam("api_key_id", "Only entries about this key.", str()),
		queryParam("days", "Only entries from the last N days.", integer(1, 365)),
	}
	if paged {
		params = append(pageParams(), params...)
	}
	return params
}

func ptr(s string) *string { return &s }
