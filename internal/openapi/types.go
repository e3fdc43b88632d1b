package openapi

import "github.com/getkin/kin-openapi/openapi3"

// Component schema names.
const (
	schemaError       = "ErrorResponse"
	schemaAPIKey      = "APIKey"
	schemaCreatedKey  = "CreatedAPIKey"
	schemaKeyCreate   = "APIKeyCreate"
	schemaKeyUpdate   = "APIKeyUpdate"
	schemaRotate      = "RotateRequest"
	schemaRotated     = "RotateResponse"
	schemaUser        = "User"
	schemaRegister    = "RegisterRequest"
	schemaLogin       = "LoginRequest"
	schemaTokenPair   = "TokenPair"
	schemaRefresh     = "RefreshRequest"
	schemaProfile     = "ProfileUpdate"
	schemaPassword    = "PasswordChange"
	schemaRole        = "RoleUpdate"
	schemaAuditEntry  = "AuditEntry"
	schemaAuditStats  = "AuditStats"
	schemaKeyList     = "APIKeyList"
	schemaAuditList   = "AuditEntryList"
	schemaProtectedOK = "ProtectedResponse"
)

func ref(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

func str() *openapi3.SchemaRef { return openapi3.NewStringSchema().NewRef() }

func strFormat(format string) *openapi3.SchemaRef {
	return openapi3.NewStringSchema().WithFormat(format).NewRef()
}

func enum(values ...string) *openapi3.SchemaRef {
	s := openapi3.NewStringSchema()
	for _, v := range values {
		s.Enum = append(s.Enum, v)
	}
	return s.NewRef()
}

func integer(min, max float64) *openapi3.SchemaRef {
	s := openapi3.NewIntegerSchema()
	if max > 0 {
		s = s.WithMin(min).WithMax(max)
	}
	return s.NewRef()
}

func boolean() *openapi3.SchemaRef { return openapi3.NewBoolSchema().NewRef() }

func arrayOf(items *openapi3.SchemaRef) *openapi3.SchemaRef {
	s := openapi3.NewArraySchema()
	s.Items = items
	return s.NewRef()
}

func object(required []string, props openapi3.Schemas) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:       &openapi3.Types{"object"},
		Properties: props,
		Required:   required,
	}}
}

func nullable(s *openapi3.SchemaRef) *openapi3.SchemaRef {
	s.Value.Nullable = true
	return s
}

var (
	permissionEnum  = []string{"read", "write", "delete", "admin"}
	statusEnum      = []string{"active", "disabled", "expired", "revoked", "rotating"}
	environmentEnum = []string{"development", "staging", "production"}
	reasonEnum      = []string{
		"MISSING_CREDENTIAL", "MALFORMED", "INVALID_CREDENTIAL", "REVOKED", "DISABLED",
		"EXPIRED", "GRACE_EXPIRED", "IP_NOT_ALLOWED", "UA_NOT_ALLOWED", "PERMISSION_DENIED",
	}
)

func listSchema(item string) *openapi3.SchemaRef {
	return object([]string{"items", "total", "page", "page_size", "pages"}, openapi3.Schemas{
		"items":     arrayOf(ref(item)),
		"total":     integer(0, 0),
		"page":      integer(0, 0),
		"page_size": integer(0, 0),
		"pages":     integer(0, 0),
	})
}

func apiKeyProps() openapi3.Schemas {
	return openapi3.Schemas{
		"id":                    strFormat("uuid"),
		"name":                  str(),
		"description":           str(),
		"key_prefix":            str(),
		"owner_id":              strFormat("uuid"),
		"status":                enum(statusEnum...),
		"permissions":           arrayOf(enum(permissionEnum...)),
		"allowed_ips":           arrayOf(str()),
		"allowed_user_agents":   arrayOf(str()),
		"environment":           enum(environmentEnum...),
		"rate_limit_per_minute": nullable(integer(1, 10000)),
		"rate_limit_per_hour":   nullable(integer(1, 100000)),
		"rate_limit_per_day":    nullable(integer(1, 1000000)),
		"expires_at":            strFormat("date-time"),
		"rotated_from_id":       strFormat("uuid"),
		"grace_period_ends_at":  strFormat("date-time"),
		"last_used_at":          strFormat("date-time"),
		"usage_count":           integer(0, 0),
		"created_at":            strFormat("date-time"),
		"updated_at":            strFormat("date-time"),
	}
}

func keyInputProps() openapi3.Schemas {
	return openapi3.Schemas{
		"name":                  str(),
		"description":           str(),
		"permissions":           arrayOf(enum(permissionEnum...)),
		"allowed_ips":           arrayOf(str()),
		"allowed_user_agents":   arrayOf(str()),
		"environment":           enum(environmentEnum...),
		"rate_limit_per_minute": integer(1, 10000),
		"rate_limit_per_hour":   integer(1, 100000),
		"rate_limit_per_day":    integer(1, 1000000),
	}
}

// componentSchemas returns every named schema referenced by the paths.
func componentSchemas() openapi3.Schemas {
	createProps := keyInputProps()
	createProps["expires_in_days"] = integer(1, 365)

	createdProps := apiKeyProps()
	createdProps["api_key"] = str()

	return openapi3.Schemas{
		schemaError: object([]string{"error"}, openapi3.Schemas{
			"error": object([]string{"code", "message"}, openapi3.Schemas{
				"code":    integer(0, 0),
				"message": str(),
				"context": object(nil, openapi3.Schemas{
					"reason": enum(reasonEnum...),
				}),
			}),
		}),
		schemaAPIKey:     object(nil, apiKeyProps()),
		schemaCreatedKey: object([]string{"api_key"}, createdProps),
		schemaKeyCreate:  object([]string{"name"}, createProps),
		schemaKeyUpdate:  object(nil, keyInputProps()),
		schemaRotate: object(nil, openapi3.Schemas{
			"grace_period_hours": integer(0, 168),
		}),
		schemaRotated: object([]string{"old_key_id", "new_key"}, openapi3.Schemas{
			"old_key_id":           strFormat("uuid"),
			"new_key":              ref(schemaCreatedKey),
			"grace_period_ends_at": strFormat("date-time"),
		}),
		schemaUser: object(nil, openapi3.Schemas{
			"id":            strFormat("uuid"),
			"email":         strFormat("email"),
			"username":      str(),
			"role":          enum("admin", "developer", "readonly"),
			"is_active":     boolean(),
			"is_verified":   boolean(),
			"locked_until":  strFormat("date-time"),
			"last_login_at": strFormat("date-time"),
			"created_at":    strFormat("date-time"),
			"updated_at":    strFormat("date-time"),
		}),
		schemaRegister: object([]string{"email", "username", "password"}, openapi3.Schemas{
			"email":    strFormat("email"),
			"username": str(),
			"password": strFormat("password"),
		}),
		schemaLogin: object([]string{"email", "password"}, openapi3.Schemas{
			"email":    strFormat("email"),
			"password": strFormat("password"),
		}),
		schemaTokenPair: object([]string{"access_token", "refresh_token", "token_type", "expires_in"}, openapi3.Schemas{
			"access_token":  str(),
			"refresh_token": str(),
			"token_type":    enum("bearer"),
			"expires_in":    integer(0, 0),
		}),
		schemaRefresh: object([]string{"refresh_token"}, openapi3.Schemas{
			"refresh_token": str(),
		}),
		schemaProfile: object(nil, openapi3.Schemas{
			"email":    strFormat("email"),
			"username": str(),
		}),
		schemaPassword: object([]string{"current_password", "new_password"}, openapi3.Schemas{
			"current_password": strFormat("password"),
			"new_password":     strFormat("password"),
		}),
		schemaRole: object([]string{"role"}, openapi3.Schemas{
			"role": enum("admin", "developer", "readonly"),
		}),
		schemaAuditEntry: object(nil, openapi3.Schemas{
			"id":               strFormat("uuid"),
			"action":           str(),
			"user_id":          strFormat("uuid"),
			"api_key_id":       strFormat("uuid"),
			"endpoint":         str(),
			"method":           str(),
			"ip_address":       str(),
			"user_agent":       str(),
			"status_code":      integer(0, 0),
			"response_time_ms": openapi3.NewFloat64Schema().NewRef(),
			"reason":           str(),
			"metadata":         object(nil, nil),
			"created_at":       strFormat("date-time"),
		}),
		schemaAuditStats: object([]string{"total", "by_action"}, openapi3.Schemas{
			"total": integer(0, 0),
			"by_action": arrayOf(object(nil, openapi3.Schemas{
				"action": str(),
				"count":  integer(0, 0),
			})),
		}),
		schemaKeyList:   listSchema(schemaAPIKey),
		schemaAuditList: listSchema(schemaAuditEntry),
		schemaProtectedOK: object(nil, openapi3.Schemas{
			"message":     str(),
			"method":      str(),
			"key_id":      strFormat("uuid"),
			"key_name":    str(),
			"permissions": arrayOf(enum(permissionEnum...)),
		}),
	}
}
