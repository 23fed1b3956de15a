// Package docs registers the OpenAPI document served at /swagger when
// SWAGGER_ENABLED is set. Regenerate with `swag init` after changing handler
// annotations.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/events": {
            "post": {
                "description": "Evaluates the user against the group's required channels and restricts, prompts or unrestricts accordingly. Redelivered events (same event_id or Idempotency-Key) are not enforced twice.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Engine"],
                "summary": "Evaluate and enforce an inbound event",
                "operationId": "postEvent",
                "parameters": [
                    {"type": "string", "description": "Dedup key when event_id is absent", "name": "Idempotency-Key", "in": "header"},
                    {"description": "Event", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.EventRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.EventResponse"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "502": {"description": "Platform action failed", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/evaluate": {
            "post": {
                "description": "Returns the verdict for the user in the group. Cache misses are checked on the platform at the requested priority.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Engine"],
                "summary": "Evaluate a user without enforcing",
                "operationId": "evaluate",
                "parameters": [
                    {"description": "Evaluation", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.EvaluateRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.VerdictResponse"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/reverify": {
            "post": {
                "description": "Forgets the user's cached outcomes for the group and re-evaluates at interactive priority, lifting the restriction when every channel is now joined.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Engine"],
                "summary": "Re-verify a user (\"I've joined\")",
                "operationId": "reverify",
                "parameters": [
                    {"description": "Ids or callback payload", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.ReverifyRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.EventResponse"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "502": {"description": "Platform action failed", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/forget": {
            "post": {
                "description": "Drops the cached outcome for one channel, or for every channel the group requires when channel_id is omitted.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Engine"],
                "summary": "Forget cached membership outcomes",
                "operationId": "forget",
                "parameters": [
                    {"description": "What to forget", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.ForgetRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ForgetResponse"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "503": {"description": "Group requirements unavailable", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/groups": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Admin"],
                "summary": "List protected groups",
                "operationId": "listGroups",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListGroupsResponse"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/groups/{id}": {
            "get": {
                "description": "Returns the group, its decoded settings and its required channels in order.",
                "produces": ["application/json"],
                "tags": ["Admin"],
                "summary": "Get a protected group",
                "operationId": "getGroup",
                "parameters": [
                    {"type": "integer", "example": -1001234567890, "description": "Group id", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.GroupResponse"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Group not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "put": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Admin"],
                "summary": "Create or update a protected group",
                "operationId": "upsertGroup",
                "parameters": [
                    {"type": "integer", "example": -1001234567890, "description": "Group id", "name": "id", "in": "path", "required": true},
                    {"description": "Group", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.UpsertGroupRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.GroupResponse"}},
                    "400": {"description": "Bad request or invalid settings", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "delete": {
                "tags": ["Admin"],
                "summary": "Delete a protected group and its channel links",
                "operationId": "deleteGroup",
                "parameters": [
                    {"type": "integer", "example": -1001234567890, "description": "Group id", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "204": {"description": "No Content", "schema": {"type": "string"}},
                    "404": {"description": "Group not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/groups/{id}/enabled": {
            "patch": {
                "consumes": ["application/json"],
                "tags": ["Admin"],
                "summary": "Enable or suspend enforcement",
                "operationId": "setGroupEnabled",
                "parameters": [
                    {"type": "integer", "example": -1001234567890, "description": "Group id", "name": "id", "in": "path", "required": true},
                    {"description": "State", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.SetEnabledRequest"}}
                ],
                "responses": {
                    "204": {"description": "No Content", "schema": {"type": "string"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Group not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/groups/{id}/rescan": {
            "post": {
                "description": "Evaluates and enforces each listed user at batch priority. Per-user failures are reported in the items.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Engine"],
                "summary": "Re-evaluate users of a group",
                "operationId": "rescanGroup",
                "parameters": [
                    {"type": "integer", "example": -1001234567890, "description": "Group id", "name": "id", "in": "path", "required": true},
                    {"description": "Users", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.RescanRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.RescanResponse"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "413": {"description": "Too many users", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/groups/{id}/channels/{channel_id}": {
            "put": {
                "consumes": ["application/json"],
                "tags": ["Admin"],
                "summary": "Require a channel in a group",
                "operationId": "linkChannel",
                "parameters": [
                    {"type": "integer", "example": -1001234567890, "description": "Group id", "name": "id", "in": "path", "required": true},
                    {"type": "integer", "example": -1009876543210, "description": "Channel id", "name": "channel_id", "in": "path", "required": true},
                    {"description": "Position", "name": "body", "in": "body", "schema": {"$ref": "#/definitions/handlers.LinkChannelRequest"}}
                ],
                "responses": {
                    "204": {"description": "No Content", "schema": {"type": "string"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Group or channel not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "delete": {
                "tags": ["Admin"],
                "summary": "Stop requiring a channel in a group",
                "operationId": "unlinkChannel",
                "parameters": [
                    {"type": "integer", "example": -1001234567890, "description": "Group id", "name": "id", "in": "path", "required": true},
                    {"type": "integer", "example": -1009876543210, "description": "Channel id", "name": "channel_id", "in": "path", "required": true}
                ],
                "responses": {
                    "204": {"description": "No Content", "schema": {"type": "string"}},
                    "404": {"description": "Link not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/channels/{id}": {
            "put": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Admin"],
                "summary": "Register or update an enforced channel",
                "operationId": "upsertChannel",
                "parameters": [
                    {"type": "integer", "example": -1009876543210, "description": "Channel id", "name": "id", "in": "path", "required": true},
                    {"description": "Channel", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.UpsertChannelRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.EnforcedChannel"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/audit": {
            "get": {
                "description": "Returns audit events newest first. Supports weak ETag via If-None-Match and may return 304.",
                "produces": ["application/json"],
                "tags": ["Admin"],
                "summary": "Browse the audit trail (paginated)",
                "operationId": "listAudit",
                "parameters": [
                    {"type": "string", "description": "Return 304 if ETag matches", "name": "If-None-Match", "in": "header"},
                    {"type": "integer", "description": "Filter by group", "name": "group_id", "in": "query"},
                    {"type": "integer", "description": "Filter by user", "name": "user_id", "in": "query"},
                    {"type": "string", "example": "restricted", "description": "Filter by event kind", "name": "kind", "in": "query"},
                    {"minimum": 1, "type": "integer", "default": 1, "description": "Page number", "name": "page", "in": "query"},
                    {"maximum": 500, "minimum": 1, "type": "integer", "default": 50, "description": "Items per page", "name": "page_size", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListAuditResponse"}, "headers": {"ETag": {"type": "string", "description": "Weak ETag for current result"}}},
                    "304": {"description": "Not Modified", "schema": {"type": "string"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/health": {
            "get": {
                "description": "503 when the database is unreachable. A failing shared store only degrades the engine.",
                "produces": ["application/json"],
                "tags": ["Ops"],
                "summary": "Liveness and dependency status",
                "operationId": "health",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httpapi.HealthResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/httpapi.HealthResponse"}}
                }
            }
        }
    },
    "definitions": {
        "domain.AuditEvent": {
            "type": "object",
            "properties": {
                "allowed": {"type": "boolean"},
                "created_at": {"type": "string"},
                "detail": {"type": "string"},
                "event_id": {"type": "string"},
                "group_id": {"type": "integer"},
                "id": {"type": "string"},
                "kind": {"type": "string"},
                "missing": {"type": "string"},
                "unknown": {"type": "string"},
                "user_id": {"type": "integer"}
            }
        },
        "domain.EnforcedChannel": {
            "type": "object",
            "properties": {
                "created_at": {"type": "string"},
                "id": {"type": "integer"},
                "invite_link": {"type": "string"},
                "title": {"type": "string"},
                "updated_at": {"type": "string"},
                "username": {"type": "string"}
            }
        },
        "domain.GroupSettings": {
            "type": "object",
            "properties": {
                "fail_closed": {"type": "boolean"},
                "negative_ttl_seconds": {"type": "integer"},
                "positive_ttl_seconds": {"type": "integer"},
                "warning_key": {"type": "string"}
            }
        },
        "domain.ProtectedGroup": {
            "type": "object",
            "properties": {
                "config": {"type": "string"},
                "created_at": {"type": "string"},
                "enabled": {"type": "boolean"},
                "id": {"type": "integer"},
                "title": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {
                "code": {"type": "string", "example": "group_not_found"},
                "message": {"type": "string", "example": "group not found"},
                "request_id": {"type": "string", "example": "123e4567-e89b-12d3-a456-426614174000"}
            }
        },
        "handlers.EvaluateRequest": {
            "type": "object",
            "required": ["group_id", "user_id"],
            "properties": {
                "group_id": {"type": "integer", "example": -1001234567890},
                "priority": {"type": "string", "example": "interactive"},
                "user_id": {"type": "integer", "example": 42}
            }
        },
        "handlers.EventRequest": {
            "type": "object",
            "required": ["group_id", "user_id"],
            "properties": {
                "event_id": {"type": "string", "maxLength": 128, "example": "update-884213"},
                "group_id": {"type": "integer", "example": -1001234567890},
                "trigger": {"type": "string", "example": "message"},
                "user_id": {"type": "integer", "example": 42}
            }
        },
        "handlers.EventResponse": {
            "type": "object",
            "properties": {
                "action": {"type": "string", "example": "restrict"},
                "prompted": {"type": "boolean"},
                "restricted": {"type": "boolean"},
                "verdict": {"$ref": "#/definitions/handlers.VerdictResponse"}
            }
        },
        "handlers.ForgetRequest": {
            "type": "object",
            "required": ["user_id"],
            "properties": {
                "channel_id": {"type": "integer", "example": -1009876543210},
                "group_id": {"type": "integer", "example": -1001234567890},
                "user_id": {"type": "integer", "example": 42}
            }
        },
        "handlers.ForgetResponse": {
            "type": "object",
            "properties": {
                "forgotten": {"type": "integer"}
            }
        },
        "handlers.GroupResponse": {
            "type": "object",
            "properties": {
                "channels": {"type": "array", "items": {"$ref": "#/definitions/domain.EnforcedChannel"}},
                "config": {"type": "string"},
                "created_at": {"type": "string"},
                "enabled": {"type": "boolean"},
                "id": {"type": "integer"},
                "settings": {"$ref": "#/definitions/domain.GroupSettings"},
                "title": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "handlers.LinkChannelRequest": {
            "type": "object",
            "properties": {
                "position": {"type": "integer", "minimum": 0}
            }
        },
        "handlers.ListAuditResponse": {
            "type": "object",
            "properties": {
                "events": {"type": "array", "items": {"$ref": "#/definitions/domain.AuditEvent"}},
                "pagination": {"$ref": "#/definitions/handlers.Pagination"}
            }
        },
        "handlers.ListGroupsResponse": {
            "type": "object",
            "properties": {
                "groups": {"type": "array", "items": {"$ref": "#/definitions/domain.ProtectedGroup"}}
            }
        },
        "handlers.Pagination": {
            "type": "object",
            "properties": {
                "has_next": {"type": "boolean"},
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total": {"type": "integer"},
                "total_pages": {"type": "integer"}
            }
        },
        "handlers.RescanItemResponse": {
            "type": "object",
            "properties": {
                "action": {"type": "string"},
                "allowed": {"type": "boolean"},
                "error": {"type": "string"},
                "evaluated": {"type": "boolean"},
                "user_id": {"type": "integer"}
            }
        },
        "handlers.RescanRequest": {
            "type": "object",
            "required": ["user_ids"],
            "properties": {
                "user_ids": {"type": "array", "minItems": 1, "items": {"type": "integer"}}
            }
        },
        "handlers.RescanResponse": {
            "type": "object",
            "properties": {
                "failed": {"type": "integer"},
                "group_id": {"type": "integer"},
                "items": {"type": "array", "items": {"$ref": "#/definitions/handlers.RescanItemResponse"}}
            }
        },
        "handlers.ReverifyRequest": {
            "type": "object",
            "properties": {
                "callback_data": {"type": "string", "example": "reverify:-1001234567890:42"},
                "group_id": {"type": "integer", "example": -1001234567890},
                "user_id": {"type": "integer", "example": 42}
            }
        },
        "handlers.SetEnabledRequest": {
            "type": "object",
            "required": ["enabled"],
            "properties": {
                "enabled": {"type": "boolean"}
            }
        },
        "handlers.UpsertChannelRequest": {
            "type": "object",
            "properties": {
                "invite_link": {"type": "string", "maxLength": 255, "example": "https://t.me/+AbCdEf"},
                "title": {"type": "string", "maxLength": 255, "example": "Daily Signals"},
                "username": {"type": "string", "maxLength": 64, "example": "@dailysignals"}
            }
        },
        "handlers.UpsertGroupRequest": {
            "type": "object",
            "properties": {
                "enabled": {"type": "boolean"},
                "settings": {"type": "object"},
                "title": {"type": "string", "maxLength": 255, "example": "Crypto Talk"}
            }
        },
        "handlers.VerdictResponse": {
            "type": "object",
            "properties": {
                "allowed": {"type": "boolean"},
                "channels": {"type": "array", "items": {"type": "integer"}},
                "dispatched": {"type": "integer"},
                "error": {"type": "string"},
                "evaluated": {"type": "boolean"},
                "group_id": {"type": "integer", "example": -1001234567890},
                "missing": {"type": "array", "items": {"type": "integer"}},
                "unknown": {"type": "array", "items": {"type": "integer"}},
                "user_id": {"type": "integer", "example": 42}
            }
        },
        "httpapi.HealthResponse": {
            "type": "object",
            "properties": {
                "db": {"type": "string", "example": "ok"},
                "status": {"type": "string", "example": "ok"},
                "store": {"type": "string", "example": "ok"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "changuard API",
	Description:      "Channel-membership verification and enforcement engine.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
