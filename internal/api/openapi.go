package api

import (
	"encoding/json"

	"github.com/mattjoyce/codegate/internal/provider"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the API. The execute
// request schema is the embedded validation schema with the provider field
// narrowed to the configured providers.
func buildOpenAPIDoc(providers []provider.Info) map[string]any {
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.Name)
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "codegate",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/health": map[string]any{
				"get": operation("health", "Gateway load and providers", false, nil, "200"),
			},
			"/api/execute": map[string]any{
				"post": operation("execute", "Run a prompt through a provider", true,
					executeRequestBody(names), "200", "400", "499", "502", "503", "504"),
			},
			"/api/cancel/{requestId}": map[string]any{
				"post": withPathParam(operation("cancel", "Cancel a running execution", true, nil, "200", "404"), "requestId"),
			},
			"/api/providers": map[string]any{
				"get": operation("providers", "List providers and their availability", true, nil, "200"),
			},
			"/api/executions": map[string]any{
				"get": operation("executions", "List in-flight executions", true, nil, "200"),
			},
			"/api/events": map[string]any{
				"get": operation("events", "Stream lifecycle events (text/event-stream)", true, nil, "200"),
			},
			"/api/history": map[string]any{
				"get": operation("history", "Recently finished executions", true, nil, "200", "404"),
			},
		},
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func operation(id, summary string, secured bool, body map[string]any, statuses ...string) map[string]any {
	responses := map[string]any{}
	for _, s := range statuses {
		responses[s] = map[string]any{"description": statusDescriptions[s]}
	}
	op := map[string]any{
		"operationId": id,
		"summary":     summary,
		"responses":   responses,
	}
	if secured {
		responses["401"] = map[string]any{"description": statusDescriptions["401"]}
		responses["403"] = map[string]any{"description": statusDescriptions["403"]}
		op["security"] = []any{map[string]any{"BearerAuth": []string{}}}
	}
	if body != nil {
		op["requestBody"] = body
	}
	return op
}

func withPathParam(op map[string]any, name string) map[string]any {
	op["parameters"] = []any{map[string]any{
		"name":     name,
		"in":       "path",
		"required": true,
		"schema":   map[string]any{"type": "string"},
	}}
	return op
}

func executeRequestBody(providerNames []string) map[string]any {
	var schema map[string]any
	if err := json.Unmarshal(executeSchemaJSON, &schema); err != nil {
		schema = map[string]any{"type": "object"}
	}
	delete(schema, "$schema")
	delete(schema, "$id")
	if props, ok := schema["properties"].(map[string]any); ok && len(providerNames) > 0 {
		if p, ok := props["provider"].(map[string]any); ok {
			p["enum"] = providerNames
		}
	}
	return map[string]any{
		"required": true,
		"content": map[string]any{
			"application/json":    map[string]any{"schema": schema},
			"multipart/form-data": map[string]any{"schema": schema},
		},
	}
}

var statusDescriptions = map[string]string{
	"200": "OK",
	"400": "Validation error or unknown provider",
	"401": "Missing or invalid bearer token",
	"403": "Insufficient scope",
	"404": "Not found",
	"499": "Execution cancelled",
	"502": "Provider failed",
	"503": "No capacity",
	"504": "Execution timed out",
}
