package api

import (
	"github.com/mattjoyce/codegate/internal/history"
	"github.com/mattjoyce/codegate/internal/provider"
	"github.com/mattjoyce/codegate/internal/registry"
)

// ErrorBody is the payload of every error response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// CancelResponse is returned by POST /api/cancel/{requestId}.
type CancelResponse struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
}

// ProvidersResponse is returned by GET /api/providers.
type ProvidersResponse struct {
	Providers []provider.Info `json:"providers"`
}

// ExecutionsResponse is returned by GET /api/executions.
type ExecutionsResponse struct {
	Executions []registry.Info `json:"executions"`
}

// HistoryResponse is returned by GET /api/history.
type HistoryResponse struct {
	Executions []history.Record `json:"executions"`
}
