// Package httpx writes the JSON error envelope shared by every endpoint.
package httpx

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/qrshop/api/internal/platform/requestctx"
)

// ErrorCode is the machine-readable "error" field of the envelope.
type ErrorCode string

const (
	CodeInvalidRequest          ErrorCode = "invalid_request"
	CodeUnauthenticated         ErrorCode = "unauthenticated"
	CodeTokenExpired            ErrorCode = "token_expired"
	CodeInvalidToken            ErrorCode = "invalid_token"
	CodeInsufficientRole        ErrorCode = "insufficient_role"
	CodeCallerNotAllowed        ErrorCode = "caller_not_allowed"
	CodeVerificationUnavailable ErrorCode = "verification_unavailable"
	CodeRouteNotFound           ErrorCode = "route_not_found"
	CodeCheckoutNotFound        ErrorCode = "checkout_not_found"
	CodeOrderNotFound           ErrorCode = "order_not_found"
	CodeInvoiceNotFound         ErrorCode = "invoice_not_found"
	CodeMethodNotAllowed        ErrorCode = "method_not_allowed"
	CodeConflict                ErrorCode = "conflict"
	CodePaymentNotConfirmed     ErrorCode = "payment_not_confirmed"
	CodeInvalidStatusTransition ErrorCode = "invalid_status_transition"
	CodeInvoiceNotEligible      ErrorCode = "invoice_not_eligible"
	CodeIdempotencyKeyRequired  ErrorCode = "idempotency_key_required"
	CodeInvalidIdempotencyKey   ErrorCode = "invalid_idempotency_key"
	CodeIdempotencyKeyReused    ErrorCode = "idempotency_key_reused"
	CodeIdempotencyInProgress   ErrorCode = "idempotency_in_progress"
	CodeIdempotencyUnavailable  ErrorCode = "idempotency_unavailable"
	CodeRateLimited             ErrorCode = "rate_limited"
	CodeInternal                ErrorCode = "internal_error"
	CodeNotImplemented          ErrorCode = "not_implemented"
	CodeServiceUnavailable      ErrorCode = "service_unavailable"
	CodeTimeout                 ErrorCode = "timeout"
)

var defaultStatus = map[ErrorCode]int{
	CodeInvalidRequest:          http.StatusBadRequest,
	CodeUnauthenticated:         http.StatusUnauthorized,
	CodeTokenExpired:            http.StatusUnauthorized,
	CodeInvalidToken:            http.StatusUnauthorized,
	CodeInsufficientRole:        http.StatusForbidden,
	CodeCallerNotAllowed:        http.StatusForbidden,
	CodeVerificationUnavailable: http.StatusServiceUnavailable,
	CodeRouteNotFound:           http.StatusNotFound,
	CodeCheckoutNotFound:        http.StatusNotFound,
	CodeOrderNotFound:           http.StatusNotFound,
	CodeInvoiceNotFound:         http.StatusNotFound,
	CodeMethodNotAllowed:        http.StatusMethodNotAllowed,
	CodeConflict:                http.StatusConflict,
	CodePaymentNotConfirmed:     http.StatusBadRequest,
	CodeInvalidStatusTransition: http.StatusConflict,
	CodeInvoiceNotEligible:      http.StatusConflict,
	CodeIdempotencyKeyRequired:  http.StatusBadRequest,
	CodeInvalidIdempotencyKey:   http.StatusBadRequest,
	CodeIdempotencyKeyReused:    http.StatusUnprocessableEntity,
	CodeIdempotencyInProgress:   http.StatusConflict,
	CodeIdempotencyUnavailable:  http.StatusServiceUnavailable,
	CodeRateLimited:             http.StatusTooManyRequests,
	CodeInternal:                http.StatusInternalServerError,
	CodeNotImplemented:          http.StatusNotImplemented,
	CodeServiceUnavailable:      http.StatusServiceUnavailable,
	CodeTimeout:                 http.StatusGatewayTimeout,
}

// Status is the HTTP status the code is sent with unless a caller overrides it.
func (c ErrorCode) Status() int {
	if status, ok := defaultStatus[c]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Error represents the canonical JSON error envelope returned by the API.
type Error struct {
	Code      ErrorCode
	Message   string
	Status    int
	RequestID string
	TraceID   string
	Details   map[string]any
}

// Problem builds an Error sent with the code's default status.
func Problem(code ErrorCode, message string) Error {
	return NewError(code, message, code.Status())
}

// NewError builds an Error with an explicit status. A zero status falls back to the code's default.
func NewError(code ErrorCode, message string, status int) Error {
	if status == 0 {
		status = code.Status()
	}
	return Error{
		Code:    ErrorCode(sanitize(string(code), 80)),
		Message: sanitize(message, 512),
		Status:  status,
	}
}

// WithRequestID sets the request identifier on the error payload.
func (e Error) WithRequestID(id string) Error {
	e.RequestID = sanitize(id, 80)
	return e
}

// WithTraceID sets the trace identifier on the error payload.
func (e Error) WithTraceID(id string) Error {
	e.TraceID = sanitize(id, 64)
	return e
}

// WithDetails attaches additional JSON-serialisable fields, merged into the top-level payload.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	e.Details = maps.Clone(details)
	return e
}

// WriteError writes the envelope. Request and trace ids default to the ones carried by ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = err.Code.Status()
	}
	requestID := err.RequestID
	if requestID == "" {
		requestID = sanitize(middleware.GetReqID(ctx), 80)
	}
	traceID := err.TraceID
	if traceID == "" {
		traceID = sanitize(requestctx.TraceID(ctx), 64)
	}

	payload := make(map[string]any, 5+len(err.Details))
	for k, v := range err.Details {
		payload[k] = v
	}
	payload["error"] = err.Code
	payload["message"] = err.Message
	payload["status"] = status
	if requestID != "" {
		payload["request_id"] = requestID
	}
	if traceID != "" {
		payload["trace_id"] = traceID
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func sanitize(value string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	value = strings.TrimSpace(strings.NewReplacer("\n", " ", "\r", " ").Replace(value))
	if runes := []rune(value); len(runes) > limit {
		value = string(runes[:limit])
	}
	return value
}
