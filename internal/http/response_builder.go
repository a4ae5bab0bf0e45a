// Package http exposes the ledger as a JSON API.
//
// This file implements a small builder for JSON responses and the mapping
// from domain errors to status codes and error bodies.
package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"cardledger/internal/core"
	appLog "cardledger/internal/log"
)

// Error codes carried in error bodies.
const (
	CodeValidation          = "validation_error"
	CodeNotFound            = "not_found"
	CodeDuplicateAllocation = "duplicate_allocation"
	CodeOverAllocation      = "over_allocation"
	CodeInvalidKind         = "invalid_kind"
	CodeBadRequest          = "bad_request"
	CodeRateLimited         = "rate_limited"
	CodeUnavailable         = "unavailable"
	CodeInternal            = "internal_error"
)

// JSONResponseBuilder provides a fluent API for JSON responses.
type JSONResponseBuilder struct {
	statusCode int
	headers    map[string]string
	body       any
}

// NewJSONResponse creates a builder with a 200 status.
func NewJSONResponse() *JSONResponseBuilder {
	return &JSONResponseBuilder{
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

func (b *JSONResponseBuilder) Status(code int) *JSONResponseBuilder {
	b.statusCode = code
	return b
}

func (b *JSONResponseBuilder) Header(name, value string) *JSONResponseBuilder {
	b.headers[name] = value
	return b
}

// Body sets the value encoded as the response body. A nil body sends no
// content.
func (b *JSONResponseBuilder) Body(v any) *JSONResponseBuilder {
	b.body = v
	return b
}

func (b *JSONResponseBuilder) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}
	if b.body == nil {
		w.WriteHeader(b.statusCode)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(b.statusCode)
	_ = json.NewEncoder(w).Encode(b.body)
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorBody is the envelope of every error response.
type ErrorBody struct {
	Error errorDetail `json:"error"`
}

// ErrorResponse creates an error response with the standard envelope.
func ErrorResponse(statusCode int, code, message string) *JSONResponseBuilder {
	return NewJSONResponse().
		Status(statusCode).
		Body(ErrorBody{Error: errorDetail{Code: code, Message: message}})
}

func BadRequestError(message string) *JSONResponseBuilder {
	return ErrorResponse(http.StatusBadRequest, CodeBadRequest, message)
}

func NotFoundError(message string) *JSONResponseBuilder {
	return ErrorResponse(http.StatusNotFound, CodeNotFound, message)
}

func InternalServerError() *JSONResponseBuilder {
	return ErrorResponse(http.StatusInternalServerError, CodeInternal, "internal error")
}

// classifyError maps a service error to its status and code. Unknown errors
// are internal and their text is not exposed.
func classifyError(err error) (int, string) {
	var bad *badRequestError
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest, CodeBadRequest
	case errors.Is(err, core.ErrValidation):
		return http.StatusUnprocessableEntity, CodeValidation
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, core.ErrDuplicateAllocation):
		return http.StatusConflict, CodeDuplicateAllocation
	case errors.Is(err, core.ErrOverAllocation):
		return http.StatusConflict, CodeOverAllocation
	case errors.Is(err, core.ErrInvalidKind):
		return http.StatusUnprocessableEntity, CodeInvalidKind
	}
	return http.StatusInternalServerError, CodeInternal
}

// writeError sends the error response for err and logs server-side failures.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classifyError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		ctx := r.Context()
		fields := appLog.NewFields().WithHTTPRequest(r.Method, r.URL.Path, r.URL.RawQuery, "")
		appLog.NewStructuredLogger(appLog.FromContext(ctx)).
			LogError(ctx, "Request failed", err, appLog.ComponentHTTP, operationFor(r.Method), fields)
		message = "internal error"
	}
	ErrorResponse(status, code, message).Write(w)
}

func operationFor(method string) string {
	switch method {
	case http.MethodPost:
		return appLog.OpCreate
	case http.MethodPut, http.MethodPatch:
		return appLog.OpUpdate
	case http.MethodDelete:
		return appLog.OpDelete
	}
	return appLog.OpRead
}

// badRequestError marks malformed requests: bad JSON, bad path or query
// parameters.
type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string { return e.msg }

func badRequest(msg string) error {
	return &badRequestError{msg: msg}
}
