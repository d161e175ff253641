// Package handler holds the JSON response envelope and the mapping from
// domain errors to HTTP statuses shared by the billing handlers.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/dukerupert/tally/internal/domain"
	"github.com/dukerupert/tally/internal/middleware"
)

// Envelope is the body of every action and read response.
type Envelope struct {
	Success bool       `json:"success"`
	Message string     `json:"message"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// ErrorBody describes a failed request.
type ErrorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Success writes a successful envelope.
func Success(w http.ResponseWriter, status int, message string, data any) {
	JSON(w, status, Envelope{Success: true, Message: message, Data: data})
}

// ErrorResponse logs err and writes the error envelope with the status for
// its code. Validation errors include their field map; internal errors get
// a generic message.
func ErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	if domain.GetValidationFields(err) != nil {
		ValidationErrorResponse(w, r, err)
		return
	}
	codeResponse(w, r, err)
}

func codeResponse(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.ErrorCode(err)
	message := domain.ErrorMessage(err)
	status := ErrorCodeToHTTPStatus(code)

	logError(r, err, code, status)

	JSON(w, status, Envelope{
		Message: message,
		Error:   &ErrorBody{Code: code, Message: message},
	})
}

// ValidationErrorResponse writes a 400 with field-level messages. Any other
// error falls back to ErrorResponse.
func ValidationErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	fields := domain.GetValidationFields(err)
	if fields == nil {
		codeResponse(w, r, err)
		return
	}

	logError(r, err, domain.EINVALID, http.StatusBadRequest)

	message := "Please correct the highlighted fields"
	JSON(w, http.StatusBadRequest, Envelope{
		Message: message,
		Error:   &ErrorBody{Code: domain.EINVALID, Message: message, Fields: fields},
	})
}

func logError(r *http.Request, err error, code string, status int) {
	logger := middleware.GetLogger(r.Context())
	attrs := []any{
		"error", err.Error(),
		"code", code,
		"op", domain.ErrorOp(err),
		"status", status,
	}
	if status >= 500 {
		logger.ErrorContext(r.Context(), "request failed", attrs...)
		return
	}
	logger.InfoContext(r.Context(), "request rejected", attrs...)
}

// ErrorCodeToHTTPStatus maps domain error codes to HTTP status codes.
func ErrorCodeToHTTPStatus(code string) int {
	switch code {
	case domain.EINVALID:
		return http.StatusBadRequest // 400
	case domain.EUNAUTHORIZED:
		return http.StatusUnauthorized // 401
	case domain.EPAYMENT:
		return http.StatusPaymentRequired // 402
	case domain.EFORBIDDEN:
		return http.StatusForbidden // 403
	case domain.ENOTFOUND:
		return http.StatusNotFound // 404
	case domain.ECONFLICT:
		return http.StatusConflict // 409
	case domain.EGONE:
		return http.StatusGone // 410
	case domain.ERATELIMIT:
		return http.StatusTooManyRequests // 429
	case domain.ENOTIMPL:
		return http.StatusNotImplemented // 501
	case domain.EGATEWAY:
		return http.StatusBadGateway // 502
	default:
		return http.StatusInternalServerError // 500
	}
}
