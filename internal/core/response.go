package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"fitpay/internal/types"
)

// APIResponse is the success envelope for all JSON endpoints.
type APIResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

// APIErrorResponse is the failure envelope. Message is always safe to show
// a caller; internal causes never leave the process.
type APIErrorResponse struct {
	Success bool        `json:"success"`
	Error   ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// JSON writes data in the success envelope.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// Error writes err in the failure envelope. AppErrors map to their HTTP
// status; anything else becomes an opaque 500.
func Error(w http.ResponseWriter, logger *slog.Logger, err error) {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		appErr = types.NewAppError(types.ErrCodeInternalUnexpected, "an unexpected error occurred", err)
	}

	status := appErr.Code.HTTPStatus()
	if status >= 500 {
		logger.Error("request failed", "code", appErr.Code, "error", appErr.Error())
	} else {
		logger.Warn("request rejected", "code", appErr.Code, "message", appErr.Message)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := APIErrorResponse{Error: ErrorDetail{
		Code:    string(appErr.Code),
		Message: appErr.Message,
		Details: appErr.Details,
	}}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error("failed to encode error response", "error", err)
	}
}

const maxRequestBody = 1 << 20 // 1 MiB

// DecodeJSON strictly decodes a request body into dst. Unknown fields,
// trailing garbage and oversized bodies are all rejected.
func DecodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return mapDecodeError(err)
	}
	if dec.More() {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "request body must contain a single JSON object", nil)
	}
	return nil
}

func mapDecodeError(err error) *types.AppError {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var maxBytesErr *http.MaxBytesError

	switch {
	case errors.As(err, &maxBytesErr):
		return types.NewAppError(types.ErrCodeValidationPayloadTooBig,
			fmt.Sprintf("request body exceeds %d bytes", maxBytesErr.Limit), err)
	case errors.As(err, &syntaxErr):
		return types.NewAppError(types.ErrCodeValidationInvalidJSON,
			fmt.Sprintf("malformed JSON at offset %d", syntaxErr.Offset), err)
	case errors.As(err, &typeErr):
		return types.NewAppError(types.ErrCodeValidationInvalidField,
			fmt.Sprintf("invalid value for field %q", typeErr.Field), err)
	case errors.Is(err, io.EOF):
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "request body is empty", err)
	case strings.Contains(err.Error(), "unknown field"):
		return types.NewAppError(types.ErrCodeValidationUnknownField, err.Error(), err)
	default:
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "could not parse request body", err)
	}
}
