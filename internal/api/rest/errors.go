package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	domainErrors "github.com/davidleathers/workspace-activity/internal/domain/errors"
)

// ErrorResponse is the error body of every failed request
type ErrorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type errorEnvelope struct {
	Success bool          `json:"success"`
	Error   ErrorResponse `json:"error"`
}

type dataEnvelope struct {
	Data interface{} `json:"data"`
}

// toAppError maps any handler error onto the domain taxonomy
func toAppError(err error) *domainErrors.AppError {
	var appErr *domainErrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		fields := make(map[string]interface{}, len(validationErrs))
		for _, fe := range validationErrs {
			fields[lowerFirst(fe.Field())] = fe.Tag()
		}
		return domainErrors.NewValidationError("INVALID_PARAMETER", "request parameters are invalid").
			WithDetails(fields)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &domainErrors.AppError{
			Type:       domainErrors.ErrorTypeInternal,
			Code:       "REQUEST_TIMEOUT",
			Message:    "request timed out",
			StatusCode: http.StatusRequestTimeout,
		}
	}

	return domainErrors.NewInternalError("an internal error occurred").WithCause(err)
}

// writeError writes the error envelope. Internal causes are never echoed.
func writeError(w http.ResponseWriter, err error) {
	appErr := toAppError(err)

	resp := ErrorResponse{Code: appErr.Code, Message: appErr.Message}
	if appErr.StatusCode < http.StatusInternalServerError {
		resp.Details = appErr.Details
	}

	writeJSON(w, appErr.StatusCode, errorEnvelope{Success: false, Error: resp})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
