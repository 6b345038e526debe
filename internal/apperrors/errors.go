package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType categorises a failure for the caller and for the HTTP layer.
type ErrorType string

const (
	TypeValidation   ErrorType = "validation"
	TypeFetch        ErrorType = "fetch"
	TypeInvalidImage ErrorType = "invalid_image"
	TypeEncode       ErrorType = "encode"
	TypeResource     ErrorType = "resource"
	TypeInputFailure ErrorType = "input_failure"
	TypeUpstream     ErrorType = "upstream_failure"
)

const genericMessage = "Something went wrong while processing the image. Please try again."

// AppError is a typed application error. Message is safe to show to an end
// user; Cause carries the diagnostic detail and is only logged.
type AppError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code"`
	Timeout    bool      `json:"-"`
	Cause      error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func NewValidationError(message string, cause error) *AppError {
	return &AppError{Type: TypeValidation, Message: message, StatusCode: http.StatusBadRequest, Cause: cause}
}

// NewFetchError reports a remote image that could not be retrieved.
func NewFetchError(message string, cause error) *AppError {
	return &AppError{Type: TypeFetch, Message: message, StatusCode: http.StatusBadGateway, Cause: cause}
}

// NewFetchTimeoutError is a FetchError raised because the bounded fetch
// deadline expired.
func NewFetchTimeoutError(message string, cause error) *AppError {
	return &AppError{Type: TypeFetch, Message: message, StatusCode: http.StatusGatewayTimeout, Timeout: true, Cause: cause}
}

func NewInvalidImageError(message string, cause error) *AppError {
	return &AppError{Type: TypeInvalidImage, Message: message, StatusCode: http.StatusUnsupportedMediaType, Cause: cause}
}

func NewEncodeError(message string, cause error) *AppError {
	return &AppError{Type: TypeEncode, Message: message, StatusCode: http.StatusInternalServerError, Cause: cause}
}

// NewResourceError reports a temporary-storage failure (artifact creation).
func NewResourceError(message string, cause error) *AppError {
	return &AppError{Type: TypeResource, Message: message, StatusCode: http.StatusInternalServerError, Cause: cause}
}

// NewInputFailure wraps an intake failure so the orchestrator returns a single
// analysis error while the original FetchError or InvalidImageError stays
// reachable through the cause chain.
func NewInputFailure(cause error) *AppError {
	e := &AppError{
		Type:       TypeInputFailure,
		Message:    "The image could not be used",
		StatusCode: http.StatusUnprocessableEntity,
		Cause:      cause,
	}
	var inner *AppError
	if errors.As(cause, &inner) {
		e.Message = inner.Message
		e.StatusCode = inner.StatusCode
		e.Timeout = inner.Timeout
	}
	return e
}

// NewUpstreamFailure wraps an analysis client failure. The upstream message is
// kept in Message so it reaches the user.
func NewUpstreamFailure(cause error) *AppError {
	msg := "Analysis failed"
	if cause != nil {
		msg = fmt.Sprintf("Analysis failed: %v", cause)
	}
	return &AppError{Type: TypeUpstream, Message: msg, StatusCode: http.StatusBadGateway, Cause: cause}
}

// IsType reports whether any AppError in err's chain has type t.
func IsType(err error, t ErrorType) bool {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Type == t {
			return true
		}
		err = appErr.Cause
	}
	return false
}

// GetStatusCode extracts the HTTP status code from the outermost AppError.
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// UserMessage returns the short text shown in the UI error banner. Internal
// failures collapse to a generic message.
func UserMessage(err error) string {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return genericMessage
	}
	if IsType(err, TypeEncode) || IsType(err, TypeResource) {
		return genericMessage
	}
	return appErr.Message
}
