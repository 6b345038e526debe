package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInputFailureKeepsCause(t *testing.T) {
	fetchErr := NewFetchError("The image URL returned HTTP 404", errors.New("status 404"))
	err := NewInputFailure(fetchErr)

	assert.True(t, IsType(err, TypeInputFailure))
	assert.True(t, IsType(err, TypeFetch))
	assert.False(t, IsType(err, TypeInvalidImage))
	assert.Equal(t, http.StatusBadGateway, GetStatusCode(err))
	assert.Equal(t, "The image URL returned HTTP 404", UserMessage(err))

	var inner *AppError
	assert.True(t, errors.As(err.Unwrap(), &inner))
	assert.Same(t, fetchErr, inner)
}

func TestInputFailureTimeout(t *testing.T) {
	err := NewInputFailure(NewFetchTimeoutError("Fetching the image timed out", nil))
	assert.True(t, err.Timeout)
	assert.Equal(t, http.StatusGatewayTimeout, GetStatusCode(err))
}

func TestUpstreamFailureCarriesMessage(t *testing.T) {
	err := NewUpstreamFailure(errors.New("quota exceeded"))
	assert.Equal(t, "Analysis failed: quota exceeded", UserMessage(err))
	assert.Equal(t, http.StatusBadGateway, GetStatusCode(err))
}

func TestUserMessageHidesInternals(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"encode", NewEncodeError("png encoder failed on frame", errors.New("boom")), genericMessage},
		{"resource", NewResourceError("disk full at /tmp/prodlens", nil), genericMessage},
		{"wrapped resource", fmt.Errorf("materialize: %w", NewResourceError("x", nil)), genericMessage},
		{"plain error", errors.New("stack trace here"), genericMessage},
		{"validation", NewValidationError("Please enter an analysis request", nil), "Please enter an analysis request"},
		{"invalid image", NewInvalidImageError("The file is not a JPEG or PNG image", nil), "The file is not a JPEG or PNG image"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UserMessage(tt.err))
		})
	}
}

func TestGetStatusCodeDefault(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, GetStatusCode(errors.New("x")))
	assert.Equal(t, http.StatusBadRequest, GetStatusCode(fmt.Errorf("wrap: %w", NewValidationError("v", nil))))
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "validation: missing", NewValidationError("missing", nil).Error())
	assert.Equal(t, "fetch: down (caused by: dial)", NewFetchError("down", errors.New("dial")).Error())
}
