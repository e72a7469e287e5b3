package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportError(t *testing.T) {
	cause := fmt.Errorf("connection reset by peer")
	err := TransportError("read failed", cause)

	assert.Equal(t, TypeTransport, err.Type)
	assert.Equal(t, cause, err.Cause)
	assert.False(t, err.Recoverable())
	assert.Equal(t, http.StatusBadGateway, err.HTTPStatus())
	assert.Contains(t, err.Error(), "transport")
	assert.Contains(t, err.Error(), "connection reset by peer")
}

func TestPayloadError(t *testing.T) {
	err := PayloadError("payload unavailable", errors.New("no such file"))

	assert.Equal(t, TypePayload, err.Type)
	assert.Equal(t, http.StatusBadGateway, err.HTTPStatus())
	assert.NotNil(t, err.Context)
}

func TestRecoverable(t *testing.T) {
	assert.True(t, (&Error{Type: TypeWouldBlock}).Recoverable())
	assert.True(t, (&Error{Type: TypeContention}).Recoverable())
	assert.False(t, ConfigError("bad", nil).Recoverable())
	assert.False(t, InternalError("boom", nil).Recoverable())
	assert.False(t, RateLimitedError("slow down").Recoverable())
}

func TestRateLimitedError(t *testing.T) {
	err := RateLimitedError("rate limit exceeded")

	assert.Equal(t, TypeRateLimited, err.Type)
	assert.Equal(t, http.StatusTooManyRequests, err.HTTPStatus())
	assert.Equal(t, "rate_limited: rate limit exceeded", err.Error())
}

func TestConfigError(t *testing.T) {
	cause := errors.New("invalid syntax")
	err := fmt.Errorf("startup: %w", ConfigError("READ_BUFFER_SIZE must be positive", cause))

	assert.Equal(t, TypeConfig, TypeOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, http.StatusInternalServerError, AsStructuredError(err).HTTPStatus())
}

func TestError_UnwrapSupportsIs(t *testing.T) {
	sentinel := errors.New("sentinel")
	err := fmt.Errorf("session: %w", TransportError("health check failed", sentinel))

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, TypeTransport, TypeOf(err))
}

func TestWithContext_Chainable(t *testing.T) {
	err := PayloadError("fetch failed", nil).
		WithContext("source", "file").
		WithContext("path", "./examples/video.mp4")

	assert.Equal(t, "file", err.Context["source"])
	assert.Equal(t, "./examples/video.mp4", err.Context["path"])

	resp := err.ToResponse()
	assert.Equal(t, "fetch failed", resp.Error)
	assert.Equal(t, TypePayload, resp.Type)
}

func TestAsStructuredError(t *testing.T) {
	assert.Nil(t, AsStructuredError(nil))

	plain := errors.New("plain")
	wrapped := AsStructuredError(plain)
	require.NotNil(t, wrapped)
	assert.Equal(t, TypeInternal, wrapped.Type)
	assert.ErrorIs(t, wrapped, plain)

	structured := PayloadError("x", nil)
	assert.Same(t, structured, AsStructuredError(fmt.Errorf("outer: %w", structured)))
	assert.Equal(t, TypeInternal, TypeOf(plain))
}
