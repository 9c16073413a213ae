package errors_test

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockflow/blockflow/pkg/errors"
)

func TestWrap(t *testing.T) {
	t.Run("wraps error with context", func(t *testing.T) {
		original := stderrors.New("original error")
		wrapped := errors.Wrap(original, "additional context")

		require.Error(t, wrapped)
		assert.Contains(t, wrapped.Error(), "additional context")
		assert.Contains(t, wrapped.Error(), "original error")
		assert.True(t, stderrors.Is(wrapped, original))
	})

	t.Run("returns nil for nil error", func(t *testing.T) {
		assert.Nil(t, errors.Wrap(nil, "context"))
	})
}

func TestWrapf(t *testing.T) {
	t.Run("formats context", func(t *testing.T) {
		original := stderrors.New("connection refused")
		wrapped := errors.Wrapf(original, "connecting to %s:%d", "localhost", 8080)

		require.Error(t, wrapped)
		assert.Contains(t, wrapped.Error(), "connecting to localhost:8080")
		assert.True(t, stderrors.Is(wrapped, original))
	})

	t.Run("returns nil for nil error", func(t *testing.T) {
		assert.Nil(t, errors.Wrapf(nil, "loading %s", "file"))
	})
}

func TestTypedErrors(t *testing.T) {
	t.Run("validation error includes field", func(t *testing.T) {
		err := &errors.ValidationError{Field: "fetch_url", Message: "invalid URL"}
		assert.Contains(t, err.Error(), "fetch_url")
		assert.Contains(t, err.Error(), "invalid URL")
	})

	t.Run("validation error without field", func(t *testing.T) {
		err := &errors.ValidationError{Message: "bad input"}
		assert.Equal(t, "validation failed: bad input", err.Error())
	})

	t.Run("not found error", func(t *testing.T) {
		err := &errors.NotFoundError{Resource: "run", ID: "abc123"}
		assert.Equal(t, "run not found: abc123", err.Error())
	})

	t.Run("policy error names the rule", func(t *testing.T) {
		err := &errors.PolicyError{Rule: "ssrf", Detail: "private address 10.0.0.5"}
		assert.Contains(t, err.Error(), "ssrf")
		assert.Contains(t, err.Error(), "10.0.0.5")
	})

	t.Run("config error unwraps cause", func(t *testing.T) {
		cause := stderrors.New("no such file")
		err := &errors.ConfigError{Key: "db.path", Reason: "cannot open", Cause: cause}
		assert.Contains(t, err.Error(), "db.path")
		assert.True(t, stderrors.Is(err, cause))
	})

	t.Run("timeout error reports duration", func(t *testing.T) {
		err := &errors.TimeoutError{Operation: "code execution", Duration: 10 * time.Millisecond}
		assert.Equal(t, "code execution timed out after 10ms", err.Error())
	})

	t.Run("errors.As finds typed error through wrapping", func(t *testing.T) {
		inner := &errors.PolicyError{Rule: "code-denylist", Detail: "eval"}
		wrapped := errors.Wrap(inner, "running block")

		var policyErr *errors.PolicyError
		require.True(t, errors.As(wrapped, &policyErr))
		assert.Equal(t, "code-denylist", policyErr.Rule)
	})
}
