package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_Sentinels(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(ErrConnectionLost))
	assert.Equal(t, ErrorTransient, Classify(ErrStoreUnavailable))
	assert.Equal(t, ErrorTransient, Classify(ErrCapacityExceeded))
	assert.Equal(t, ErrorInvalid, Classify(ErrDecodeFailed))
	assert.Equal(t, ErrorFatal, Classify(ErrConstraintViolation))
	assert.Equal(t, ErrorFatal, Classify(ErrInvalidConfig))
}

func TestIsTransient_WrappedSentinel(t *testing.T) {
	err := fmt.Errorf("flush: %w", ErrStoreUnavailable)
	assert.True(t, IsTransient(err))
	assert.False(t, IsFatal(err))
}

func TestIsTransient_ContextDeadline(t *testing.T) {
	assert.True(t, IsTransient(context.DeadlineExceeded))
}

func TestIsTransient_DriverPatterns(t *testing.T) {
	assert.True(t, IsTransient(stderrors.New("dial tcp: connection refused")))
	assert.True(t, IsTransient(stderrors.New("i/o timeout")))
	assert.False(t, IsTransient(stderrors.New("syntax error at or near INSERT")))
}

func TestWrapTransient_PreservesChain(t *testing.T) {
	base := stderrors.New("socket closed")
	err := WrapTransient(base, "Writer", "Write", "execute batch")

	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.True(t, stderrors.Is(err, base))
	assert.Contains(t, err.Error(), "Writer.Write: execute batch failed")

	var ce *ClassifiedError
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, "Writer", ce.Component)
	assert.Equal(t, "Write", ce.Operation)
}

func TestWrapFatal_OverridesPatternHeuristics(t *testing.T) {
	// A fatal classification must win even when the message contains a
	// transient-looking word.
	err := WrapFatal(stderrors.New("constraint violated on connection"), "Writer", "Write", "insert rows")
	assert.True(t, IsFatal(err))
	assert.False(t, IsTransient(err))
}

func TestWrap_NilPassthrough(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
	assert.NoError(t, WrapTransient(nil, "c", "m", "a"))
	assert.NoError(t, WrapInvalid(nil, "c", "m", "a"))
	assert.NoError(t, WrapFatal(nil, "c", "m", "a"))
}
