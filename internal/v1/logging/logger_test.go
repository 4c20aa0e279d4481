package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeIsIdempotent(t *testing.T) {
	require.NoError(t, Initialize(true))
	require.NoError(t, Initialize(false))
	assert.NotNil(t, GetLogger())
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	assert.NotNil(t, GetLogger())
}

func TestContextFieldLoggingDoesNotPanic(t *testing.T) {
	ctx := context.WithValue(context.Background(), CorrelationIDKey, "cid-1")
	ctx = context.WithValue(ctx, UserIDKey, "user-1")
	ctx = context.WithValue(ctx, RoomIDKey, "general")

	Info(ctx, "with context fields")
	Warn(ctx, "with context fields")
	Error(ctx, "with context fields")

	Info(context.Background(), "without context fields")
	Info(nil, "nil context") //nolint:staticcheck
}
