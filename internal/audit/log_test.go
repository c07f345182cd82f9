package audit

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"taxmanager.org/internal/auth"
)

func TestLogEvent(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	userID := uuid.New()
	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithPrincipal(ctx, auth.Principal{UserID: userID, Role: auth.RoleAccountant})

	require.NoError(t, LogEvent(ctx, "auth.login", zap.String("email", "alice@example.com")))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "audit", fields["type"])
	require.Equal(t, "auth.login", fields["event"])
	require.Equal(t, "req-123", fields["request_id"])
	require.Equal(t, userID.String(), fields["user_id"])
	require.Equal(t, "alice@example.com", fields["email"])
}

func TestLogEventRequiresName(t *testing.T) {
	require.Error(t, LogEvent(context.Background(), "  "))
}
