package audit

import (
	"context"
	"log/slog"
	"time"
)

// Logger emits a structured audit trail of auth and tenant lifecycle
// actions. Entries go to the application log; the hosted backend keeps
// its own server-side trail.
type Logger struct {
	logger *slog.Logger
}

func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger}
}

func (al *Logger) LogAction(ctx context.Context, userID, action, resource, resourceID, status, details string) {
	al.logger.Info("audit",
		slog.String("action", action),
		slog.String("resource", resource),
		slog.String("resource_id", resourceID),
		slog.String("user_id", userID),
		slog.String("status", status),
		slog.String("details", details),
		slog.Time("timestamp", time.Now()),
	)
}

func (al *Logger) LogSignIn(ctx context.Context, userID, status, details string) {
	al.LogAction(ctx, userID, "sign_in", "session", "", status, details)
}

func (al *Logger) LogSignOut(ctx context.Context, userID, status, details string) {
	al.LogAction(ctx, userID, "sign_out", "session", "", status, details)
}

func (al *Logger) LogSignUp(ctx context.Context, userID, status, details string) {
	al.LogAction(ctx, userID, "sign_up", "user", userID, status, details)
}

func (al *Logger) LogOrganizationCreated(ctx context.Context, userID, orgID, status, details string) {
	al.LogAction(ctx, userID, "create", "organization", orgID, status, details)
}
