package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger.
// In production (ENVIRONMENT=production) it uses JSON output for log aggregation.
// Otherwise it uses the human-readable text handler.
func Init() {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	slog.SetDefault(slog.New(handler))
}

// WithCorrelation returns a logger carrying the request's correlation fields.
// Use this for everything logged on behalf of one submitted request.
func WithCorrelation(correlationID, userID string) *slog.Logger {
	return slog.With(
		"correlation_id", correlationID,
		"user_id", userID,
	)
}

// WithWorker scopes a logger to a queue consumer.
func WithWorker(logger *slog.Logger, workerID string, attempt int) *slog.Logger {
	return logger.With(
		"worker_id", workerID,
		"delivery_attempt", attempt,
	)
}

// WithConnection returns a logger for a live client connection.
func WithConnection(connID, userID, sessionID string) *slog.Logger {
	return slog.With(
		"conn_id", connID,
		"user_id", userID,
		"session_id", sessionID,
	)
}
