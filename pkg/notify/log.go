package notify

import (
	"context"
	"log/slog"
)

// LogNotifier writes events using structured logging.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a new log notifier.
// If logger is nil, a default logger is used.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With(slog.String("component", "notify"))}
}

// Notify writes the event using structured logging.
func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	n.logger.InfoContext(ctx, "session event",
		slog.String("type", event.Type),
		slog.String("session_id", event.SessionID),
		slog.String("fleet", event.Fleet),
		slog.String("worker_id", event.WorkerID),
		slog.String("phase", event.Phase),
		slog.String("reason", event.Reason),
	)
	return nil
}

// Ensure LogNotifier implements Notifier.
var _ Notifier = (*LogNotifier)(nil)
