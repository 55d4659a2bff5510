package notify

import "log/slog"

// Log returns a handler that writes messages to logger.
func Log(logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(target, message string) error {
		logger.Info("notification", "target", target, "message", message)
		return nil
	}
}
