package buildsys

import (
	"context"

	"github.com/rs/zerolog"
)

type logKey struct{}

var nopLogger = zerolog.Nop()

// log returns the logger attached with WithLogger. Callers that never attached one (mostly
// library users) get a disabled logger instead of a panic.
func log(ctx context.Context) *zerolog.Logger {
	logger, ok := ctx.Value(logKey{}).(*zerolog.Logger)
	if !ok || logger == nil {
		return &nopLogger
	}

	return logger
}

// WithLogger attaches the given logger to the context
func WithLogger(ctx context.Context, logger *zerolog.Logger) context.Context {
	return context.WithValue(ctx, logKey{}, logger)
}

// taskLog returns a logger which tags every event with the task name. The console writer
// uses that field as the line prefix.
func taskLog(ctx context.Context, task *Task) zerolog.Logger {
	return log(ctx).With().Str("task", task.Short).Logger()
}
