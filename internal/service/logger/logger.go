package logger

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is a no-op until Init runs, so library code can log without
// caring whether the process configured logging.
var Log = zerolog.Nop()

type ctxKey struct{}

func Init(serviceName string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	Log = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

func WithContext(ctx context.Context, log zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

func FromContext(ctx context.Context) zerolog.Logger {
	if log, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return log
	}
	return Log
}

// ForJob returns a logger annotated with the job id, for use across a
// single job's dispatch or execution.
func ForJob(id int64) zerolog.Logger {
	return Log.With().Int64("job", id).Logger()
}
