package logging

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

type loggerContextKey struct {
	name string
}

var loggerCtxKey = &loggerContextKey{"logger"}

// NewLogger tags every entry with the service name and version. The level is
// read from LOG_LEVEL and defaults to info.
func NewLogger(ctx context.Context, serviceName, serviceVersion string) (context.Context, zerolog.Logger) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	level, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL")))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stdout).Level(level).With().
		Timestamp().
		Str("service", strings.ToLower(serviceName)).
		Str("version", serviceVersion).
		Logger()

	ctx = NewContextWithLogger(ctx, logger)
	return ctx, logger
}

func NewContextWithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey, logger)
}

func GetLoggerFromContext(ctx context.Context) zerolog.Logger {
	logger, ok := ctx.Value(loggerCtxKey).(zerolog.Logger)
	if !ok {
		return log.Logger
	}

	return logger
}

// AddTraceIDToLoggerAndStoreInContext decorates the logger with the span's
// trace id, when there is one, and stores the result in a new context.
func AddTraceIDToLoggerAndStoreInContext(span trace.Span, logger zerolog.Logger, ctx context.Context) (context.Context, zerolog.Logger) {
	if sc := span.SpanContext(); sc.HasTraceID() {
		logger = logger.With().Str("traceID", sc.TraceID().String()).Logger()
	}

	return NewContextWithLogger(ctx, logger), logger
}

// PrintfAdapter forwards Printf style output, such as gorm's, to zerolog.
type PrintfAdapter struct {
	Logger zerolog.Logger
}

func (a PrintfAdapter) Printf(format string, args ...interface{}) {
	a.Logger.Info().Msg(fmt.Sprintf(format, args...))
}
