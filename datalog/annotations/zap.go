package annotations

import (
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapHandler forwards events to a structured logger. Failures log at
// error level, retries and data warnings at warn, lifecycle events at
// info and per-epoch chatter at debug.
func ZapHandler(logger *zap.Logger) Handler {
	return func(event Event) {
		level := eventLevel(event.Name)
		ce := logger.Check(level, event.Name)
		if ce == nil {
			return
		}

		fields := make([]zap.Field, 0, len(event.Data)+1)
		fields = append(fields, zap.Duration("latency", event.Latency))
		keys := make([]string, 0, len(event.Data))
		for k := range event.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err, ok := event.Data[k].(error); ok {
				fields = append(fields, zap.NamedError(k, err))
				continue
			}
			fields = append(fields, zap.Any(k, event.Data[k]))
		}
		ce.Write(fields...)
	}
}

func eventLevel(name string) zapcore.Level {
	switch name {
	case WorkerFailed, QueryFailed:
		return zapcore.ErrorLevel
	case ExchangeRetry, CardinalityViolation, ExpressionError:
		return zapcore.WarnLevel
	case QueryRegistered, QueryUnregistered, ArrangementBuilt, ArrangementDropped, SourceLoaded:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
