package extensions

import (
	"context"
	"time"

	pumped "github.com/pumped-fn/pumped-ctx"
	"go.uber.org/zap"
)

// LoggingExtension logs all operations
type LoggingExtension struct {
	pumped.BaseExtension
	logger *zap.Logger
}

// NewLoggingExtension creates a new logging extension. A nil logger
// discards everything.
func NewLoggingExtension(logger *zap.Logger) *LoggingExtension {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingExtension{
		BaseExtension: pumped.NewBaseExtension("logging"),
		logger:        logger.Named("pumped"),
	}
}

func (e *LoggingExtension) Wrap(ctx context.Context, next func() (any, error), op *pumped.Operation) (any, error) {
	start := time.Now()
	result, err := next()

	fields := operationFields(op)
	fields = append(fields, zap.Duration("duration", time.Since(start)))
	if err != nil {
		e.logger.Warn("operation failed", append(fields, zap.Error(err))...)
	} else {
		e.logger.Debug("operation completed", fields...)
	}

	return result, err
}

func (e *LoggingExtension) OnError(err error, op *pumped.Operation) {
	e.logger.Error("operation error", append(operationFields(op), zap.Error(err))...)
}

func (e *LoggingExtension) OnNotifyError(err *pumped.NotifyError) bool {
	e.logger.Warn("binding re-application failed",
		zap.Stringer("binding", err.Binding.ID()),
		zap.Stringer("context", err.Binding.Context()),
		zap.String("key", err.Key),
		zap.Error(err.Err),
	)
	return true
}

func operationFields(op *pumped.Operation) []zap.Field {
	fields := []zap.Field{zap.String("op", string(op.Kind))}
	if op.Context != nil {
		fields = append(fields, zap.Stringer("context", op.Context))
	}
	if op.Key != "" {
		fields = append(fields, zap.String("key", op.Key))
	}
	if op.Binding != nil {
		fields = append(fields, zap.Stringer("binding", op.Binding.ID()))
	}
	return fields
}
