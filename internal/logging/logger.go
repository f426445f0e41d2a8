package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a production ready structured logger at the given level.
// An empty or unknown level falls back to info.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err == nil && level != "" {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

// WithOperation enriches the logger with the operation name and the identifier
// of the entity it acts on (swap, blob or HTTP request).
func WithOperation(logger *zap.Logger, operation, id string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	return logger.With(fields...)
}

// WithSwap scopes a logger to one swap request.
func WithSwap(logger *zap.Logger, swapID, sourceID, targetID string) *zap.Logger {
	return logger.With(
		zap.String("swap_id", swapID),
		zap.String("source_id", sourceID),
		zap.String("target_id", targetID),
	)
}
