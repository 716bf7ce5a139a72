/*
Package observability builds the process-wide logger and tracer provider.

PURPOSE:
  cmd/server calls NewLogger and SetupTracing once at startup and passes
  the logger down through constructors. Tracing is global through
  otel.SetTracerProvider; the engine and the Kafka publisher pick it up
  with otel.Tracer and otel.GetTextMapPropagator.

SEE ALSO:
  - tracing.go: OTLP/HTTP exporter setup
*/
package observability

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName identifies this process in logs and traces.
const ServiceName = "codeshop"

// NewLogger returns a JSON logger with ISO8601 timestamps, or a colored
// console logger in development mode.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.Lock(os.Stdout),
		lvl,
	)
	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service.name", ServiceName)),
	), nil
}
