// Package observability holds the runtime's logging, metrics and tracing
// plumbing: one zap logger, one Prometheus collector with its own registry,
// and an OTLP tracer provider, each initialized once at startup.
package observability

import (
	"go.uber.org/zap"
)

// NewLogger builds the process logger for the given environment.
func NewLogger(environment string) (*zap.Logger, error) {
	if environment == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
