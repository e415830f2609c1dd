// Package telemetry provides simple, production-ready metrics emission.
// Level 1 covers nearly all SDK call sites with package-level functions;
// the OTelProvider in provider.go wires them to OpenTelemetry. When no
// provider is installed every call is a no-op, so library code can emit
// unconditionally.
package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/evolving-machines-lab/evolve/core"
)

var globalProvider atomic.Pointer[OTelProvider]

// SetProvider installs the global telemetry provider. Passing nil
// disables emission.
func SetProvider(p *OTelProvider) {
	globalProvider.Store(p)
}

// Provider returns the installed provider, or nil.
func Provider() *OTelProvider {
	return globalProvider.Load()
}

// Counter increments a counter metric by 1.
// Labels are provided as key-value pairs.
// Example: Counter("swarm.executions", "operation", "map")
func Counter(name string, labels ...string) {
	if p := globalProvider.Load(); p != nil {
		p.addCounter(name, 1, labels)
	}
}

// Histogram records a value in a distribution.
// Example: Histogram("executor.latency.ms", 125.3, "role", "worker")
func Histogram(name string, value float64, labels ...string) {
	if p := globalProvider.Load(); p != nil {
		p.recordHistogram(name, value, labels)
	}
}

// Gauge sets a gauge value (current value metrics).
// Example: Gauge("swarm.permits.in_flight", 4, "swarm", "demo")
func Gauge(name string, value float64, labels ...string) {
	if p := globalProvider.Load(); p != nil {
		p.recordGauge(name, value, labels)
	}
}

// Duration records elapsed time since startTime in milliseconds.
func Duration(name string, startTime time.Time, labels ...string) {
	Histogram(name, float64(time.Since(startTime).Milliseconds()), labels...)
}

// RecordError counts an error occurrence by type.
func RecordError(name string, errorType string, labels ...string) {
	Counter(name, append(labels, "error", errorType)...)
}

// TimeOperation returns a func that records the operation duration when
// called, for use with defer:
//
//	defer telemetry.TimeOperation("checkpoint.create.ms")()
func TimeOperation(name string, labels ...string) func() {
	start := time.Now()
	return func() {
		Duration(name, start, labels...)
	}
}

// StartSpan starts a span on the installed provider. With no provider it
// returns the context unchanged and a no-op span.
func StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	if p := globalProvider.Load(); p != nil {
		return p.StartSpan(ctx, name)
	}
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End()                                  {}
func (noopSpan) SetAttribute(key string, value interface{}) {}
func (noopSpan) RecordError(err error)                 {}
