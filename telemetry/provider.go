package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/evolving-machines-lab/evolve/core"
)

// OTelProvider implements core.Telemetry with OpenTelemetry. It caches
// metric instruments by name so hot-path emission never allocates an
// instrument twice.
//
// The SDK is embedded in a host process, so the provider does not force
// an exporter on the application: by default it attaches to whatever
// global otel providers the host installed. NewDevelopmentProvider sets
// up a stdout trace pipeline for local debugging.
type OTelProvider struct {
	tracer trace.Tracer
	meter  metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge

	traceProvider *sdktrace.TracerProvider // non-nil only for the development pipeline
	shutdownOnce  sync.Once
}

const instrumentationName = "github.com/evolving-machines-lab/evolve"

// NewProvider attaches to the process-global OpenTelemetry providers.
func NewProvider() *OTelProvider {
	return &OTelProvider{
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
	}
}

// NewDevelopmentProvider installs a stdout trace exporter, for running
// swarms locally without an OTLP collector.
func NewDevelopmentProvider() (*OTelProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("creating stdout exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)

	p := NewProvider()
	p.traceProvider = tp
	return p, nil
}

// Shutdown flushes the development trace pipeline, if one was created.
func (p *OTelProvider) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		if p.traceProvider != nil {
			err = p.traceProvider.Shutdown(ctx)
		}
	})
	return err
}

// StartSpan implements core.Telemetry
func (p *OTelProvider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric implements core.Telemetry
func (p *OTelProvider) RecordMetric(name string, value float64, labels map[string]string) {
	kv := make([]string, 0, len(labels)*2)
	for k, v := range labels {
		kv = append(kv, k, v)
	}
	p.recordHistogram(name, value, kv)
}

func (p *OTelProvider) addCounter(name string, value float64, labels []string) {
	p.mu.Lock()
	inst, ok := p.counters[name]
	if !ok {
		var err error
		inst, err = p.meter.Float64Counter(name)
		if err != nil {
			p.mu.Unlock()
			return
		}
		p.counters[name] = inst
	}
	p.mu.Unlock()
	inst.Add(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

func (p *OTelProvider) recordHistogram(name string, value float64, labels []string) {
	p.mu.Lock()
	inst, ok := p.histograms[name]
	if !ok {
		var err error
		inst, err = p.meter.Float64Histogram(name)
		if err != nil {
			p.mu.Unlock()
			return
		}
		p.histograms[name] = inst
	}
	p.mu.Unlock()
	inst.Record(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

func (p *OTelProvider) recordGauge(name string, value float64, labels []string) {
	p.mu.Lock()
	inst, ok := p.gauges[name]
	if !ok {
		var err error
		inst, err = p.meter.Float64Gauge(name)
		if err != nil {
			p.mu.Unlock()
			return
		}
		p.gauges[name] = inst
	}
	p.mu.Unlock()
	inst.Record(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

func toAttributes(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}
