// Package telemetry sets up tracing for the sync engine.
//
// Tracing is off unless explicitly enabled. When enabled, finished spans are
// written to the local structured log; nothing is transmitted off the machine.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kimhsiao/opsync/internal/logging"
)

// Options configures Setup.
type Options struct {
	Enabled bool
	Service string
	// Logger receives exported spans. Defaults to the global logger.
	Logger *logging.Logger
}

// Provider owns the tracer provider built by Setup.
type Provider struct {
	tp       trace.TracerProvider
	sdk      *sdktrace.TracerProvider
	shutdown sync.Once
}

// Setup builds a tracer provider and installs it globally.
func Setup(opts Options) *Provider {
	if !opts.Enabled {
		p := &Provider{tp: noop.NewTracerProvider()}
		otel.SetTracerProvider(p.tp)
		return p
	}
	if opts.Service == "" {
		opts.Service = "opsync"
	}
	log := opts.Logger
	if log == nil {
		log = logging.Get()
	}

	sdk := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(NewLogExporter(log.WithComponent("trace"))),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", opts.Service))),
	)
	otel.SetTracerProvider(sdk)
	return &Provider{tp: sdk, sdk: sdk}
}

// TracerProvider returns the installed provider.
func (p *Provider) TracerProvider() trace.TracerProvider { return p.tp }

// IsEnabled reports whether spans are recorded.
func (p *Provider) IsEnabled() bool { return p.sdk != nil }

// Shutdown flushes pending spans. It is safe to call more than once.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	var err error
	p.shutdown.Do(func() { err = p.sdk.Shutdown(ctx) })
	return err
}

// LogExporter writes finished spans as log entries.
type LogExporter struct {
	log *logging.Logger
}

var _ sdktrace.SpanExporter = (*LogExporter)(nil)

// NewLogExporter creates a LogExporter.
func NewLogExporter(log *logging.Logger) *LogExporter {
	return &LogExporter{log: log}
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *LogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		fields := map[string]interface{}{
			"span":        s.Name(),
			"trace_id":    s.SpanContext().TraceID().String(),
			"span_id":     s.SpanContext().SpanID().String(),
			"duration_ms": s.EndTime().Sub(s.StartTime()).Milliseconds(),
			"status":      s.Status().Code.String(),
		}
		if s.Parent().IsValid() {
			fields["parent_id"] = s.Parent().SpanID().String()
		}
		for _, kv := range s.Attributes() {
			fields[string(kv.Key)] = kv.Value.AsInterface()
		}
		if d := s.Status().Description; d != "" {
			fields["status_message"] = d
		}
		e.log.Debug("span", fields)
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (e *LogExporter) Shutdown(ctx context.Context) error { return nil }
