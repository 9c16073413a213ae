// Package tracing configures OpenTelemetry span export for the daemon.
// Spans cover run and block execution; export goes to stdout, which is
// enough for local inspection and for piping into a collector sidecar.
package tracing

import (
	"context"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/blockflow/blockflow/pkg/errors"
)

// Config controls span export.
type Config struct {
	// Enabled turns span export on. Disabled tracing costs nothing: the
	// provider hands out noop tracers.
	Enabled bool `yaml:"enabled"`

	// SampleRatio is the fraction of root spans recorded. Out-of-range
	// values mean "record everything".
	SampleRatio float64 `yaml:"sample_ratio,omitempty"`

	// Pretty enables indented JSON output.
	Pretty bool `yaml:"pretty"`

	// Writer overrides the export destination. Nil means stdout.
	Writer io.Writer `yaml:"-"`
}

// Provider hands out tracers and owns exporter shutdown.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// New builds a provider. With tracing disabled it returns a provider whose
// tracers are noops.
func New(cfg Config, serviceName string) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	var opts []stdouttrace.Option
	if cfg.Writer != nil {
		opts = append(opts, stdouttrace.WithWriter(cfg.Writer))
	}
	if cfg.Pretty {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating trace exporter")
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
		)),
	)
	return &Provider{tp: tp}, nil
}

// Tracer returns a named tracer.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p.tp == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return p.tp.Tracer(name)
}

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
