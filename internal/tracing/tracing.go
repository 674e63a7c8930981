// Package tracing exports agent turns as OpenTelemetry spans.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"agentrelay/internal/config"
)

// Provider owns the process tracer provider and its output.
type Provider struct {
	sdk *sdktrace.TracerProvider
	out io.Closer
}

// New builds the provider described by cfg. A disabled config yields a
// provider whose tracers record nothing.
func New(cfg config.TracingConfig, version string) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	var w io.Writer = os.Stderr
	var out io.Closer
	if cfg.Output != "" {
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening trace output: %w", err)
		}
		w, out = f, f
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		if out != nil {
			_ = out.Close()
		}
		return nil, fmt.Errorf("creating span exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "agentrelay"
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", name),
		attribute.String("service.version", version),
	)
	return &Provider{
		sdk: sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		),
		out: out,
	}, nil
}

func (p *Provider) Enabled() bool {
	return p.sdk != nil
}

func (p *Provider) TracerProvider() trace.TracerProvider {
	if p.sdk == nil {
		return noop.NewTracerProvider()
	}
	return p.sdk
}

// Shutdown flushes pending spans and closes the output file.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	err := p.sdk.Shutdown(ctx)
	if p.out != nil {
		if cerr := p.out.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
