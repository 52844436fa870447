// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry wires OpenTelemetry tracing and metrics for the
// pipeline processes. Tracing uses the otel SDK's own trace.Tracer
// directly rather than a wrapper interface: every worker stage already
// receives a context.Context, which is all span propagation needs.
// Metrics are exported as Prometheus gauges/counters/histograms through
// the OpenTelemetry Prometheus bridge into the process's default
// Prometheus registry; MetricsHandler serves only that process's metrics.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Provider bundles the tracer and meter providers for one process and
// the HTTP handler exposing collected metrics.
type Provider struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider

	Metrics *Metrics
}

// New builds a Provider for serviceName/serviceVersion (e.g.
// "stream-worker", "0.1.0"). Call Shutdown on process exit to flush
// pending spans.
func New(serviceName, serviceVersion string) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("",
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(mp)

	metrics, err := newMetrics(mp.Meter(serviceName))
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	return &Provider{tp: tp, mp: mp, Metrics: metrics}, nil
}

// Tracer returns an otel tracer scoped to name.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// MetricsHandler serves the Prometheus exposition format.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes pending spans and releases exporter resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.tp.Shutdown(ctx); err != nil {
		return err
	}
	return p.mp.Shutdown(ctx)
}

// Metrics holds the instruments every worker stage records against.
type Metrics struct {
	MessagesReceived metric.Int64Counter
	MessagesFailed   metric.Int64Counter
	HandlerDuration  metric.Float64Histogram
	RetriesScheduled metric.Int64Counter
	RunsSettled      metric.Int64Counter
	InFlight         metric.Int64UpDownCounter
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.MessagesReceived, err = meter.Int64Counter("pipeline.messages.received",
		metric.WithDescription("messages popped off a worker queue")); err != nil {
		return nil, err
	}
	if m.MessagesFailed, err = meter.Int64Counter("pipeline.messages.failed",
		metric.WithDescription("handler invocations that returned an error")); err != nil {
		return nil, err
	}
	if m.HandlerDuration, err = meter.Float64Histogram("pipeline.handler.duration",
		metric.WithDescription("seconds spent inside one handler invocation"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.RetriesScheduled, err = meter.Int64Counter("pipeline.retries.scheduled",
		metric.WithDescription("units delayed for retry after a handler error")); err != nil {
		return nil, err
	}
	if m.RunsSettled, err = meter.Int64Counter("pipeline.runs.settled",
		metric.WithDescription("runs transitioned to PROCESSED")); err != nil {
		return nil, err
	}
	if m.InFlight, err = meter.Int64UpDownCounter("pipeline.messages.in_flight",
		metric.WithDescription("messages currently being handled")); err != nil {
		return nil, err
	}
	return m, nil
}
