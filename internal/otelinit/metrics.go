package otelinit

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// Metrics holds the orchestrator's top-level cross-cutting instruments.
// Per-primitive counters live next to the primitive; these are the ones
// shared across components.
type Metrics struct {
	LeafAttempts    metric.Int64Counter
	CircuitOpenings metric.Int64Counter
}

// InitMetrics wires a meter provider with two simultaneous readers: an OTLP
// push exporter (for a collector) and a Prometheus pull exporter (for
// /metrics). promHandler is an http.Handler to mount directly, replacing the
// teacher's unfinished mux.Handle("/metrics", h) stub.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, promHandler http.Handler, m Metrics) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))

	readers := []sdkmetric.Option{sdkmetric.WithResource(res)}

	promExporter, err := prometheus.New()
	if err != nil {
		slog.Warn("prometheus exporter init failed", "error", err)
	} else {
		readers = append(readers, sdkmetric.WithReader(promExporter))
	}

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	); err != nil {
		slog.Warn("otlp metrics exporter init failed", "error", err)
	} else {
		readers = append(readers, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))))
	}

	mp := sdkmetric.NewMeterProvider(readers...)
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "otlp_endpoint", endpoint)
	return mp.Shutdown, promhttp.Handler(), createCommonInstruments()
}

func createCommonInstruments() Metrics {
	meter := otel.Meter("orchestrator")
	attempts, _ := meter.Int64Counter("orch_leaf_attempts_total")
	openings, _ := meter.Int64Counter("orch_circuit_openings_total")
	return Metrics{LeafAttempts: attempts, CircuitOpenings: openings}
}
