package otelinit

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds common resilience instruments shared across components.
type Metrics struct {
	RetryAttempts          metric.Int64Counter
	CircuitOpenTransitions metric.Int64Counter
}

// InitMetrics sets up the global MeterProvider with two readers: a
// Prometheus pull exporter (scraped via the returned promHandler, for
// local/dev visibility) and, when an OTLP endpoint is configured, a push
// exporter for the tenant's observability backend. Both share one
// MeterProvider so every instrument created afterward is exported twice.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, promHandler http.Handler, m Metrics) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))

	registry := promclient.NewRegistry()
	promExp, err := prometheus.New(prometheus.WithRegisterer(registry))
	readers := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if err != nil {
		slog.Warn("prometheus exporter init failed", "error", err)
	} else {
		readers = append(readers, sdkmetric.WithReader(promExp))
	}

	var shutdownFns []func(context.Context) error

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint != "" {
		ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
		exp, err := otlpmetricgrpc.New(ctxInit,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
		)
		cancel()
		if err != nil {
			slog.Warn("otlp metrics exporter init failed", "error", err)
		} else {
			reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
			readers = append(readers, sdkmetric.WithReader(reader))
			shutdownFns = append(shutdownFns, reader.Shutdown)
		}
	}

	mp := sdkmetric.NewMeterProvider(readers...)
	otel.SetMeterProvider(mp)

	slog.Info("metrics initialized", "otlp_endpoint", endpoint, "prometheus", err == nil)

	shutdown = func(ctx context.Context) error {
		for _, fn := range shutdownFns {
			_ = fn(ctx)
		}
		return mp.Shutdown(ctx)
	}

	var handler http.Handler
	if err == nil {
		handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	return shutdown, handler, createCommonInstruments()
}

func createCommonInstruments() Metrics {
	meter := otel.Meter("swarm-go")
	retry, _ := meter.Int64Counter("swarm_resilience_retry_attempts_total")
	circuit, _ := meter.Int64Counter("swarm_resilience_circuit_open_total")
	return Metrics{RetryAttempts: retry, CircuitOpenTransitions: circuit}
}
