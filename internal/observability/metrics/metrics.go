package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments for the tracking pipeline.
type Metrics struct {
	entriesTracked     metric.Int64Counter
	factsUpserted      metric.Int64Counter
	metricFetchFailed  metric.Int64Counter
	intensityFallbacks metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	return provider, nil
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "", "grpc":
		return otlpmetricgrpc.New(context.Background(),
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "http", "http/protobuf":
		return otlpmetrichttp.New(context.Background(),
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported otlp protocol %q", protocol)
	}
}

// New builds the application instruments on the registered provider.
func New(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter("carbonledger")

	entriesTracked, err := meter.Int64Counter("carbonledger.tracking.entries",
		metric.WithDescription("Tracking entries finished, by outcome"))
	if err != nil {
		return nil, err
	}
	factsUpserted, err := meter.Int64Counter("carbonledger.facts.upserted",
		metric.WithDescription("Usage fact rows upserted, by scope"))
	if err != nil {
		return nil, err
	}
	metricFetchFailed, err := meter.Int64Counter("carbonledger.metric_fetch.failures",
		metric.WithDescription("CPU metric fetches that returned the failed sentinel"))
	if err != nil {
		return nil, err
	}
	intensityFallbacks, err := meter.Int64Counter("carbonledger.intensity.fallbacks",
		metric.WithDescription("Carbon intensity lookups served by the fallback constant"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		entriesTracked:     entriesTracked,
		factsUpserted:      factsUpserted,
		metricFetchFailed:  metricFetchFailed,
		intensityFallbacks: intensityFallbacks,
	}, nil
}

func (m *Metrics) IncEntryTracked(ctx context.Context, outcome string) {
	if m == nil || m.entriesTracked == nil {
		return
	}
	m.entriesTracked.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) IncFactUpserted(ctx context.Context, scope string) {
	if m == nil || m.factsUpserted == nil {
		return
	}
	m.factsUpserted.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scope)))
}

func (m *Metrics) IncMetricFetchFailed(ctx context.Context) {
	if m == nil || m.metricFetchFailed == nil {
		return
	}
	m.metricFetchFailed.Add(ctx, 1)
}

func (m *Metrics) IncIntensityFallback(ctx context.Context) {
	if m == nil || m.intensityFallbacks == nil {
		return
	}
	m.intensityFallbacks.Add(ctx, 1)
}
