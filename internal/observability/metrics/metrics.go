package metrics

import (
	"context"
	"fmt"
	"strconv"
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

// Metrics exposes application-level instruments.
type Metrics struct {
	fulfillments        metric.Int64Counter
	webhookEvents       metric.Int64Counter
	manualVerifications metric.Int64Counter
	creditsConsumed     metric.Int64Counter
	syncPushes          metric.Int64Counter
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

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "campuspay"
	}
	meter := provider.Meter(name)

	fulfillments, err := meter.Int64Counter("campuspay_fulfillments_total")
	if err != nil {
		return nil, err
	}
	webhookEvents, err := meter.Int64Counter("campuspay_webhook_events_total")
	if err != nil {
		return nil, err
	}
	manualVerifications, err := meter.Int64Counter("campuspay_manual_verifications_total")
	if err != nil {
		return nil, err
	}
	creditsConsumed, err := meter.Int64Counter("campuspay_credits_consumed_total")
	if err != nil {
		return nil, err
	}
	syncPushes, err := meter.Int64Counter("campuspay_sync_pushes_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		fulfillments:        fulfillments,
		webhookEvents:       webhookEvents,
		manualVerifications: manualVerifications,
		creditsConsumed:     creditsConsumed,
		syncPushes:          syncPushes,
	}, nil
}

// RecordFulfillment increments fulfillment counts by plan.
func (m *Metrics) RecordFulfillment(ctx context.Context, planID string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("plan_id", strings.TrimSpace(planID)))
	m.fulfillments.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWebhookEvent increments webhook event counts by outcome.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordManualVerification increments manual verification counts.
func (m *Metrics) RecordManualVerification(ctx context.Context, valid bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("valid", strconv.FormatBool(valid)))
	m.manualVerifications.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCreditConsumed increments credit consumption counts.
func (m *Metrics) RecordCreditConsumed(ctx context.Context, unlimited bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("unlimited", strconv.FormatBool(unlimited)))
	m.creditsConsumed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSyncPush increments remote sync push counts by collection and result.
func (m *Metrics) RecordSyncPush(ctx context.Context, collection, result string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("collection", strings.TrimSpace(collection)),
		attribute.String("result", strings.TrimSpace(result)),
	)
	m.syncPushes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"plan_id":    {},
	"outcome":    {},
	"valid":      {},
	"unlimited":  {},
	"collection": {},
	"result":     {},
	"kind":       {},
	"reason":     {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
