// Package telemetry configura el MeterProvider de OpenTelemetry y los contadores del relay.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "github.com/davicafu/ledgerrelay"

// Resultados posibles de una entrega en el consumidor.
const (
	OutcomeAcked     = "acked"
	OutcomeRequeued  = "requeued"
	OutcomeDuplicate = "duplicate"
)

// InitMeterProvider crea el provider global. Sin endpoint devuelve un provider noop.
func InitMeterProvider(ctx context.Context, endpoint, serviceName string) (metric.MeterProvider, func(context.Context) error, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		mp := noop.NewMeterProvider()
		otel.SetMeterProvider(mp)
		return mp, func(context.Context) error { return nil }, nil
	}

	host, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, nil, err
	}
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}

	exp, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create metric exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	return mp, mp.Shutdown, nil
}

func parseEndpoint(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = raw
	}
	return host, parsed.Scheme != "https", nil
}

// Metrics agrupa los contadores del poller y del consumidor.
// Un *Metrics nil es válido y no registra nada.
type Metrics struct {
	published  metric.Int64Counter
	failed     metric.Int64Counter
	deliveries metric.Int64Counter
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)

	published, err := meter.Int64Counter("outbox.messages.published",
		metric.WithDescription("Mensajes de outbox publicados en el broker"))
	if err != nil {
		return nil, fmt.Errorf("outbox published counter: %w", err)
	}
	failed, err := meter.Int64Counter("outbox.messages.failed",
		metric.WithDescription("Intentos de publicación fallidos"))
	if err != nil {
		return nil, fmt.Errorf("outbox failed counter: %w", err)
	}
	deliveries, err := meter.Int64Counter("consumer.deliveries",
		metric.WithDescription("Entregas recibidas por resultado"))
	if err != nil {
		return nil, fmt.Errorf("consumer deliveries counter: %w", err)
	}

	return &Metrics{published: published, failed: failed, deliveries: deliveries}, nil
}

func (m *Metrics) OutboxPublished(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.published.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *Metrics) OutboxFailed(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *Metrics) Delivery(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
