package client

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	slogctx "github.com/veqryn/slog-context"
)

const instrumentationName = "github.com/openkcm/session-client/pkg/client"

type meters struct {
	requests metric.Int64Counter
	duration metric.Int64Histogram
	refresh  metric.Int64Counter
}

// newMeters creates the instruments on the global meter provider and falls
// back to no-op instruments if any of them cannot be created.
func newMeters(ctx context.Context) meters {
	meter := otel.Meter(instrumentationName, metric.WithInstrumentationVersion(otel.Version()))

	m, err := createMeters(meter)
	if err != nil {
		slogctx.Warn(ctx, "Failed to create client meters, metrics are disabled", "error", err)
		m, _ = createMeters(noop.NewMeterProvider().Meter(instrumentationName))
	}

	return m
}

func createMeters(meter metric.Meter) (meters, error) {
	var (
		m   meters
		err error
	)

	m.requests, err = meter.Int64Counter(
		"client.request_count",
		metric.WithDescription("Outgoing REST request count"),
		metric.WithUnit("request"),
	)
	if err != nil {
		return meters{}, err
	}

	m.duration, err = meter.Int64Histogram(
		"client.request_duration",
		metric.WithDescription("Outgoing REST request duration"),
		metric.WithUnit("milliseconds"),
	)
	if err != nil {
		return meters{}, err
	}

	m.refresh, err = meter.Int64Counter(
		"client.refresh_count",
		metric.WithDescription("Access token refresh attempts"),
		metric.WithUnit("request"),
	)
	if err != nil {
		return meters{}, err
	}

	return m, nil
}

func (m meters) recordRequest(ctx context.Context, method string, status int, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.Int("status", status),
	)
	m.requests.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Milliseconds(), attrs)
}

func (m meters) recordRefresh(ctx context.Context, ok bool) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	m.refresh.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
