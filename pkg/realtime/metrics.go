package realtime

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	slogctx "github.com/veqryn/slog-context"
)

const instrumentationName = "github.com/openkcm/session-client/pkg/realtime"

const (
	outcomeConnected    = "connected"
	outcomeFailed       = "failed"
	outcomeAuthRequired = "auth_required"
)

type meters struct {
	connects metric.Int64Counter
	pushes   metric.Int64Counter
}

func newMeters(ctx context.Context) meters {
	meter := otel.Meter(instrumentationName, metric.WithInstrumentationVersion(otel.Version()))

	m, err := createMeters(meter)
	if err != nil {
		slogctx.Warn(ctx, "Failed to create realtime meters, metrics are disabled", "error", err)
		m, _ = createMeters(noop.NewMeterProvider().Meter(instrumentationName))
	}

	return m
}

func createMeters(meter metric.Meter) (meters, error) {
	var (
		m   meters
		err error
	)

	m.connects, err = meter.Int64Counter(
		"realtime.connect_count",
		metric.WithDescription("Realtime connection attempts"),
		metric.WithUnit("attempt"),
	)
	if err != nil {
		return meters{}, err
	}

	m.pushes, err = meter.Int64Counter(
		"realtime.push_count",
		metric.WithDescription("Push events received"),
		metric.WithUnit("event"),
	)
	if err != nil {
		return meters{}, err
	}

	return m, nil
}

func (m meters) recordConnect(ctx context.Context, outcome string) {
	m.connects.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m meters) recordPush(ctx context.Context, event string, delivered int) {
	m.pushes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.Bool("delivered", delivered > 0),
	))
}
