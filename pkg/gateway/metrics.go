package gateway

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chat-realtime/pkg/otelhelper"
)

type metrics struct {
	frames         metric.Int64Counter
	authFailed     metric.Int64Counter
	deliveries     metric.Int64Counter
	dropped        metric.Int64Counter
	journalErrors  metric.Int64Counter
	fanoutDuration metric.Float64Histogram
}

func newMetrics(meter metric.Meter, gw *Gateway) (*metrics, error) {
	m := &metrics{}
	m.frames, _ = meter.Int64Counter("gateway_frames_total",
		metric.WithDescription("Inbound frames by type"))
	m.authFailed, _ = meter.Int64Counter("gateway_auth_failures_total",
		metric.WithDescription("Failed handshakes by code"))
	m.deliveries, _ = meter.Int64Counter("gateway_fanout_deliveries_total",
		metric.WithDescription("Frames queued to recipients"))
	m.dropped, _ = meter.Int64Counter("gateway_fanout_dropped_total",
		metric.WithDescription("Deliveries dropped because the recipient was full or closed"))
	m.journalErrors, _ = meter.Int64Counter("gateway_journal_errors_total",
		metric.WithDescription("Asynchronous message journal failures"))
	m.fanoutDuration, _ = otelhelper.NewDurationHistogram(meter, "gateway_fanout_duration_seconds",
		"Time to fan one event out to a room")

	conns, _ := meter.Int64ObservableGauge("gateway_connections", metric.WithDescription("Open connections"))
	users, _ := meter.Int64ObservableGauge("gateway_online_users", metric.WithDescription("Users with at least one connection"))
	rooms, _ := meter.Int64ObservableGauge("gateway_rooms", metric.WithDescription("Rooms with at least one member"))
	_, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(conns, int64(gw.ConnectionCount()))
		o.ObserveInt64(users, int64(gw.registry.UserCount()))
		o.ObserveInt64(rooms, int64(gw.index.RoomCount()))
		return nil
	}, conns, users, rooms)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) frame(ctx context.Context, typ string) {
	m.frames.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
}

func (m *metrics) authFailures(ctx context.Context, code string) {
	m.authFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

func (m *metrics) fanout(ctx context.Context, delivered, dropped int, d time.Duration) {
	m.deliveries.Add(ctx, int64(delivered))
	if dropped > 0 {
		m.dropped.Add(ctx, int64(dropped))
	}
	m.fanoutDuration.Record(ctx, d.Seconds())
}

func (m *metrics) journalFailed(ctx context.Context) {
	m.journalErrors.Add(ctx, 1)
}
