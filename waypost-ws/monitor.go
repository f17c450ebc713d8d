package waypostws

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	waypostcli "github.com/waypost-live/waypost-go/waypost-cli"
)

// MetricsSink receives the gauges published after each eviction pass.
// waypostcli.Metrics satisfies it.
type MetricsSink interface {
	Gauge(ctx context.Context, name waypostcli.MetricName, value float64, dimensions ...map[waypostcli.DimensionName]string) error
	Timing(ctx context.Context, name waypostcli.MetricName, start time.Time, dimensions ...map[waypostcli.DimensionName]string) error
}

// Monitor runs periodic eviction passes over a Handler.
type Monitor struct {
	Handler *Handler
	Metrics MetricsSink // optional
	Logger  zerolog.Logger

	nowF func() time.Time
}

func NewMonitor(handler *Handler, metrics MetricsSink, logger zerolog.Logger) *Monitor {
	return NewMonitorWithClock(handler, metrics, logger, time.Now)
}

func NewMonitorWithClock(handler *Handler, metrics MetricsSink, logger zerolog.Logger, nowF func() time.Time) *Monitor {
	return &Monitor{
		Handler: handler,
		Metrics: metrics,
		Logger:  logger,
		nowF:    nowF,
	}
}

// RunOnce performs a single eviction pass. It matches waypostcron.RunCallback.
func (m *Monitor) RunOnce(ctx context.Context) error {
	start := time.Now()
	result := m.Handler.Evict(ctx, m.nowF())
	if result.Changed() {
		m.Logger.Info().
			Int("evicted", len(result.Evicted)).
			Int("expired", result.Expired).
			Msg("eviction pass removed entries")
	}

	if m.Metrics == nil {
		return nil
	}

	if err := m.Metrics.Timing(ctx, waypostcli.SweepTimeMetric, start); err != nil {
		m.Logger.Warn().Err(err).Str("metric", string(waypostcli.SweepTimeMetric)).Msg("failed to publish metric")
	}

	stats := m.Handler.Stats()
	gauges := []struct {
		name  waypostcli.MetricName
		value int
	}{
		{waypostcli.RegistrySizeMetric, stats.Records},
		{waypostcli.TicketCountMetric, stats.Tickets},
		{waypostcli.EvictedMetric, len(result.Evicted)},
		{waypostcli.ExpiredMetric, result.Expired},
	}
	for _, g := range gauges {
		if err := m.Metrics.Gauge(ctx, g.name, float64(g.value)); err != nil {
			m.Logger.Warn().Err(err).Str("metric", string(g.name)).Msg("failed to publish metric")
		}
	}
	return nil
}
