package engine

import (
	"time"

	apperrors "github.com/louisbranch/livetable/internal/platform/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "livetable"

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	broadcasts      prometheus.Counter
	dropped         prometheus.Counter
	publishFailures prometheus.Counter
	channels        prometheus.Gauge
	subscribers     prometheus.Gauge
}

// NewMetrics builds the collectors and registers them on reg when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "Commands handled, by command type and outcome code.",
		}, []string{"type", "outcome"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "command_duration_seconds",
			Help:      "Time spent applying and persisting a command.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "broadcast_messages_total",
			Help:      "Projected events queued to subscribers.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_subscribers_total",
			Help:      "Subscribers dropped for falling behind.",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "publish_failures_total",
			Help:      "Committed events the event bus did not accept.",
		}),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "campaign_channels",
			Help:      "Loaded campaign channels.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "subscribers",
			Help:      "Live subscribers across all campaigns.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.commands,
			m.commandDuration,
			m.broadcasts,
			m.dropped,
			m.publishFailures,
			m.channels,
			m.subscribers,
		)
	}
	return m
}

func (m *Metrics) observeCommand(commandType string, err error) {
	outcome := "applied"
	if err != nil {
		outcome = string(apperrors.CodeOf(err))
	}
	m.commands.WithLabelValues(commandType, outcome).Inc()
}

func (m *Metrics) observeDuration(commandType string, started time.Time) {
	m.commandDuration.WithLabelValues(commandType).Observe(time.Since(started).Seconds())
}
