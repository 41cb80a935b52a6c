// Package observability records run metrics and pushes them to a Prometheus Pushgateway.
package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"
)

// JobName groups the run's series on the Pushgateway.
const JobName = "web3_staked_sold"

const namespace = "web3_staked_sold"

// Metrics holds the series of one run on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	Descriptors   prometheus.Gauge
	Staked        prometheus.Gauge
	UsedCover     prometheus.Gauge
	TableRows     prometheus.Gauge
	StageDuration *prometheus.GaugeVec
	LastSuccess   prometheus.Gauge
	RunFailures   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Descriptors: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "descriptors",
			Help:      "Tracked contracts processed by the last run",
		}),
		Staked: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "staked_descriptors",
			Help:      "Contracts with a positive staked amount",
		}),
		UsedCover: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "used_cover_descriptors",
			Help:      "Contracts with positive used cover",
		}),
		TableRows: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "table_rows",
			Help:      "Destination table row count after the load",
		}),
		StageDuration: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time spent in each stage of the last run",
		}, []string{"stage"}),
		LastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run",
		}),
		RunFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_failures_total",
			Help:      "Failed runs by stage",
		}, []string{"stage"}),
	}
}

// ObserveStage records how long stage took since start.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	m.StageDuration.WithLabelValues(stage).Set(time.Since(start).Seconds())
}

// Push sends the registry to url. An empty url disables pushing; failures are logged only.
func (m *Metrics) Push(ctx context.Context, logger *zap.Logger, url string) {
	if url == "" {
		return
	}
	if err := push.New(url, JobName).Gatherer(m.Registry).PushContext(ctx); err != nil {
		logger.Warn("Failed to push metrics", zap.String("pushgateway", url), zap.Error(err))
		return
	}
	logger.Debug("Pushed metrics", zap.String("pushgateway", url))
}
