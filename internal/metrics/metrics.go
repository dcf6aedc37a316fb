package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sync results recorded per tool.
const (
	SyncApplied = "applied"
	SyncHidden  = "hidden"
	SyncStale   = "stale"
	SyncError   = "error"
)

// Collector holds all Prometheus metrics for ixpanel.
type Collector struct {
	Registry *prometheus.Registry

	toolSyncs        *prometheus.CounterVec
	toolSyncDuration *prometheus.HistogramVec
	toolVisible      *prometheus.GaugeVec
	fetchErrors      *prometheus.CounterVec
	jobPolls         *prometheus.CounterVec
	jobTransitions   *prometheus.CounterVec
	selections       prometheus.Counter
	exchanges        prometheus.Gauge
	upstreamHealthy  prometheus.Gauge
	upstreamChecks   *prometheus.HistogramVec
}

// New creates all metrics and registers them with a fresh registry.
func New() *Collector {
	c := &Collector{
		Registry: prometheus.NewRegistry(),
		toolSyncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ixpanel_tool_syncs_total",
				Help: "Tool synchronizations by outcome",
			},
			[]string{"tool", "result"},
		),
		toolSyncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ixpanel_tool_sync_duration_seconds",
				Help:    "Duration of tool synchronizations including the collaborator fetch",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"tool"},
		),
		toolVisible: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ixpanel_tool_visible",
				Help: "Whether a tool is currently visible (1) or hidden (0)",
			},
			[]string{"tool"},
		),
		fetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ixpanel_fetch_errors_total",
				Help: "Collaborator request failures per tool",
			},
			[]string{"tool"},
		),
		jobPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ixpanel_job_polls_total",
				Help: "Route server job status polls per route server",
			},
			[]string{"routeserver"},
		),
		jobTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ixpanel_job_transitions_total",
				Help: "Route server job status transitions by new status",
			},
			[]string{"status"},
		),
		selections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ixpanel_selection_changes_total",
				Help: "Number of exchange selections applied",
			},
		),
		exchanges: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ixpanel_exchanges",
				Help: "Number of exchanges in the loaded table",
			},
		),
		upstreamHealthy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ixpanel_upstream_healthy",
				Help: "Whether the ixctl API is reachable (1) or not (0)",
			},
		),
		upstreamChecks: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ixpanel_upstream_check_duration_seconds",
				Help:    "Duration of upstream reachability checks",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),
	}

	c.Registry.MustRegister(
		c.toolSyncs,
		c.toolSyncDuration,
		c.toolVisible,
		c.fetchErrors,
		c.jobPolls,
		c.jobTransitions,
		c.selections,
		c.exchanges,
		c.upstreamHealthy,
		c.upstreamChecks,
	)

	return c
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{})
}

// ToolSynced records one synchronization of tool with its outcome.
func (c *Collector) ToolSynced(tool, result string, d time.Duration) {
	c.toolSyncs.WithLabelValues(tool, result).Inc()
	if result == SyncApplied || result == SyncStale {
		c.toolSyncDuration.WithLabelValues(tool).Observe(d.Seconds())
	}
}

// SetToolVisible sets the visibility gauge for a tool.
func (c *Collector) SetToolVisible(tool string, visible bool) {
	val := 0.0
	if visible {
		val = 1.0
	}
	c.toolVisible.WithLabelValues(tool).Set(val)
}

// FetchError increments the collaborator failure counter for tool.
func (c *Collector) FetchError(tool string) {
	c.fetchErrors.WithLabelValues(tool).Inc()
}

// JobPolled increments the poll counter for a route server.
func (c *Collector) JobPolled(routeserver string) {
	c.jobPolls.WithLabelValues(routeserver).Inc()
}

// JobTransition records a job moving into status.
func (c *Collector) JobTransition(status string) {
	c.jobTransitions.WithLabelValues(status).Inc()
}

// SelectionChanged increments the selection counter.
func (c *Collector) SelectionChanged() {
	c.selections.Inc()
}

// SetExchanges sets the size of the loaded exchange table.
func (c *Collector) SetExchanges(n int) {
	c.exchanges.Set(float64(n))
}

// RemoveRouteserver drops the per route server series.
func (c *Collector) RemoveRouteserver(routeserver string) {
	c.jobPolls.DeleteLabelValues(routeserver)
}

// UpstreamChecked records one reachability check of the ixctl API.
func (c *Collector) UpstreamChecked(d time.Duration, healthy bool) {
	result := "success"
	if !healthy {
		result = "failure"
	}
	c.upstreamChecks.WithLabelValues(result).Observe(d.Seconds())
}

// SetUpstreamHealthy sets the upstream health gauge.
func (c *Collector) SetUpstreamHealthy(healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.upstreamHealthy.Set(val)
}
