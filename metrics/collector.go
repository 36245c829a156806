// Package metrics exposes the Session Manager's counters as a
// Prometheus collector.
//
// Grounded on 88lin-divinesense's ai/metrics/prometheus.go: metric
// descriptors built once with prometheus.NewDesc, gauges and counters
// only (no histograms, since §4.6's Stats has no latency distribution
// to report), and a prometheus.Collector implementation rather than a
// wired-up HTTP exporter — the exporter/registry endpoint itself is an
// external-collaborator boundary this package stops short of (DESIGN.md).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mcp-nexus/mcp-nexus-go/session"
)

const namespace = "mcpnexus"

// Collector adapts a *session.Manager's Stats onto the
// prometheus.Collector interface: every Collect call re-reads Stats,
// so the collector itself holds no state of its own and can never
// drift from the manager it wraps.
type Collector struct {
	manager *session.Manager

	sessionsCreated   *prometheus.Desc
	sessionsClosed    *prometheus.Desc
	sessionsExpired   *prometheus.Desc
	sessionsFaulted   *prometheus.Desc
	sessionsActive    *prometheus.Desc
	commandsProcessed *prometheus.Desc
	commandsFailed    *prometheus.Desc
	commandsCancelled *prometheus.Desc
	uptimeSeconds     *prometheus.Desc
}

// NewCollector builds a Collector wrapping manager. Call
// prometheus.MustRegister on the result (or register it against a
// dedicated prometheus.Registry) to expose it.
func NewCollector(manager *session.Manager) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(namespace+"_"+name, help, nil, nil)
	}
	return &Collector{
		manager:           manager,
		sessionsCreated:   desc("sessions_created_total", "Total number of sessions created since process start"),
		sessionsClosed:    desc("sessions_closed_total", "Total number of sessions explicitly closed"),
		sessionsExpired:   desc("sessions_expired_total", "Total number of sessions closed by the idle expiry sweep"),
		sessionsFaulted:   desc("sessions_faulted_total", "Total number of sessions that transitioned to Faulted"),
		sessionsActive:    desc("sessions_active", "Number of sessions currently in the Active state"),
		commandsProcessed: desc("commands_processed_total", "Total number of commands that reached a terminal state"),
		commandsFailed:    desc("commands_failed_total", "Total number of commands that terminated Failed or Timeout"),
		commandsCancelled: desc("commands_cancelled_total", "Total number of commands that terminated Cancelled"),
		uptimeSeconds:     desc("uptime_seconds", "Seconds since the process's Session Manager was constructed"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsCreated
	ch <- c.sessionsClosed
	ch <- c.sessionsExpired
	ch <- c.sessionsFaulted
	ch <- c.sessionsActive
	ch <- c.commandsProcessed
	ch <- c.commandsFailed
	ch <- c.commandsCancelled
	ch <- c.uptimeSeconds
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.manager.Stats()
	active := len(c.manager.ListActive())

	ch <- prometheus.MustNewConstMetric(c.sessionsCreated, prometheus.CounterValue, float64(stats.Created))
	ch <- prometheus.MustNewConstMetric(c.sessionsClosed, prometheus.CounterValue, float64(stats.Closed))
	ch <- prometheus.MustNewConstMetric(c.sessionsExpired, prometheus.CounterValue, float64(stats.Expired))
	ch <- prometheus.MustNewConstMetric(c.sessionsFaulted, prometheus.CounterValue, float64(stats.Faulted))
	ch <- prometheus.MustNewConstMetric(c.sessionsActive, prometheus.GaugeValue, float64(active))
	ch <- prometheus.MustNewConstMetric(c.commandsProcessed, prometheus.CounterValue, float64(stats.CommandsProcessed))
	ch <- prometheus.MustNewConstMetric(c.commandsFailed, prometheus.CounterValue, float64(stats.CommandsFailed))
	ch <- prometheus.MustNewConstMetric(c.commandsCancelled, prometheus.CounterValue, float64(stats.CommandsCancelled))
	ch <- prometheus.MustNewConstMetric(c.uptimeSeconds, prometheus.GaugeValue, stats.Uptime.Seconds())
}
