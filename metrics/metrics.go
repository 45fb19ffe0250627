// Package metrics exports server activity as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gonzalop/ftpd/server"
)

const namespace = "ftpd"

// Collector implements server.MetricsCollector. Register it with a
// prometheus.Registerer before use.
type Collector struct {
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	transfers       *prometheus.CounterVec
	transferBytes   *prometheus.CounterVec
	transferSeconds *prometheus.HistogramVec
	connections     *prometheus.CounterVec
	logins          *prometheus.CounterVec
}

var _ server.MetricsCollector = (*Collector)(nil)

// New returns a Collector with unregistered metrics.
func New() *Collector {
	return &Collector{
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "control",
				Name:      "commands_total",
				Help:      "Number of commands handled, by command and outcome.",
			},
			[]string{"command", "result"}),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "control",
				Name:      "command_duration_seconds",
				Help:      "Time spent handling a command.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"command"}),
		transfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "data",
				Name:      "transfers_total",
				Help:      "Number of completed file transfers.",
			},
			[]string{"operation"}),
		transferBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "data",
				Name:      "transfer_bytes_total",
				Help:      "Bytes moved by completed file transfers.",
			},
			[]string{"operation"}),
		transferSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "data",
				Name:      "transfer_duration_seconds",
				Help:      "Duration of completed file transfers.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"operation"}),
		connections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "control",
				Name:      "connections_total",
				Help:      "Control connections, by whether they were accepted.",
			},
			[]string{"result", "reason"}),
		logins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "control",
				Name:      "logins_total",
				Help:      "Login attempts, by outcome.",
			},
			[]string{"result"}),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.all() {
		m.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.all() {
		m.Collect(ch)
	}
}

func (c *Collector) all() []prometheus.Collector {
	return []prometheus.Collector{
		c.commands,
		c.commandDuration,
		c.transfers,
		c.transferBytes,
		c.transferSeconds,
		c.connections,
		c.logins,
	}
}

func (c *Collector) RecordCommand(cmd string, success bool, duration time.Duration) {
	c.commands.WithLabelValues(cmd, result(success)).Inc()
	c.commandDuration.WithLabelValues(cmd).Observe(duration.Seconds())
}

func (c *Collector) RecordTransfer(operation string, bytes int64, duration time.Duration) {
	c.transfers.WithLabelValues(operation).Inc()
	c.transferBytes.WithLabelValues(operation).Add(float64(bytes))
	c.transferSeconds.WithLabelValues(operation).Observe(duration.Seconds())
}

func (c *Collector) RecordConnection(accepted bool, reason string) {
	c.connections.WithLabelValues(result(accepted), reason).Inc()
}

// RecordAuthentication counts a login attempt. The user name is left out
// of the labels to keep cardinality bounded.
func (c *Collector) RecordAuthentication(success bool, _ string) {
	c.logins.WithLabelValues(result(success)).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
