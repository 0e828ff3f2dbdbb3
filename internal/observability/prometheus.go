package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SnapshotSource is anything that can report a Snapshot.
type SnapshotSource interface {
	Snapshot() Snapshot
}

// Collector exports a SnapshotSource as Prometheus metrics on each scrape.
type Collector struct {
	source   SnapshotSource
	uptime   *prometheus.Desc
	healthy  *prometheus.Desc
	sent     *prometheus.Desc
	received *prometheus.Desc
	failed   *prometheus.Desc
}

func NewCollector(namespace string, source SnapshotSource) *Collector {
	return &Collector{
		source:   source,
		uptime:   prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "uptime_seconds"), "Seconds since the messaging runtime started.", nil, nil),
		healthy:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "healthy"), "1 when the transport is healthy.", nil, nil),
		sent:     prometheus.NewDesc(prometheus.BuildFQName(namespace, "messages", "sent_total"), "Messages delivered to the broker.", nil, nil),
		received: prometheus.NewDesc(prometheus.BuildFQName(namespace, "messages", "received_total"), "Messages handled and acknowledged.", nil, nil),
		failed:   prometheus.NewDesc(prometheus.BuildFQName(namespace, "messages", "failed_total"), "Messages routed to the dead-letter store.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.uptime
	ch <- c.healthy
	ch <- c.sent
	ch <- c.received
	ch <- c.failed
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Snapshot()

	healthy := 0.0
	if s.Healthy {
		healthy = 1
	}

	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, s.UptimeSeconds)
	ch <- prometheus.MustNewConstMetric(c.healthy, prometheus.GaugeValue, healthy)
	ch <- prometheus.MustNewConstMetric(c.sent, prometheus.CounterValue, float64(s.MessagesSent))
	ch <- prometheus.MustNewConstMetric(c.received, prometheus.CounterValue, float64(s.MessagesReceived))
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(s.MessagesFailed))
}
