// Package busmetrics exports the bus router counters as prometheus metrics.
package busmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"devicebus-go/bus"
)

type info struct {
	description *prometheus.Desc
	typ         prometheus.ValueType
	supplier    func(c *Collector) float64
}

// Collector implements prometheus.Collector over one bus instance.
type Collector struct {
	b     *bus.Bus
	infos []info
}

// NewCollector builds a collector with the given metric prefix.
// constLabels is meant for labels with values that are constant for the
// whole process.
func NewCollector(prefix string, constLabels prometheus.Labels, b *bus.Bus) *Collector {
	c := &Collector{b: b}
	c.addMetrics(prefix, constLabels)
	return c
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	for _, info := range c.infos {
		descs <- info.description
	}
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	for _, info := range c.infos {
		m, err := prometheus.NewConstMetric(info.description, info.typ, info.supplier(c))
		if err != nil {
			continue
		}
		metrics <- m
	}
}

func (c *Collector) addMetrics(prefix string, constLabels prometheus.Labels) {
	counter := func(name, help string, supplier func(c *Collector) float64) {
		c.infos = append(c.infos, info{
			description: prometheus.NewDesc(prefix+name, help, nil, constLabels),
			typ:         prometheus.CounterValue,
			supplier:    supplier,
		})
	}
	gauge := func(name, help string, supplier func(c *Collector) float64) {
		c.infos = append(c.infos, info{
			description: prometheus.NewDesc(prefix+name, help, nil, constLabels),
			typ:         prometheus.GaugeValue,
			supplier:    supplier,
		})
	}

	counter("packets_processed_total", "Frames routed, loopback included.",
		func(c *Collector) float64 { return float64(c.b.Stats().PacketsProcessed.Load()) })
	counter("packets_sent_total", "Frames handed to the transport.",
		func(c *Collector) float64 { return float64(c.b.Stats().PacketsSent.Load()) })
	counter("packets_dropped_total", "Frames dropped by the router.",
		func(c *Collector) float64 { return float64(c.b.Stats().PacketsDropped.Load()) })
	counter("events_accepted_total", "Service events delivered in sequence.",
		func(c *Collector) float64 { return float64(c.b.Stats().EventsAccepted.Load()) })
	counter("events_dropped_total", "Service events rejected by the counter window.",
		func(c *Collector) float64 { return float64(c.b.Stats().EventsDropped.Load()) })
	counter("ack_retries_total", "Command retransmissions while awaiting ACK.",
		func(c *Collector) float64 { return float64(c.b.Stats().AckRetries.Load()) })
	counter("ack_failures_total", "Commands that exhausted the ACK budget.",
		func(c *Collector) float64 { return float64(c.b.Stats().AckFailures.Load()) })
	counter("announces_total", "Control announces broadcast.",
		func(c *Collector) float64 { return float64(c.b.Stats().Announces.Load()) })
	counter("devices_connected_total", "Devices ever admitted to the table.",
		func(c *Collector) float64 { return float64(c.b.Stats().DevicesConnected.Load()) })
	gauge("devices", "Devices currently in the table, self included.",
		func(c *Collector) float64 { return float64(len(c.b.Devices())) })
	gauge("unattached_clients", "Clients waiting for a matching announce.",
		func(c *Collector) float64 { return float64(len(c.b.UnattachedClients())) })
}
