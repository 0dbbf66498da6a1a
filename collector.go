package routerlink

import "github.com/prometheus/client_golang/prometheus"

// Collector exports the bandwidth counters and peer count of a Transports
// instance as Prometheus metrics.
type Collector struct {
	metrics []prometheus.Collector
}

// NewCollector creates a collector reading from t on every scrape.
func NewCollector(t *Transports) *Collector {
	return &Collector{metrics: []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "routerlink_sent_bytes_total",
			Help: "Bytes sent to remote routers.",
		}, func() float64 { return float64(t.TotalSentBytes()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "routerlink_received_bytes_total",
			Help: "Bytes received from remote routers.",
		}, func() float64 { return float64(t.TotalReceivedBytes()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "routerlink_in_bandwidth_bytes",
			Help: "Inbound rate estimate in bytes per second.",
		}, func() float64 { return float64(t.InBandwidth()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "routerlink_out_bandwidth_bytes",
			Help: "Outbound rate estimate in bytes per second.",
		}, func() float64 { return float64(t.OutBandwidth()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "routerlink_peers",
			Help: "Number of peer records.",
		}, func() float64 { return float64(t.PeerCount()) }),
	}}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		m.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.metrics {
		m.Collect(ch)
	}
}
