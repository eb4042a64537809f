package metrics

import "github.com/prometheus/client_golang/prometheus"

// NodeMetrics contains the node-level Prometheus metrics.
type NodeMetrics struct {
	ClientsConnected  prometheus.Gauge
	UniqueClients     prometheus.Gauge
	ChannelsActive    prometheus.Gauge
	NodesKnown        prometheus.Gauge
	ConnectsTotal     *prometheus.CounterVec
	APIRequestsTotal  prometheus.Counter
	MessagesTotal     prometheus.Counter
	BroadcastDuration prometheus.Histogram
}

// NewNodeMetrics creates all node metrics.
func NewNodeMetrics() *NodeMetrics {
	return &NodeMetrics{
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "centrifuge",
			Subsystem: "node",
			Name:      "clients",
			Help:      "Number of client sessions connected to this node",
		}),
		UniqueClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "centrifuge",
			Subsystem: "node",
			Name:      "unique_clients",
			Help:      "Number of unique users connected to this node",
		}),
		ChannelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "centrifuge",
			Subsystem: "node",
			Name:      "channels",
			Help:      "Number of channels with local subscribers",
		}),
		NodesKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "centrifuge",
			Subsystem: "node",
			Name:      "peers",
			Help:      "Number of nodes seen on the control channel recently",
		}),
		ConnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "centrifuge",
			Subsystem: "client",
			Name:      "connects_total",
			Help:      "Total number of client connect commands",
		}, []string{"transport"}),
		APIRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "centrifuge",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of server HTTP API requests",
		}),
		MessagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "centrifuge",
			Subsystem: "node",
			Name:      "messages_total",
			Help:      "Total number of messages published through this node",
		}),
		BroadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "centrifuge",
			Subsystem: "node",
			Name:      "broadcast_duration_seconds",
			Help:      "Time to fan a message out to local subscribers",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Register registers all metrics with the given registerer.
func (m *NodeMetrics) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.ClientsConnected,
		m.UniqueClients,
		m.ChannelsActive,
		m.NodesKnown,
		m.ConnectsTotal,
		m.APIRequestsTotal,
		m.MessagesTotal,
		m.BroadcastDuration,
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
