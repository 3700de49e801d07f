package udx

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	connectAttempts    prometheus.Counter
	connectEstablished prometheus.Counter
	connectTimeouts    prometheus.Counter
	connectRejections  prometheus.Counter
	packetsSent        prometheus.Counter
	packetsReceived    prometheus.Counter
}

// newMetrics builds the stack counters. With a nil registerer the counters
// still work, they just stay unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		connectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "udx_connect_attempts_total",
			Help: "Total number of started connection attempts",
		}),
		connectEstablished: factory.NewCounter(prometheus.CounterOpts{
			Name: "udx_connect_established_total",
			Help: "Total number of established connections",
		}),
		connectTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "udx_connect_timeouts_total",
			Help: "Total number of connection attempts that reached their deadline",
		}),
		connectRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "udx_connect_rejections_total",
			Help: "Total number of connection attempts rejected by the peer",
		}),
		packetsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "udx_packets_sent_total",
			Help: "Total number of packets sent",
		}),
		packetsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "udx_packets_received_total",
			Help: "Total number of data packets delivered to sockets",
		}),
	}
}
