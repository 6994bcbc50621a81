// Package metrics exposes the daemon's runtime counters and gauges as
// Prometheus collectors, registered against the default registry so a single
// promhttp.Handler() in cmd/kftrayd serves them all.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveForwards tracks in-flight proxied connections per configuration
	// alias and protocol (tcp/udp), incremented on accept and decremented
	// when the connection's copy loop returns.
	ActiveForwards = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kftray",
		Name:      "active_forwards",
		Help:      "Connections currently being proxied, by configuration alias and protocol.",
	}, []string{"alias", "protocol"})

	// BytesTransferred counts bytes copied between client and upstream, by
	// configuration alias and direction.
	BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kftray",
		Name:      "bytes_transferred_total",
		Help:      "Bytes copied between client and upstream connections, by configuration alias and direction.",
	}, []string{"alias", "direction"})

	// StreamLeasesActive is the number of broker stream leases currently
	// held across every (context, namespace, pod, port) handle.
	StreamLeasesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kftray",
		Name:      "stream_leases_active",
		Help:      "Broker stream leases currently held.",
	})

	// ConfigurationsRunning mirrors len(Supervisor.Handles()).
	ConfigurationsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kftray",
		Name:      "configurations_running",
		Help:      "Configurations with an active forward, per the supervisor's process table.",
	})
)

// Direction labels for BytesTransferred.
const (
	DirectionClientToUpstream = "client_to_upstream"
	DirectionUpstreamToClient = "upstream_to_client"
)
