package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HostsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "revpctl_hosts_total",
		Help: "Total number of enabled hosts being observed.",
	})
	HostsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "revpctl_hosts_connected",
		Help: "Number of hosts currently in the Streaming state.",
	})
	ServicesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "revpctl_services_total",
		Help: "Total number of compiled services across all sources.",
	})
	ServicesDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "revpctl_services_degraded",
		Help: "Number of services currently in the Degraded state.",
	})
	ReconcilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "revpctl_reconciles_total",
		Help: "Total number of reconcile attempts by outcome.",
	}, []string{"outcome"})
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "revpctl_reconcile_duration_seconds",
		Help:    "Duration of a single route reconcile operation.",
		Buckets: prometheus.DefBuckets,
	})
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "revpctl_sweep_duration_seconds",
		Help:    "Duration of a full periodic reconcile sweep.",
		Buckets: prometheus.DefBuckets,
	})
	SweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "revpctl_sweeps_total",
		Help: "Total number of periodic reconcile sweeps performed.",
	})
	ReconcileQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "revpctl_reconcile_queue_depth",
		Help: "Number of domains currently queued or in-flight for reconciliation.",
	})
	OrphanRoutesCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "revpctl_orphan_routes_collected_total",
		Help: "Total number of orphaned proxy routes collected.",
	})
	ProxyErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "revpctl_proxy_errors_total",
		Help: "Total number of proxy admin API errors by classification.",
	}, []string{"class"})
)
