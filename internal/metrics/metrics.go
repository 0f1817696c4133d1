package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "quark"

// Allocation results.
const (
	ResultReclaimed  = "reclaimed"
	ResultAllocated  = "allocated"
	ResultExhausted  = "exhausted"
	ResultError      = "error"
	RetryIPConflict  = "ip_conflict"
	RetryMACConflict = "mac_conflict"
	RetrySwitchFull  = "switch_full"
	RetryReclaimLost = "reclaim_lost"
)

var (
	IPAllocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ip_allocations_total",
		Help:      "IP allocation attempts by result.",
	}, []string{"result"})

	MACAllocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mac_allocations_total",
		Help:      "MAC allocation attempts by result.",
	}, []string{"result"})

	AllocationRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "allocation_retries_total",
		Help:      "Optimistic retries caused by concurrent writers.",
	}, []string{"kind"})

	SwitchesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "switches_created_total",
		Help:      "Logical switches created on the controller.",
	})

	SwitchesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "switches_deleted_total",
		Help:      "Logical switches deleted on the controller.",
	})

	RemoteRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "remote_requests_total",
		Help:      "Controller requests by method and status code (0 = transport error).",
	}, []string{"method", "code"})

	RemoteRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "remote_request_duration_seconds",
		Help:      "Controller request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
