package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// OwnerCounter tracks Acquire calls that won the lease.
	OwnerCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "claim_owner_total",
		Help: "Total number of Acquire calls that became the owner",
	})
	// WaiterCounter tracks Acquire and Subscribe calls that observe another owner.
	WaiterCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "claim_waiter_total",
		Help: "Total number of callers that waited on another owner",
	})
	// ClaimFailureCounter tracks transient failures creating lock artifacts.
	ClaimFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "claim_failure_total",
		Help: "Total number of failed lock artifact creations",
	})
	// WorkCounter tracks finished work executions by outcome.
	WorkCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "claim_work_total",
		Help: "Total number of work executions by outcome",
	}, []string{"outcome"})
	// RenewCounter tracks successful lease renewals.
	RenewCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "claim_lease_renew_total",
		Help: "Total number of successful lease renewals",
	})
	// LeaseLostCounter tracks leases lost to another claimant.
	LeaseLostCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "claim_lease_lost_total",
		Help: "Total number of leases lost while working",
	})
	// WaitTimeoutCounter tracks bounded waits that elapsed.
	WaitTimeoutCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "claim_wait_timeout_total",
		Help: "Total number of waits that timed out",
	})
	// ActiveLeaseGauge reports the number of leases currently owned by this process.
	ActiveLeaseGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "claim_active_leases",
		Help: "Current number of leases owned by this process",
	})
	// SubscriberGauge reports the number of attached progress subscribers.
	SubscriberGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "claim_subscribers",
		Help: "Current number of attached progress subscribers",
	})
	// BusTripCounter tracks release bus circuit breakers opening.
	BusTripCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "claim_bus_circuit_open_total",
		Help: "Total number of times a release bus circuit breaker opened",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the go-claim collectors on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		OwnerCounter,
		WaiterCounter,
		ClaimFailureCounter,
		WorkCounter,
		RenewCounter,
		LeaseLostCounter,
		WaitTimeoutCounter,
		ActiveLeaseGauge,
		SubscriberGauge,
		BusTripCounter,
	)
}
