// Package metrics exposes Prometheus collectors for the fleet control plane.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ShayCichocki/fleet/pkg/models"
)

const namespace = "fleet"

// Expiry causes for the lease_expired_total counter.
const (
	CauseTimeout   = "timeout"
	CauseReclaimed = "reclaimed"
)

// Metrics holds the control plane's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	agentCPU       *prometheus.GaugeVec
	agentMemory    *prometheus.GaugeVec
	agentDisk      *prometheus.GaugeVec
	agentActive    *prometheus.GaugeVec
	queueDepth     *prometheus.GaugeVec
	agents         *prometheus.GaugeVec
	leasesIssued   prometheus.Counter
	leaseExpired   *prometheus.CounterVec
	retryExhausted prometheus.Counter
	jobsFinished   *prometheus.CounterVec
	dispatchCycle  prometheus.Histogram
}

// MustNewMetrics constructs and registers the collectors with reg. When a
// collector is already registered the existing one is reused, so several
// control planes can share a registry in tests. Any other registration error
// panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	agentLabels := []string{"tenant", "agent"}
	return &Metrics{
		agentCPU: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_cpu_percent",
			Help:      "CPU utilisation last reported by the agent.",
		}, agentLabels)),
		agentMemory: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_memory_percent",
			Help:      "Memory utilisation last reported by the agent.",
		}, agentLabels)),
		agentDisk: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_disk_percent",
			Help:      "Disk utilisation last reported by the agent.",
		}, agentLabels)),
		agentActive: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_active_jobs",
			Help:      "Jobs the agent reported as running at its last heartbeat.",
		}, agentLabels)),
		queueDepth: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Pending jobs per tenant.",
		}, []string{"tenant"})),
		agents: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents",
			Help:      "Registered agents per tenant and status.",
		}, []string{"tenant", "status"})),
		leasesIssued: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leases_issued_total",
			Help:      "Leases issued by the dispatcher.",
		})),
		leaseExpired: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_expired_total",
			Help:      "Leases that ended without a result, by cause.",
		}, []string{"cause"})),
		retryExhausted: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_exhausted_total",
			Help:      "Jobs failed permanently after reaching max attempts.",
		})),
		jobsFinished: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal status.",
		}, []string{"status"})),
		dispatchCycle: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_cycle_seconds",
			Help:      "Duration of dispatcher matching cycles.",
			Buckets:   prometheus.DefBuckets,
		})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveAgent publishes an agent's latest heartbeat metrics.
func (m *Metrics) ObserveAgent(tenantID, agentID string, s models.Metrics) {
	if m == nil {
		return
	}
	m.agentCPU.WithLabelValues(tenantID, agentID).Set(s.CPUPercent)
	m.agentMemory.WithLabelValues(tenantID, agentID).Set(s.MemoryPercent)
	m.agentDisk.WithLabelValues(tenantID, agentID).Set(s.DiskPercent)
	m.agentActive.WithLabelValues(tenantID, agentID).Set(float64(s.ActiveJobs))
}

// ForgetAgent drops an agent's heartbeat gauges.
func (m *Metrics) ForgetAgent(tenantID, agentID string) {
	if m == nil {
		return
	}
	m.agentCPU.DeleteLabelValues(tenantID, agentID)
	m.agentMemory.DeleteLabelValues(tenantID, agentID)
	m.agentDisk.DeleteLabelValues(tenantID, agentID)
	m.agentActive.DeleteLabelValues(tenantID, agentID)
}

// SetQueueDepth replaces the queue depth gauge with depth.
func (m *Metrics) SetQueueDepth(depth map[string]int) {
	if m == nil {
		return
	}
	m.queueDepth.Reset()
	for tenant, n := range depth {
		m.queueDepth.WithLabelValues(tenant).Set(float64(n))
	}
}

// SetAgentCounts replaces the agents gauge with counts keyed by tenant then status.
func (m *Metrics) SetAgentCounts(counts map[string]map[models.AgentStatus]int) {
	if m == nil {
		return
	}
	m.agents.Reset()
	for tenant, byStatus := range counts {
		for status, n := range byStatus {
			m.agents.WithLabelValues(tenant, string(status)).Set(float64(n))
		}
	}
}

// IncLeasesIssued counts a lease issued by the dispatcher.
func (m *Metrics) IncLeasesIssued() {
	if m == nil {
		return
	}
	m.leasesIssued.Inc()
}

// IncLeaseExpired counts a lease that ended without a result.
func (m *Metrics) IncLeaseExpired(cause string) {
	if m == nil {
		return
	}
	m.leaseExpired.WithLabelValues(cause).Inc()
}

// IncRetryExhausted counts a job that ran out of attempts.
func (m *Metrics) IncRetryExhausted() {
	if m == nil {
		return
	}
	m.retryExhausted.Inc()
}

// IncJobFinished counts a job reaching a terminal status.
func (m *Metrics) IncJobFinished(status models.JobStatus) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(string(status)).Inc()
}

// ObserveDispatchCycle records the duration of one matching cycle.
func (m *Metrics) ObserveDispatchCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchCycle.Observe(d.Seconds())
}
