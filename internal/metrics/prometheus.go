// Package metrics exposes the controller's Prometheus instruments.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all controller metrics.
type Registry struct {
	// Reconciliation
	SweepsTotal      *prometheus.CounterVec
	SweepDuration    prometheus.Histogram
	RuleTransitions  *prometheus.CounterVec
	RuleErrors       *prometheus.CounterVec
	RulesDeleted     prometheus.Counter
	RecoveryResets   prometheus.Counter
	DeletionsHandled prometheus.Counter

	// Packet filter
	FirewallOps      *prometheus.CounterVec
	UnblockBoundHits prometheus.Counter
	BlockedIPs       prometheus.Gauge

	// Notification stream
	StreamConnected  prometheus.Gauge
	StreamReconnects prometheus.Counter
	EventsRouted     *prometheus.CounterVec
	EventsQueued     prometheus.Gauge
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry(prometheus.DefaultRegisterer)
	})
	return registry
}

func newRegistry(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	r := &Registry{}

	r.SweepsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "privacyd_sweeps_total",
		Help: "Completed periodic rule sweeps by outcome",
	}, []string{"result"})
	r.SweepDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "privacyd_sweep_duration_seconds",
		Help:    "Wall time of a full rule sweep",
		Buckets: prometheus.DefBuckets,
	})
	r.RuleTransitions = f.NewCounterVec(prometheus.CounterOpts{
		Name: "privacyd_rule_transitions_total",
		Help: "Device state transitions applied by the controller",
	}, []string{"transition"})
	r.RuleErrors = f.NewCounterVec(prometheus.CounterOpts{
		Name: "privacyd_rule_errors_total",
		Help: "Rules skipped or failed during a sweep",
	}, []string{"reason"})
	r.RulesDeleted = f.NewCounter(prometheus.CounterOpts{
		Name: "privacyd_rules_deleted_total",
		Help: "Expired rules deleted from the directory",
	})
	r.RecoveryResets = f.NewCounter(prometheus.CounterOpts{
		Name: "privacyd_recovery_resets_total",
		Help: "Devices reset to unrestricted by the startup recovery sweep",
	})
	r.DeletionsHandled = f.NewCounter(prometheus.CounterOpts{
		Name: "privacyd_rule_deletions_handled_total",
		Help: "Rule deletion notifications that released a device",
	})

	r.FirewallOps = f.NewCounterVec(prometheus.CounterOpts{
		Name: "privacyd_firewall_ops_total",
		Help: "Packet filter gateway operations by result",
	}, []string{"op", "result"})
	r.UnblockBoundHits = f.NewCounter(prometheus.CounterOpts{
		Name: "privacyd_unblock_attempt_bound_hits_total",
		Help: "Unblock loops stopped by the attempt bound with a drop rule still present",
	})
	r.BlockedIPs = f.NewGauge(prometheus.GaugeOpts{
		Name: "privacyd_blocked_ips",
		Help: "Destinations currently dropped by the dedicated chain",
	})

	r.StreamConnected = f.NewGauge(prometheus.GaugeOpts{
		Name: "privacyd_stream_connected",
		Help: "1 while the notification stream is connected",
	})
	r.StreamReconnects = f.NewCounter(prometheus.CounterOpts{
		Name: "privacyd_stream_reconnects_total",
		Help: "Notification stream connection failures followed by a retry",
	})
	r.EventsRouted = f.NewCounterVec(prometheus.CounterOpts{
		Name: "privacyd_events_routed_total",
		Help: "Notification stream messages by classification",
	}, []string{"kind"})
	r.EventsQueued = f.NewGauge(prometheus.GaugeOpts{
		Name: "privacyd_events_queued",
		Help: "Notifications waiting for the deletion handler",
	})

	return r
}

// RecordFirewallOp counts a gateway operation.
func (r *Registry) RecordFirewallOp(op string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	r.FirewallOps.WithLabelValues(op, result).Inc()
}

// RecordTransition counts an applied device transition.
func (r *Registry) RecordTransition(transition string) {
	r.RuleTransitions.WithLabelValues(transition).Inc()
}

// SetStreamConnected flips the stream gauge.
func (r *Registry) SetStreamConnected(connected bool) {
	if connected {
		r.StreamConnected.Set(1)
	} else {
		r.StreamConnected.Set(0)
	}
}
