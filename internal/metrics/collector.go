// Package m46emetrics provides Prometheus instrumentation for m46ed's
// route tables, translator, peer-sync dispatcher, and PMTU cache.
package m46emetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "m46e"

// Label names.
const (
	labelFamily    = "family"
	labelMode      = "mode"
	labelDirection = "direction"
	labelOpcode    = "opcode"
	labelReason    = "reason"
	labelKey       = "key"
)

// Collector holds every m46ed Prometheus metric.
type Collector struct {
	// RouteTableEntries tracks the current occupancy of each route table.
	RouteTableEntries *prometheus.GaugeVec

	// RouteTableFull counts Add failures due to capacity exhaustion.
	RouteTableFull *prometheus.CounterVec

	// TranslationErrors counts translate.ToV4/ToV6 failures.
	TranslationErrors *prometheus.CounterVec

	// PeerSyncSent counts outbound peer-sync commands actually
	// transmitted (after gateway-dedup and the route_sync gate).
	PeerSyncSent *prometheus.CounterVec

	// PeerSyncRejected counts inbound peer-sync commands rejected
	// (already exists, non-existent, translation failure).
	PeerSyncRejected *prometheus.CounterVec

	// PMTUCacheEntries tracks the current size of the PMTU cache.
	PMTUCacheEntries prometheus.Gauge

	// PMTUTimerExpirations counts per-key PMTU timer firings.
	PMTUTimerExpirations *prometheus.CounterVec
}

// NewCollector creates a Collector with every metric registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.RouteTableEntries,
		c.RouteTableFull,
		c.TranslationErrors,
		c.PeerSyncSent,
		c.PeerSyncRejected,
		c.PMTUCacheEntries,
		c.PMTUTimerExpirations,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		RouteTableEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "route_table_entries",
			Help:      "Current number of entries in a route table.",
		}, []string{labelFamily}),

		RouteTableFull: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_table_full_total",
			Help:      "Total Add attempts rejected because the table was at capacity.",
		}, []string{labelFamily}),

		TranslationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_translation_errors_total",
			Help:      "Total route translation failures, by tunnel mode and direction.",
		}, []string{labelMode, labelDirection}),

		PeerSyncSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_sync_sent_total",
			Help:      "Total outbound peer-sync commands transmitted.",
		}, []string{labelFamily, labelOpcode}),

		PeerSyncRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_sync_rejected_total",
			Help:      "Total inbound peer-sync commands rejected, by reason.",
		}, []string{labelReason}),

		PMTUCacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pmtu_cache_entries",
			Help:      "Current number of entries in the PMTU cache.",
		}),

		PMTUTimerExpirations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pmtu_timer_expirations_total",
			Help:      "Total PMTU entry timer expirations, by key.",
		}, []string{labelKey}),
	}
}

// SetRouteTableEntries records the current size of a family's route table.
func (c *Collector) SetRouteTableEntries(family string, n int) {
	c.RouteTableEntries.WithLabelValues(family).Set(float64(n))
}

// IncRouteTableFull records an Add rejected for capacity exhaustion.
func (c *Collector) IncRouteTableFull(family string) {
	c.RouteTableFull.WithLabelValues(family).Inc()
}

// IncTranslationError records a translation failure.
func (c *Collector) IncTranslationError(mode, direction string) {
	c.TranslationErrors.WithLabelValues(mode, direction).Inc()
}

// IncPeerSyncSent records a transmitted outbound peer-sync command.
func (c *Collector) IncPeerSyncSent(family, opcode string) {
	c.PeerSyncSent.WithLabelValues(family, opcode).Inc()
}

// IncPeerSyncRejected records a rejected inbound peer-sync command.
func (c *Collector) IncPeerSyncRejected(reason string) {
	c.PeerSyncRejected.WithLabelValues(reason).Inc()
}

// SetPMTUCacheEntries records the current PMTU cache size.
func (c *Collector) SetPMTUCacheEntries(n int) {
	c.PMTUCacheEntries.Set(float64(n))
}

// IncPMTUTimerExpiration records a PMTU entry timer firing for key.
func (c *Collector) IncPMTUTimerExpiration(key string) {
	c.PMTUTimerExpirations.WithLabelValues(key).Inc()
}
