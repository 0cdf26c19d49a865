// Package metrics exposes Prometheus counters for governance activity.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/jholhewres/groupguard/pkg/groupguard/governance"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the groupguard collectors on a dedicated registry so the
// /metrics output contains only this process.
type Metrics struct {
	registry *prometheus.Registry

	MembershipEvents      *prometheus.CounterVec
	CompensatingOps       *prometheus.CounterVec
	MetadataFetchFailures prometheus.Counter
}

var _ governance.ReportObserver = (*Metrics)(nil)

// New creates the collectors on a dedicated registry. groups, when set,
// backs the groupguard_registry_groups gauge.
func New(groups func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		MembershipEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "groupguard_membership_events_total",
			Help: "Membership events and purges handled, by action and verdict",
		}, []string{"action", "verdict"}),
		CompensatingOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "groupguard_compensating_ops_total",
			Help: "Participant add/remove calls issued by the bot, by op and outcome",
		}, []string{"op", "outcome"}),
		MetadataFetchFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "groupguard_metadata_fetch_failures_total",
			Help: "Events abandoned because group metadata could not be fetched",
		}),
	}
	if groups != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "groupguard_registry_groups",
			Help: "Groups with a known owner",
		}, func() float64 { return float64(groups()) })
	}
	return m
}

// OnReport records a finished report.
func (m *Metrics) OnReport(_ context.Context, r *governance.Report) {
	action := string(r.Action)
	if r.Kind == governance.KindPurge {
		action = string(governance.KindPurge)
	}
	if action == "" {
		action = "unknown"
	}
	m.MembershipEvents.WithLabelValues(action, string(r.Verdict)).Inc()

	for _, op := range r.Ops {
		m.CompensatingOps.WithLabelValues(string(op.Op), string(op.Outcome)).Inc()
	}
	if errors.Is(r.Err, governance.ErrMetadataFetch) {
		m.MetadataFetchFailures.Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
