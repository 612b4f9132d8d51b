package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/polisai/polis-certd/pkg/domain"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Agent action label values.
const (
	ActionStatus = "status"
	ActionObtain = "obtain"
	ActionRenew  = "renew"
)

// Metrics holds the reconciliation collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	ticksTotal     *prometheus.CounterVec
	tickDuration   prometheus.Histogram
	configWrites   prometheus.Counter
	proxyReloads   *prometheus.CounterVec
	agentCalls     *prometheus.CounterVec
	domainPhase    *prometheus.GaugeVec
	upstreamActive *prometheus.GaugeVec
	certExpiry     *prometheus.GaugeVec
	dhparam        prometheus.Gauge

	textfile string
	registry *prometheus.Registry
}

// NewMetrics creates the collectors in a fresh registry. When textfile is
// non-empty, Flush writes the registry to that path.
func NewMetrics(textfile string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		ticksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "certd_ticks_total",
				Help: "Reconciliation ticks by result",
			},
			[]string{"result"},
		),

		tickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "certd_tick_duration_seconds",
				Help:    "Wall time of one reconciliation tick",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
		),

		configWrites: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "certd_config_writes_total",
				Help: "Times the rendered proxy configuration was written to disk",
			},
		),

		proxyReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "certd_proxy_reloads_total",
				Help: "Proxy reload attempts by result",
			},
			[]string{"result"},
		),

		agentCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "certd_agent_calls_total",
				Help: "Certificate agent invocations by action and result",
			},
			[]string{"action", "result"},
		),

		domainPhase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "certd_domain_phase",
				Help: "Current phase of each domain (1 for the active phase, 0 otherwise)",
			},
			[]string{"domain", "phase"},
		),

		upstreamActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "certd_domain_upstream_active",
				Help: "Whether the domain's upstream accepted a TCP connection (1=up, 0=down)",
			},
			[]string{"domain"},
		),

		certExpiry: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "certd_certificate_expiry_timestamp_seconds",
				Help: "Unix time at which the domain's certificate expires, as reported by the agent",
			},
			[]string{"domain"},
		),

		dhparam: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "certd_dhparam_available",
				Help: "Whether the Diffie-Hellman parameter file is present",
			},
		),

		textfile: textfile,
		registry: registry,
	}

	registry.MustRegister(
		m.ticksTotal,
		m.tickDuration,
		m.configWrites,
		m.proxyReloads,
		m.agentCalls,
		m.domainPhase,
		m.upstreamActive,
		m.certExpiry,
		m.dhparam,
	)

	return m
}

// RecordTick records the outcome and duration of one tick.
func (m *Metrics) RecordTick(err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.ticksTotal.WithLabelValues(result(err)).Inc()
	m.tickDuration.Observe(duration.Seconds())
}

// RecordConfigWrite counts a write of the proxy configuration file.
func (m *Metrics) RecordConfigWrite() {
	if m == nil {
		return
	}
	m.configWrites.Inc()
}

// RecordReload records a proxy reload attempt.
func (m *Metrics) RecordReload(err error) {
	if m == nil {
		return
	}
	m.proxyReloads.WithLabelValues(result(err)).Inc()
}

// RecordAgentCall records one certificate agent invocation.
func (m *Metrics) RecordAgentCall(action string, err error) {
	if m == nil {
		return
	}
	m.agentCalls.WithLabelValues(action, result(err)).Inc()
}

// UpdateDomains replaces the per-domain gauges with the given observation.
// Domains no longer configured disappear from the output.
func (m *Metrics) UpdateDomains(dhparam bool, states []domain.State) {
	if m == nil {
		return
	}
	m.dhparam.Set(boolValue(dhparam))

	m.domainPhase.Reset()
	m.upstreamActive.Reset()
	m.certExpiry.Reset()

	for _, state := range states {
		current := domain.Classify(state)
		for _, phase := range domain.Phases {
			m.domainPhase.WithLabelValues(state.Domain, string(phase)).Set(boolValue(phase == current))
		}
		m.upstreamActive.WithLabelValues(state.Domain).Set(boolValue(state.UpstreamActive))
		if !state.CertValidUntil.IsZero() {
			m.certExpiry.WithLabelValues(state.Domain).Set(float64(state.CertValidUntil.Unix()))
		}
	}
}

// Flush writes all metrics to the configured textfile. It is a no-op when
// no textfile is configured.
func (m *Metrics) Flush() error {
	if m == nil || m.textfile == "" {
		return nil
	}
	return prometheus.WriteToTextfile(m.textfile, m.registry)
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
