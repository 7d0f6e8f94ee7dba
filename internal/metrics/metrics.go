// Package metrics contains the Prometheus collectors of the proxy.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// namespace is the namespace of all metrics.
const namespace = "dnscrypt_wrapper"

// Drop reasons used as the "reason" label of the dropped packets counter.
const (
	ReasonMalformed   = "malformed"
	ReasonAuth        = "auth"
	ReasonUnknownCert = "unknown_cert"
	ReasonCapacity    = "capacity"
	ReasonRatelimit   = "ratelimit"
	ReasonSpoof       = "spoof"
	ReasonUnmatched   = "unmatched"
	ReasonTimeout     = "timeout"
	ReasonTooLarge    = "too_large"
	ReasonPlain       = "plain"
	ReasonSend        = "send"
)

// Rotation results used as the "result" label of the rotations counter.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Metrics is the set of the proxy collectors.  A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	queries        *prometheus.CounterVec
	certRequests   *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	responses      *prometheus.CounterVec
	upstreamDur    *prometheus.HistogramVec
	rotations      *prometheus.CounterVec
	sessions       prometheus.Gauge
	certExpiration prometheus.Gauge
}

// New returns new metrics registered in reg.
func New(reg prometheus.Registerer) (m *Metrics, err error) {
	m = &Metrics{
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "The number of decrypted client queries.",
		}, []string{"proto"}),
		certRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cert_requests_total",
			Help:      "The number of answered certificate requests.",
		}, []string{"proto"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "The number of dropped packets by reason.",
		}, []string{"reason"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "The number of encrypted responses sent to clients.",
		}, []string{"proto"}),
		upstreamDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "The duration of upstream exchanges.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"proto"}),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotations_total",
			Help:      "The number of certificate rotations by result.",
		}, []string{"result"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "The number of in-flight upstream queries.",
		}),
		certExpiration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "certificate_expiry_timestamp_seconds",
			Help:      "The Unix time the active certificate expires at.",
		}),
	}

	collectors := []prometheus.Collector{
		m.queries,
		m.certRequests,
		m.dropped,
		m.responses,
		m.upstreamDur,
		m.rotations,
		m.sessions,
		m.certExpiration,
	}

	var errs []error
	for _, c := range collectors {
		if regErr := reg.Register(c); regErr != nil {
			errs = append(errs, regErr)
		}
	}

	if err = errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	return m, nil
}

// Handler returns the HTTP handler exposing the metrics gathered by g.
func Handler(g prometheus.Gatherer) (h http.Handler) {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// IncQueries counts a decrypted query received over proto.
func (m *Metrics) IncQueries(proto string) {
	if m != nil {
		m.queries.WithLabelValues(proto).Inc()
	}
}

// IncCertRequests counts an answered certificate request received over proto.
func (m *Metrics) IncCertRequests(proto string) {
	if m != nil {
		m.certRequests.WithLabelValues(proto).Inc()
	}
}

// IncDropped counts a packet dropped for reason.
func (m *Metrics) IncDropped(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

// IncResponses counts a response sent over proto.
func (m *Metrics) IncResponses(proto string) {
	if m != nil {
		m.responses.WithLabelValues(proto).Inc()
	}
}

// ObserveUpstream records the duration of an upstream exchange over proto.
func (m *Metrics) ObserveUpstream(proto string, dur time.Duration) {
	if m != nil {
		m.upstreamDur.WithLabelValues(proto).Observe(dur.Seconds())
	}
}

// IncRotations counts a certificate rotation with result.
func (m *Metrics) IncRotations(result string) {
	if m != nil {
		m.rotations.WithLabelValues(result).Inc()
	}
}

// SetSessions sets the number of in-flight sessions.
func (m *Metrics) SetSessions(n int) {
	if m != nil {
		m.sessions.Set(float64(n))
	}
}

// SetCertExpiration sets the expiration time of the active certificate.
func (m *Metrics) SetCertExpiration(t time.Time) {
	if m != nil {
		m.certExpiration.Set(float64(t.Unix()))
	}
}
