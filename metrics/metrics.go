// Package metrics exposes Prometheus instrumentation for chat requests.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatcore"

// Request outcomes used as the "outcome" label.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeAborted = "aborted"
	OutcomeBlocked = "blocked"
)

// Recorder holds the collectors for one registry.
type Recorder struct {
	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	tokens    *prometheus.CounterVec
	cost      *prometheus.CounterVec
	retries   *prometheus.CounterVec
	inflight  prometheus.Gauge
	pricingOp *prometheus.CounterVec
}

// New creates a recorder and registers its collectors with reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Chat requests by provider, model and outcome.",
		}, []string{"provider", "model", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Wall time from send to terminal event.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider", "stream"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens reported by providers.",
		}, []string{"provider", "kind"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Computed request cost in USD.",
		}, []string{"provider"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_retries_total",
			Help:      "HTTP retries by upstream host.",
		}, []string{"host"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Requests currently being processed.",
		}),
		pricingOp: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pricing_lookups_total",
			Help:      "Pricing lookups by result (hit, miss, error).",
		}, []string{"result"}),
	}
	reg.MustRegister(r.requests, r.duration, r.tokens, r.cost, r.retries, r.inflight, r.pricingOp)
	return r
}

// ObserveRequest records a finished request.
func (r *Recorder) ObserveRequest(provider, model, outcome string, stream bool, d time.Duration) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(provider, model, outcome).Inc()
	s := "false"
	if stream {
		s = "true"
	}
	r.duration.WithLabelValues(provider, s).Observe(d.Seconds())
}

// AddTokens records prompt, completion and reasoning token counts.
func (r *Recorder) AddTokens(provider string, prompt, completion, reasoning int64) {
	if r == nil {
		return
	}
	r.tokens.WithLabelValues(provider, "prompt").Add(float64(prompt))
	r.tokens.WithLabelValues(provider, "completion").Add(float64(completion))
	if reasoning > 0 {
		r.tokens.WithLabelValues(provider, "reasoning").Add(float64(reasoning))
	}
}

// AddCost records a request cost.
func (r *Recorder) AddCost(provider string, usd float64) {
	if r == nil || usd <= 0 {
		return
	}
	r.cost.WithLabelValues(provider).Add(usd)
}

// IncRetry counts one HTTP retry against host.
func (r *Recorder) IncRetry(host string) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(host).Inc()
}

// IncPricing counts a pricing lookup result.
func (r *Recorder) IncPricing(result string) {
	if r == nil {
		return
	}
	r.pricingOp.WithLabelValues(result).Inc()
}

// Begin marks a request in flight and returns the func that ends it.
func (r *Recorder) Begin() func() {
	if r == nil {
		return func() {}
	}
	r.inflight.Inc()
	return r.inflight.Dec
}
