// Package metrics exposes Prometheus collectors for booking and agreement outcomes.
// A nil *Collectors is valid and records nothing.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"locumbook/booking"
)

type Collectors struct {
	registry *prometheus.Registry

	accepts    *prometheus.CounterVec
	rejects    *prometheus.CounterVec
	fees       *prometheus.CounterVec
	signatures *prometheus.CounterVec
	invoices   *prometheus.CounterVec
	created    prometheus.Counter
	outbox     *prometheus.CounterVec
	requests   *prometheus.HistogramVec
}

func New() *Collectors {
	reg := prometheus.NewRegistry()
	c := &Collectors{
		registry: reg,
		accepts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "locumbook",
			Name:      "application_accepts_total",
			Help:      "Accept attempts by outcome.",
		}, []string{"outcome"}),
		rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "locumbook",
			Name:      "application_rejects_total",
			Help:      "Reject attempts by outcome.",
		}, []string{"outcome"}),
		fees: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "locumbook",
			Name:      "agreement_fee_submissions_total",
			Help:      "Fee submissions by outcome.",
		}, []string{"outcome"}),
		signatures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "locumbook",
			Name:      "agreement_signatures_total",
			Help:      "Signature attempts by signer role and outcome.",
		}, []string{"role", "outcome"}),
		invoices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "locumbook",
			Name:      "invoice_triggers_total",
			Help:      "Invoice trigger dispatches by result (sent, duplicate, in_flight, failed).",
		}, []string{"result"}),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "locumbook",
			Name:      "agreements_created_total",
			Help:      "Agreements created from bookings.",
		}),
		outbox: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "locumbook",
			Name:      "outbox_deliveries_total",
			Help:      "Outbox deliveries by topic and result.",
		}, []string{"topic", "result"}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "locumbook",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.accepts, c.rejects, c.fees, c.signatures, c.invoices, c.created, c.outbox, c.requests,
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(booking.Code(err))
}

func (c *Collectors) Accept(err error) {
	if c == nil {
		return
	}
	c.accepts.WithLabelValues(outcome(err)).Inc()
}

func (c *Collectors) Reject(err error) {
	if c == nil {
		return
	}
	c.rejects.WithLabelValues(outcome(err)).Inc()
}

func (c *Collectors) Fee(err error) {
	if c == nil {
		return
	}
	c.fees.WithLabelValues(outcome(err)).Inc()
}

func (c *Collectors) Sign(role booking.PartyRole, err error) {
	if c == nil {
		return
	}
	if role == "" {
		role = "unknown"
	}
	c.signatures.WithLabelValues(string(role), outcome(err)).Inc()
}

func (c *Collectors) Invoice(sent bool, err error) {
	if c == nil {
		return
	}
	result := "sent"
	switch {
	case err != nil:
		result = "failed"
	case !sent:
		result = "duplicate"
	}
	c.invoices.WithLabelValues(result).Inc()
}

// InvoiceInFlight counts deliveries deferred because another caller held the invoice key.
func (c *Collectors) InvoiceInFlight() {
	if c == nil {
		return
	}
	c.invoices.WithLabelValues("in_flight").Inc()
}

func (c *Collectors) AgreementCreated() {
	if c == nil {
		return
	}
	c.created.Inc()
}

func (c *Collectors) OutboxDelivery(topic string, err error) {
	if c == nil {
		return
	}
	result := "delivered"
	if err != nil {
		result = "failed"
	}
	c.outbox.WithLabelValues(topic, result).Inc()
}

func (c *Collectors) ObserveRequest(method, route string, status int, seconds float64) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(method, route, statusClass(status)).Observe(seconds)
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
