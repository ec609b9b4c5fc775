package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"locumbook/agreement"
	"locumbook/booking"
	"locumbook/metrics"
)

// Handler delivers one message payload. Handlers must be idempotent; a message can be delivered
// again after a crash between the handler and the delivery mark.
type Handler func(ctx context.Context, payload []byte) error

type Relay struct {
	store    Store
	handlers map[string]Handler
	workers  int
	interval time.Duration
	batch    int
	log      logrus.FieldLogger
	metrics  *metrics.Collectors
}

func NewRelay(store Store) *Relay {
	return &Relay{
		store:    store,
		handlers: make(map[string]Handler),
		workers:  4,
		interval: 2 * time.Second,
		batch:    10,
		log:      logrus.StandardLogger(),
	}
}

func (r *Relay) WithWorkers(n int) *Relay {
	if n > 0 {
		r.workers = n
	}
	return r
}

func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

func (r *Relay) WithLogger(log logrus.FieldLogger) *Relay {
	r.log = log
	return r
}

func (r *Relay) WithMetrics(m *metrics.Collectors) *Relay {
	r.metrics = m
	return r
}

// Handle registers the handler for topic.
func (r *Relay) Handle(topic string, h Handler) *Relay {
	r.handlers[topic] = h
	return r
}

func (r *Relay) topics() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Run polls until ctx is cancelled. Each worker drains batches back to back and sleeps for the
// poll interval once it finds nothing to do.
func (r *Relay) Run(ctx context.Context) error {
	if len(r.handlers) == 0 {
		return fmt.Errorf("outbox: no handlers registered")
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.workers; i++ {
		worker := i
		g.Go(func() error {
			log := r.log.WithField("worker", worker)
			for {
				n, err := r.DrainOnce(ctx)
				if err != nil && !errors.Is(err, context.Canceled) {
					log.WithError(err).Warn("outbox drain failed")
				}
				if n > 0 && err == nil {
					continue
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(r.interval):
				}
			}
		})
	}
	return g.Wait()
}

// DrainOnce processes a single batch and reports how many messages it claimed.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	return r.store.Process(ctx, r.topics(), r.batch, r.dispatch)
}

func (r *Relay) dispatch(ctx context.Context, m Message) error {
	h, ok := r.handlers[m.Topic]
	if !ok {
		return fmt.Errorf("outbox: no handler for topic %s", m.Topic)
	}
	err := h(ctx, m.Payload)
	r.metrics.OutboxDelivery(m.Topic, err)
	entry := r.log.WithFields(logrus.Fields{
		"outbox_id": m.ID,
		"topic":     m.Topic,
		"attempts":  m.Attempts + 1,
	})
	if err != nil {
		entry.WithError(err).Warn("outbox delivery failed")
		return err
	}
	entry.Debug("outbox message delivered")
	return nil
}

type bookingCreator interface {
	CreateFromBooking(ctx context.Context, ev booking.Event) (agreement.Agreement, error)
}

type invoiceCompleter interface {
	CompleteInvoice(ctx context.Context, agreementID string) (bool, error)
}

// BookingHandler creates the agreement for a contract.booked message.
func BookingHandler(c bookingCreator) Handler {
	return func(ctx context.Context, payload []byte) error {
		var ev booking.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("outbox: decode booking event: %w", err)
		}
		_, err := c.CreateFromBooking(ctx, ev)
		return err
	}
}

// InvoiceHandler re-drives the invoice for an agreement.fully_signed message.
func InvoiceHandler(c invoiceCompleter) Handler {
	return func(ctx context.Context, payload []byte) error {
		var msg struct {
			AgreementID string `json:"agreement_id"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("outbox: decode completion: %w", err)
		}
		if msg.AgreementID == "" {
			return fmt.Errorf("outbox: completion missing agreement id")
		}
		_, err := c.CompleteInvoice(ctx, msg.AgreementID)
		return err
	}
}
