package agreement

import (
	"context"
	"errors"
	"fmt"

	"locumbook/booking"
)

// InvoiceTrigger is the billing collaborator invoked once an agreement is fully signed.
type InvoiceTrigger interface {
	TriggerInvoice(ctx context.Context, contractID, agreementID string) error
}

// InvoiceDispatcher calls the billing collaborator at most once per agreement.
type InvoiceDispatcher struct {
	keys    IdempotencyStore
	trigger InvoiceTrigger
}

func NewInvoiceDispatcher(keys IdempotencyStore, trigger InvoiceTrigger) *InvoiceDispatcher {
	if keys == nil {
		keys = NewMemoryIdempotencyStore()
	}
	return &InvoiceDispatcher{
		keys:    keys,
		trigger: trigger,
	}
}

func invoiceKey(agreementID string) string {
	return "invoice:" + agreementID
}

// ErrInvoiceInFlight is returned while another caller holds the invoice key. The caller retries
// later; the holder either completes the key or releases it on failure.
var ErrInvoiceInFlight = errors.New("agreement: invoice in flight")

const completeAttempts = 3

// Dispatch fires the invoice for a fully signed agreement. A redelivery for an agreement that was
// already invoiced is absorbed and reported as sent=false with a nil error. A delivery racing an
// unfinished one gets ErrInvoiceInFlight.
func (d *InvoiceDispatcher) Dispatch(ctx context.Context, a Agreement) (sent bool, err error) {
	if a.ID == "" {
		return false, fmt.Errorf("agreement: missing agreement id")
	}
	if normalizeStatus(a.Status) != StatusFullySigned {
		return false, fmt.Errorf("%w: agreement: invoice requested while %s", booking.ErrInvalidState, a.Status)
	}
	if d.trigger == nil {
		return false, fmt.Errorf("agreement: no invoice trigger configured")
	}

	key := invoiceKey(a.ID)
	if err := d.keys.Reserve(ctx, key); err != nil {
		switch {
		case errors.Is(err, ErrDuplicateIdempotencyKey):
			return false, nil
		case errors.Is(err, ErrIdempotencyKeyHeld):
			return false, fmt.Errorf("%w: agreement %s", ErrInvoiceInFlight, a.ID)
		}
		return false, err
	}

	if err := d.trigger.TriggerInvoice(ctx, a.ContractID, a.ID); err != nil {
		// Free the key so the relay can re-drive the call.
		if relErr := d.keys.Release(ctx, key); relErr != nil {
			return false, errors.Join(fmt.Errorf("agreement: trigger invoice: %w", err), relErr)
		}
		return false, fmt.Errorf("agreement: trigger invoice: %w", err)
	}

	// Billing accepted the call; the key must not fall back to a takeover-able reservation.
	for attempt := 1; ; attempt++ {
		err = d.keys.Complete(ctx, key)
		if err == nil || attempt == completeAttempts || ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		return true, fmt.Errorf("agreement: mark invoice %s completed: %w", a.ID, err)
	}
	return true, nil
}
