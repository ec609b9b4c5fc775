// Package billing holds the invoice trigger collaborators called once an agreement is fully signed.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

type InvoiceRequest struct {
	ContractID  string    `json:"contract_id"`
	AgreementID string    `json:"agreement_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// WebhookClient posts invoice requests to the billing service. The agreement id doubles as the
// Idempotency-Key so the receiver can drop redeliveries too.
type WebhookClient struct {
	URL  string
	HTTP *http.Client
	now  func() time.Time
}

func NewWebhookClient(url string, timeout time.Duration) *WebhookClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookClient{
		URL:  url,
		HTTP: &http.Client{Timeout: timeout},
		now:  time.Now,
	}
}

func (c *WebhookClient) TriggerInvoice(ctx context.Context, contractID, agreementID string) error {
	if c.URL == "" {
		return fmt.Errorf("billing: webhook url not configured")
	}
	body, err := json.Marshal(InvoiceRequest{
		ContractID:  contractID,
		AgreementID: agreementID,
		RequestedAt: c.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("billing: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("billing: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "invoice:"+agreementID)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("billing: post invoice: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	// 409 means billing already holds an invoice for this key.
	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("billing: webhook returned %d", resp.StatusCode)
	}
	return nil
}

// LogClient records invoice requests in the log. Used when no billing webhook is configured.
type LogClient struct {
	Log logrus.FieldLogger
}

func (c LogClient) TriggerInvoice(_ context.Context, contractID, agreementID string) error {
	log := c.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log.WithFields(logrus.Fields{
		"contract_id":  contractID,
		"agreement_id": agreementID,
	}).Info("invoice requested")
	return nil
}
