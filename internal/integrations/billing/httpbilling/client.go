package httpbilling

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/BearBump/ParcelFlow/internal/integrations/billing"
	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/pkg/errors"
)

type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9100"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type respBody struct {
	ID string `json:"id"`
}

func (c *Client) RequestInvoiceDraft(ctx context.Context, in billing.InvoiceDraftRequest) (billing.InvoiceDraft, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return billing.InvoiceDraft{}, errors.Wrap(err, "parse base url")
	}
	u.Path = "/v1/invoice-drafts"

	body, err := json.Marshal(in)
	if err != nil {
		return billing.InvoiceDraft{}, errors.Wrap(err, "marshal")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return billing.InvoiceDraft{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	// the billing side dedups on this key as well
	req.Header.Set("Idempotency-Key", in.EventID.String())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return billing.InvoiceDraft{}, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		if retryableStatus(resp.StatusCode) {
			return billing.InvoiceDraft{}, errors.Errorf("billing http %d", resp.StatusCode)
		}
		return billing.InvoiceDraft{}, errors.Wrapf(models.ErrPermanent, "billing http %d", resp.StatusCode)
	}

	var rb respBody
	if err := json.NewDecoder(resp.Body).Decode(&rb); err != nil {
		return billing.InvoiceDraft{}, errors.Wrap(err, "decode")
	}
	return billing.InvoiceDraft{ExternalID: rb.ID}, nil
}

// retryableStatus reports whether billing may accept the same request
// later: timeouts, throttling and server errors.
func retryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests,
		code >= 500:
		return true
	}
	return false
}
