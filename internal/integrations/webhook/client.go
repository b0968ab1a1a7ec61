package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/pkg/errors"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderEvent     = "X-Webhook-Event"

	defaultTimeout = 10 * time.Second
	maxBodyLog     = 512
)

type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRetry     Outcome = "retry"
	OutcomePermanent Outcome = "permanent"
)

// Result of one delivery attempt. StatusCode is zero when no response
// arrived.
type Result struct {
	StatusCode int
	Body       string
	Err        error
	Duration   time.Duration

	// request could not be built; retrying will not help
	invalid bool
}

// Outcome classifies the attempt: 2xx succeeds; 408, 425, 429, 5xx and
// transport errors are retried; any other status fails permanently.
func (r Result) Outcome() Outcome {
	if r.invalid {
		return OutcomePermanent
	}
	if r.Err != nil && r.StatusCode == 0 {
		return OutcomeRetry
	}
	switch {
	case r.StatusCode/100 == 2:
		return OutcomeSuccess
	case r.StatusCode == http.StatusRequestTimeout,
		r.StatusCode == http.StatusTooEarly,
		r.StatusCode == http.StatusTooManyRequests,
		r.StatusCode >= 500:
		return OutcomeRetry
	}
	return OutcomePermanent
}

func (r Result) Error() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	if r.StatusCode/100 == 2 {
		return ""
	}
	return http.StatusText(r.StatusCode)
}

type Client struct {
	httpc     *http.Client
	userAgent string
}

func New(userAgent string) *Client {
	if userAgent == "" {
		userAgent = "parcelflow-webhooks/1"
	}
	return &Client{
		// per-attempt deadlines come from the endpoint policy via ctx
		httpc:     &http.Client{},
		userAgent: userAgent,
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value against body.
func Verify(secret string, body []byte, header string) bool {
	want := "sha256=" + Sign(secret, body)
	return hmac.Equal([]byte(want), []byte(header))
}

func Envelope(d *models.WebhookDelivery) models.WebhookEnvelope {
	return models.WebhookEnvelope{
		EventType:     d.EventType,
		AggregateType: models.AggregateShipment,
		AggregateID:   d.AggregateID,
		Payload:       d.Payload,
		Timestamp:     d.OccurredAt,
	}
}

// Send POSTs the delivery's envelope to the endpoint once.
func (c *Client) Send(ctx context.Context, ep *models.WebhookEndpoint, d *models.WebhookDelivery) Result {
	started := time.Now()
	res := c.send(ctx, ep, d)
	res.Duration = time.Since(started)
	return res
}

func (c *Client) send(ctx context.Context, ep *models.WebhookEndpoint, d *models.WebhookDelivery) Result {
	body, err := json.Marshal(Envelope(d))
	if err != nil {
		return Result{Err: errors.Wrap(err, "marshal envelope"), invalid: true}
	}

	timeout := ep.Retry.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return Result{Err: errors.Wrap(err, "new request"), invalid: true}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(HeaderDelivery, d.ID.String())
	req.Header.Set(HeaderEvent, string(d.EventType))
	req.Header.Set(HeaderSignature, "sha256="+Sign(ep.Secret, body))

	resp, err := c.httpc.Do(req)
	if err != nil {
		return Result{Err: errors.Wrap(err, "do request")}
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyLog))
	return Result{StatusCode: resp.StatusCode, Body: string(b)}
}
