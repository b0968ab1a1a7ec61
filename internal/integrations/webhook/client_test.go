package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testDelivery() *models.WebhookDelivery {
	return &models.WebhookDelivery{
		ID:          uuid.New(),
		EventID:     uuid.New(),
		EventType:   models.EventShipmentDelivered,
		AggregateID: 7,
		Payload:     json.RawMessage(`{"shipment_id":7,"to":"DELIVERED"}`),
		OccurredAt:  time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestClient_Send_SignsEnvelope(t *testing.T) {
	d := testDelivery()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, d.ID.String(), r.Header.Get(HeaderDelivery))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.True(t, Verify("s3cret", body, r.Header.Get(HeaderSignature)))

		var env models.WebhookEnvelope
		require.NoError(t, json.Unmarshal(body, &env))
		require.Equal(t, models.EventShipmentDelivered, env.EventType)
		require.Equal(t, "shipment", env.AggregateType)
		require.Equal(t, uint64(7), env.AggregateID)
		require.JSONEq(t, `{"shipment_id":7,"to":"DELIVERED"}`, string(env.Payload))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New("")
	res := c.Send(context.Background(), &models.WebhookEndpoint{URL: srv.URL, Secret: "s3cret"}, d)
	require.NoError(t, res.Err)
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	require.Equal(t, OutcomeSuccess, res.Outcome())
}

func TestClient_Send_TimeoutIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ep := &models.WebhookEndpoint{URL: srv.URL, Secret: "x", Retry: models.RetryPolicy{Timeout: 50 * time.Millisecond}}
	res := New("").Send(context.Background(), ep, testDelivery())
	require.Error(t, res.Err)
	require.Zero(t, res.StatusCode)
	require.Equal(t, OutcomeRetry, res.Outcome())
}

func TestClient_Send_BadURLIsPermanent(t *testing.T) {
	ep := &models.WebhookEndpoint{URL: "://nope", Secret: "x"}
	res := New("").Send(context.Background(), ep, testDelivery())
	require.Error(t, res.Err)
	require.Equal(t, OutcomePermanent, res.Outcome())
}

func TestResult_Outcome(t *testing.T) {
	cases := map[int]Outcome{
		200: OutcomeSuccess,
		201: OutcomeSuccess,
		408: OutcomeRetry,
		425: OutcomeRetry,
		429: OutcomeRetry,
		500: OutcomeRetry,
		503: OutcomeRetry,
		400: OutcomePermanent,
		401: OutcomePermanent,
		404: OutcomePermanent,
		410: OutcomePermanent,
	}
	for code, want := range cases {
		require.Equal(t, want, Result{StatusCode: code}.Outcome(), "status %d", code)
	}
}

func TestVerify_RejectsTamperedBody(t *testing.T) {
	sig := "sha256=" + Sign("k", []byte(`{"a":1}`))
	require.True(t, Verify("k", []byte(`{"a":1}`), sig))
	require.False(t, Verify("k", []byte(`{"a":2}`), sig))
	require.False(t, Verify("other", []byte(`{"a":1}`), sig))
}
