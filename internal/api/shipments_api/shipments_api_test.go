package shipments_api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BearBump/ParcelFlow/internal/broker/messages"
	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/BearBump/ParcelFlow/internal/services/dispatch"
	"github.com/BearBump/ParcelFlow/internal/services/lifecycle"
	"github.com/BearBump/ParcelFlow/internal/services/movement"
	"github.com/BearBump/ParcelFlow/internal/services/routes"
	"github.com/BearBump/ParcelFlow/internal/status"
	"github.com/BearBump/ParcelFlow/internal/storage/memstore"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type APISuite struct {
	suite.Suite

	store *memstore.Store
	api   *API
	srv   *httptest.Server
	n     int
}

func TestAPISuite(t *testing.T) {
	suite.Run(t, new(APISuite))
}

func (s *APISuite) SetupTest() {
	s.store = memstore.New()
	orch := lifecycle.New(s.store, nil)
	tracker := movement.New(s.store, orch, nil, 0)
	orch.WithEvidence(tracker)
	sched := routes.New(s.store, orch, tracker)
	s.api = New(orch, tracker, sched, dispatch.NewEndpoints(s.store, nil, ""))

	r := chi.NewRouter()
	s.api.Routes(r)
	s.srv = httptest.NewServer(r)
}

func (s *APISuite) TearDownTest() {
	s.srv.Close()
}

func (s *APISuite) do(method, path string, body any, out any, headers ...string) int {
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		s.Require().NoError(err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, rd)
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		s.Require().NoError(json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *APISuite) createShipment(parcels ...string) *models.Shipment {
	s.n++
	var sh models.Shipment
	code := s.do(http.MethodPost, "/shipments", map[string]any{
		"reference":             fmt.Sprintf("API-%d", s.n),
		"origin_branch_id":      1,
		"destination_branch_id": 2,
		"price":                 "25.00",
		"currency":              "EUR",
		"recipient":             map[string]any{"name": "Ann", "phone": "+100"},
		"parcels":               parcels,
	}, &sh)
	s.Require().Equal(http.StatusCreated, code)
	return &sh
}

func (s *APISuite) walk(id uint64, to ...status.Shipment) {
	for _, st := range to {
		code := s.do(http.MethodPost, fmt.Sprintf("/shipments/%d/transitions", id), map[string]any{"to": st, "actor": "ops"}, nil)
		s.Require().Equal(http.StatusCreated, code, "to %s", st)
	}
}

func (s *APISuite) TestShipmentCRUD() {
	sh := s.createShipment("SSCC-A1")
	s.Require().Equal(status.Created, sh.Status)
	s.Require().Equal("25", sh.Price.String())

	var got models.Shipment
	s.Require().Equal(http.StatusOK, s.do(http.MethodGet, fmt.Sprintf("/shipments/%d", sh.ID), nil, &got))
	s.Require().Equal(sh.Reference, got.Reference)

	var list struct {
		Shipments []*models.Shipment `json:"shipments"`
	}
	s.Require().Equal(http.StatusOK, s.do(http.MethodGet, "/shipments?status=CREATED&limit=10", nil, &list))
	s.Require().Len(list.Shipments, 1)

	var e errorBody
	s.Require().Equal(http.StatusNotFound, s.do(http.MethodGet, "/shipments/999", nil, &e))
	s.Require().Equal(http.StatusBadRequest, s.do(http.MethodGet, "/shipments/abc", nil, &e))
	s.Require().Equal(http.StatusBadRequest, s.do(http.MethodGet, "/shipments?branch_id=x", nil, &e))

	s.Require().Equal(http.StatusNoContent, s.do(http.MethodDelete, fmt.Sprintf("/shipments/%d", sh.ID), nil, nil))
}

func (s *APISuite) TestDuplicateReferenceConflicts() {
	s.createShipment()
	var e errorBody
	code := s.do(http.MethodPost, "/shipments", map[string]any{
		"reference": "API-1", "origin_branch_id": 1, "destination_branch_id": 2, "currency": "EUR",
	}, &e)
	s.Require().Equal(http.StatusConflict, code)
}

func (s *APISuite) TestTransitionsAndDeliveryPrecondition() {
	sh := s.createShipment()
	s.walk(sh.ID, status.PickedUp, status.InTransit, status.AtDestHub, status.OutForDelivery)

	var e errorBody
	path := fmt.Sprintf("/shipments/%d/transitions", sh.ID)
	s.Require().Equal(http.StatusConflict, s.do(http.MethodPost, path, map[string]any{"to": status.Delivered}, &e))
	s.Require().Equal("precondition_not_met", e.Reason)

	s.Require().Equal(http.StatusCreated, s.do(http.MethodPost, "/proofs", map[string]any{
		"shipment_id": sh.ID, "kind": models.PODSignature, "reference": "sig-1", "captured_by": "drv",
	}, nil))

	var res transitionResponse
	s.Require().Equal(http.StatusCreated, s.do(http.MethodPost, path, map[string]any{"to": status.Delivered}, &res, HeaderIdempotencyKey, "k-1"))
	s.Require().False(res.Replayed)
	s.Require().Equal(status.Delivered, res.Transition.To)

	var again transitionResponse
	s.Require().Equal(http.StatusOK, s.do(http.MethodPost, path, map[string]any{"to": status.Delivered}, &again, HeaderIdempotencyKey, "k-1"))
	s.Require().True(again.Replayed)
	s.Require().Equal(res.Transition.ID, again.Transition.ID)

	// terminal
	s.Require().Equal(http.StatusConflict, s.do(http.MethodPost, path, map[string]any{"to": status.Returned}, &e))
	s.Require().Equal("invalid_transition", e.Reason)

	var hist struct {
		Transitions []*models.Transition `json:"transitions"`
	}
	s.Require().Equal(http.StatusOK, s.do(http.MethodGet, fmt.Sprintf("/shipments/%d/history", sh.ID), nil, &hist))
	s.Require().Equal([]status.Shipment{
		status.Created, status.PickedUp, status.InTransit, status.AtDestHub, status.OutForDelivery, status.Delivered,
	}, models.Statuses(hist.Transitions))

	var rep lifecycle.ReconcileReport
	s.Require().Equal(http.StatusOK, s.do(http.MethodPost, fmt.Sprintf("/shipments/%d/reconcile", sh.ID), nil, &rep))
	s.Require().True(rep.ValidWalk)
	s.Require().False(rep.Repaired)
}

func (s *APISuite) TestCancel() {
	sh := s.createShipment()
	var res transitionResponse
	s.Require().Equal(http.StatusOK, s.do(http.MethodPost, fmt.Sprintf("/shipments/%d/cancel", sh.ID), map[string]any{"actor": "ops", "reason": "customer"}, &res))
	s.Require().Equal(status.Cancelled, res.Transition.To)
}

func (s *APISuite) TestScansMoveShipmentAndCustody() {
	sh := s.createShipment("SSCC-S1")
	at := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)

	var res movement.ScanResult
	s.Require().Equal(http.StatusAccepted, s.do(http.MethodPost, "/scans", map[string]any{
		"sscc": "SSCC-S1", "type": models.ScanPickup, "branch_id": 1, "user_id": "c1", "occurred_at": at,
	}, &res))
	s.Require().Equal(models.ScanApplied, res.Outcome)

	var e errorBody
	s.Require().Equal(http.StatusBadRequest, s.do(http.MethodPost, "/scans", map[string]any{"sscc": "SSCC-S1", "type": "teleport", "branch_id": 1, "occurred_at": at}, &e))

	var view models.CustodyView
	s.Require().Equal(http.StatusOK, s.do(http.MethodGet, fmt.Sprintf("/shipments/%d/custody", sh.ID), nil, &view))
	s.Require().Equal(uint64(1), view.LastKnownBranch)

	var scans struct {
		Scans []*models.ScanEvent `json:"scans"`
	}
	s.Require().Equal(http.StatusOK, s.do(http.MethodGet, "/scans?sscc=SSCC-S1", nil, &scans))
	s.Require().Len(scans.Scans, 1)
	s.Require().Equal(http.StatusBadRequest, s.do(http.MethodGet, "/scans", nil, &e))
}

func (s *APISuite) TestBags() {
	var bag models.Bag
	s.Require().Equal(http.StatusCreated, s.do(http.MethodPost, "/bags", map[string]any{"code": "B-1", "origin_branch_id": 1, "destination_branch_id": 2}, &bag))

	var e errorBody
	closePath := fmt.Sprintf("/bags/%d/close", bag.ID)
	s.Require().Equal(http.StatusConflict, s.do(http.MethodPost, closePath, nil, &e))

	s.Require().Equal(http.StatusOK, s.do(http.MethodPost, fmt.Sprintf("/bags/%d/parcels", bag.ID), map[string]any{"sscc": "P-1"}, &bag))
	s.Require().Equal(http.StatusOK, s.do(http.MethodPost, closePath, nil, &bag))
	s.Require().Equal(status.BagClosed, bag.Status)
	s.Require().Equal(http.StatusConflict, s.do(http.MethodPost, fmt.Sprintf("/bags/%d/parcels", bag.ID), map[string]any{"sscc": "P-2"}, &e))

	var view models.BagView
	s.Require().Equal(http.StatusOK, s.do(http.MethodGet, fmt.Sprintf("/bags/%d", bag.ID), nil, &view))
	s.Require().Equal([]string{"P-1"}, view.Parcels)
}

func (s *APISuite) TestRouteDeliversShipment() {
	sh := s.createShipment()
	s.walk(sh.ID, status.PickedUp, status.InTransit, status.AtDestHub)

	var route models.Route
	s.Require().Equal(http.StatusCreated, s.do(http.MethodPost, "/routes", map[string]any{
		"driver_id": "drv-1", "branch_id": 2, "service_date": time.Now().UTC(),
		"stops": []map[string]any{{"shipment_id": sh.ID}},
	}, &route))
	s.Require().Len(route.Stops, 1)

	var started routes.RouteResult
	s.Require().Equal(http.StatusOK, s.do(http.MethodPost, fmt.Sprintf("/routes/%d/start", route.ID), map[string]any{"actor": "drv-1"}, &started))
	s.Require().Equal(status.RouteInProgress, started.Route.Status)

	var eff routes.StopEffect
	s.Require().Equal(http.StatusOK, s.do(http.MethodPost, fmt.Sprintf("/stops/%d/complete", route.Stops[0].ID), map[string]any{
		"outcome": models.StopSucceeded, "pod_reference": "sig-9", "actor": "drv-1",
	}, &eff))
	s.Require().Equal(status.Delivered, eff.Transition.To)

	var got models.Shipment
	s.do(http.MethodGet, fmt.Sprintf("/shipments/%d", sh.ID), nil, &got)
	s.Require().Equal(status.Delivered, got.Status)
}

func (s *APISuite) TestWebhookEndpointsAndRequeue() {
	var created struct {
		ID     uint64 `json:"id"`
		Secret string `json:"secret"`
	}
	s.Require().Equal(http.StatusCreated, s.do(http.MethodPost, "/webhooks", map[string]any{
		"url": "https://partner.example.com/hook", "event_types": []string{"ShipmentDelivered"},
	}, &created))
	s.Require().NotEmpty(created.Secret)

	var list struct {
		Endpoints []map[string]any `json:"endpoints"`
	}
	s.Require().Equal(http.StatusOK, s.do(http.MethodGet, "/webhooks", nil, &list))
	s.Require().Len(list.Endpoints, 1)
	s.Require().NotContains(list.Endpoints[0], "secret")
	s.Require().Equal(true, list.Endpoints[0]["has_secret"])

	var e errorBody
	s.Require().Equal(http.StatusBadRequest, s.do(http.MethodPost, "/webhooks", map[string]any{"url": "ftp://x"}, &e))

	failedAt := time.Now().UTC()
	d := &models.WebhookDelivery{ID: uuid.New(), EndpointID: created.ID, EventID: uuid.New(), EventSeq: 1, Status: status.DeliveryFailed, Attempts: 8, FailedAt: &failedAt}
	_, err := s.store.CreateDeliveries(context.Background(), []*models.WebhookDelivery{d})
	s.Require().NoError(err)

	var deliveries struct {
		Deliveries []*models.WebhookDelivery `json:"deliveries"`
	}
	s.Require().Equal(http.StatusOK, s.do(http.MethodGet, "/deliveries?status=FAILED", nil, &deliveries))
	s.Require().Len(deliveries.Deliveries, 1)

	var requeued models.WebhookDelivery
	s.Require().Equal(http.StatusOK, s.do(http.MethodPost, "/deliveries/"+d.ID.String()+"/requeue", nil, &requeued))
	s.Require().Equal(status.DeliveryPending, requeued.Status)
	s.Require().Equal(http.StatusConflict, s.do(http.MethodPost, "/deliveries/"+d.ID.String()+"/requeue", nil, &e))
	s.Require().Equal(http.StatusBadRequest, s.do(http.MethodPost, "/deliveries/nope/requeue", nil, &e))

	s.Require().Equal(http.StatusNoContent, s.do(http.MethodPost, fmt.Sprintf("/webhooks/%d/active", created.ID), map[string]any{"active": false}, nil))
}

func (s *APISuite) TestWebhookRetryPolicyInSeconds() {
	var created struct {
		ID    uint64 `json:"id"`
		Retry struct {
			MaxAttempts           int     `json:"max_attempts"`
			InitialBackoffSeconds float64 `json:"initial_backoff_seconds"`
			TimeoutSeconds        float64 `json:"timeout_seconds"`
		} `json:"retry"`
	}
	s.Require().Equal(http.StatusCreated, s.do(http.MethodPost, "/webhooks", map[string]any{
		"url":   "https://partner.example.com/slow",
		"retry": map[string]any{"max_attempts": 4, "initial_backoff_seconds": 30, "timeout_seconds": 10},
	}, &created))
	s.Require().Equal(4, created.Retry.MaxAttempts)
	s.Require().Equal(30.0, created.Retry.InitialBackoffSeconds)
	s.Require().Equal(10.0, created.Retry.TimeoutSeconds)

	ep, err := s.store.GetEndpoint(context.Background(), created.ID)
	s.Require().NoError(err)
	s.Require().Equal(10*time.Second, ep.Retry.Timeout)
	s.Require().Equal(30*time.Second, ep.Retry.InitialBackoff)

	for _, retry := range []map[string]any{
		{"timeout_seconds": -1},
		{"timeout_seconds": 0.000001},
		{"timeout_seconds": 3600},
		{"initial_backoff_seconds": 1e30},
		{"max_attempts": 1000},
	} {
		var e errorBody
		s.Require().Equal(http.StatusBadRequest, s.do(http.MethodPost, "/webhooks", map[string]any{
			"url": "https://partner.example.com/bad", "retry": retry,
		}, &e), "%v", retry)
	}
}

func (s *APISuite) TestInboundHandlers() {
	sh := s.createShipment("SSCC-K1")
	h := s.api.InboundHandlers(context.Background())

	b, err := json.Marshal(messages.ScanEvent{SSCC: "SSCC-K1", Type: models.ScanPickup, BranchID: 1, UserID: "c1", OccurredAt: time.Now().UTC()})
	s.Require().NoError(err)
	s.Require().NoError(h[messages.TopicScans](nil, b))

	got, err := s.store.GetShipment(context.Background(), sh.ID)
	s.Require().NoError(err)
	s.Require().Equal(status.PickedUp, got.Status)

	// poison and rejected messages are committed
	s.Require().NoError(h[messages.TopicScans](nil, []byte("{")))
	b, err = json.Marshal(messages.StopCompletion{StopID: 42, Outcome: models.StopSucceeded})
	s.Require().NoError(err)
	s.Require().NoError(h[messages.TopicStops](nil, b))
	b, err = json.Marshal(messages.HandoffDecision{HandoffID: 42, Approved: true})
	s.Require().NoError(err)
	s.Require().NoError(h[messages.TopicHandoffs](nil, b))
	s.Require().Contains(h, messages.TopicLegs)
}

func TestStatusFor(t *testing.T) {
	require.Equal(t, http.StatusNotFound, StatusFor(errors.Wrap(models.ErrNotFound, "shipment 1")))
	require.Equal(t, http.StatusConflict, StatusFor(errors.Wrap(models.ErrEmptyBag, "bag 1")))
	require.Equal(t, http.StatusConflict, StatusFor(models.ErrStaleEvidence))
	require.Equal(t, http.StatusBadRequest, StatusFor(models.ErrValidation))
	require.Equal(t, http.StatusInternalServerError, StatusFor(errors.New("db down")))
}
