// Package shipments_api serves the lifecycle, movement, route and webhook
// operations as JSON over chi.
package shipments_api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/BearBump/ParcelFlow/internal/services/dispatch"
	"github.com/BearBump/ParcelFlow/internal/services/lifecycle"
	"github.com/BearBump/ParcelFlow/internal/services/movement"
	"github.com/BearBump/ParcelFlow/internal/services/routes"
	"github.com/BearBump/ParcelFlow/internal/status"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// HeaderIdempotencyKey makes manual transitions replayable: the same key and
// target status return the recorded transition.
const HeaderIdempotencyKey = "Idempotency-Key"

type API struct {
	orch      *lifecycle.Orchestrator
	tracker   *movement.Tracker
	sched     *routes.Scheduler
	endpoints *dispatch.Endpoints
}

func New(orch *lifecycle.Orchestrator, tracker *movement.Tracker, sched *routes.Scheduler, endpoints *dispatch.Endpoints) *API {
	return &API{orch: orch, tracker: tracker, sched: sched, endpoints: endpoints}
}

// Routes mounts every handler on r.
func (a *API) Routes(r chi.Router) {
	r.Route("/shipments", func(r chi.Router) {
		r.Post("/", a.createShipment)
		r.Get("/", a.listShipments)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.getShipment)
			r.Delete("/", a.deleteShipment)
			r.Get("/history", a.history)
			r.Post("/transitions", a.transition)
			r.Post("/cancel", a.cancelShipment)
			r.Get("/custody", a.custody)
			r.Post("/reconcile", a.reconcile)
			r.Get("/legs", a.listLegs)
		})
	})

	r.Post("/scans", a.ingestScan)
	r.Get("/scans", a.listScans)

	r.Post("/legs", a.planLeg)
	r.Post("/legs/{id}/status", a.legUpdate)

	r.Post("/bags", a.createBag)
	r.Get("/bags/{id}", a.getBag)
	r.Post("/bags/{id}/parcels", a.addParcel)
	r.Delete("/bags/{id}/parcels/{sscc}", a.removeParcel)
	r.Post("/bags/{id}/close", a.closeBag)
	r.Post("/bags/{id}/leg", a.assignBag)

	r.Post("/handoffs", a.requestHandoff)
	r.Post("/handoffs/{id}/decision", a.decideHandoff)
	r.Post("/proofs", a.recordProof)

	r.Post("/routes", a.createRoute)
	r.Get("/routes/{id}", a.getRoute)
	r.Post("/routes/{id}/assign", a.assignPending)
	r.Post("/routes/{id}/start", a.startRoute)
	r.Post("/routes/{id}/cancel", a.cancelRoute)
	r.Post("/stops/{id}/arrive", a.arriveStop)
	r.Post("/stops/{id}/complete", a.completeStop)

	r.Post("/webhooks", a.createEndpoint)
	r.Get("/webhooks", a.listEndpoints)
	r.Get("/webhooks/{id}", a.getEndpoint)
	r.Post("/webhooks/{id}/active", a.setEndpointActive)
	r.Get("/deliveries", a.listDeliveries)
	r.Post("/deliveries/{id}/requeue", a.requeueDelivery)
}

type shipmentCreateRequest struct {
	Reference           string              `json:"reference"`
	OriginBranchID      uint64              `json:"origin_branch_id"`
	DestinationBranchID uint64              `json:"destination_branch_id"`
	ServiceLevel        string              `json:"service_level"`
	Mode                models.ShipmentMode `json:"mode"`
	Price               decimal.Decimal     `json:"price"`
	Currency            string              `json:"currency"`
	Recipient           models.Contact      `json:"recipient"`
	Parcels             []string            `json:"parcels"`
	Actor               string              `json:"actor"`
}

func (a *API) createShipment(w http.ResponseWriter, r *http.Request) {
	var req shipmentCreateRequest
	if !decode(w, r, &req) {
		return
	}
	sh, err := a.orch.CreateShipment(r.Context(), models.ShipmentCreateInput(req))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sh)
}

func (a *API) listShipments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.ShipmentFilter{Status: status.Shipment(q.Get("status"))}
	var err error
	if f.BranchID, err = queryUint(q.Get("branch_id")); err != nil {
		writeError(w, err)
		return
	}
	if f.Limit, f.Offset, err = paging(r); err != nil {
		writeError(w, err)
		return
	}
	out, err := a.orch.ListShipments(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shipments": out})
}

func (a *API) getShipment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sh, err := a.orch.GetShipment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sh)
}

func (a *API) deleteShipment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.orch.DeleteShipment(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) history(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	hist, err := a.orch.History(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": hist})
}

type transitionRequest struct {
	To         status.Shipment `json:"to"`
	Actor      string          `json:"actor"`
	Reason     string          `json:"reason"`
	OccurredAt time.Time       `json:"occurred_at"`
}

type transitionResponse struct {
	Transition *models.Transition `json:"transition"`
	Replayed   bool               `json:"replayed"`
}

func (a *API) transition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if !decode(w, r, &req) {
		return
	}
	tr := models.TransitionRequest{
		ShipmentID: id,
		To:         req.To,
		Trigger:    models.TriggerManual,
		Actor:      req.Actor,
		OccurredAt: req.OccurredAt,
	}
	if key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)); key != "" {
		tr.Source = models.SourceRef{Type: models.SourceManual, ID: key}
	}
	if req.Reason != "" {
		tr.Context = map[string]any{"reason": req.Reason}
	}
	res, err := a.orch.ApplyTransition(r.Context(), tr)
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, transitionResponse{Transition: res.Transition, Replayed: res.Replayed})
}

type reasonRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (a *API) cancelShipment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := a.orch.CancelShipment(r.Context(), id, req.Actor, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionResponse{Transition: res.Transition, Replayed: res.Replayed})
}

func (a *API) custody(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	v, err := a.tracker.CustodyView(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rep, err := a.orch.Reconcile(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// StatusFor maps the error taxonomy to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrPreconditionNotMet),
		errors.Is(err, models.ErrStaleEvidence),
		errors.Is(err, models.ErrEmptyBag),
		errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	code := StatusFor(err)
	body := errorBody{Error: err.Error()}
	if reason := lifecycle.RejectionReason(err); code == http.StatusConflict && reason != "internal" {
		body.Reason = reason
	}
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		body.Error = http.StatusText(code)
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, errors.Wrapf(models.ErrValidation, "decode body: %v", err))
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, errors.Wrapf(models.ErrValidation, "bad id %q", chi.URLParam(r, "id")))
		return 0, false
	}
	return id, true
}

func queryUint(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(models.ErrValidation, "bad number %q", s)
	}
	return v, nil
}

func paging(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	l, err := queryUint(q.Get("limit"))
	if err != nil {
		return 0, 0, err
	}
	o, err := queryUint(q.Get("offset"))
	if err != nil {
		return 0, 0, err
	}
	return int(l), int(o), nil
}
