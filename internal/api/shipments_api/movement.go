package shipments_api

import (
	"net/http"
	"strings"

	"github.com/BearBump/ParcelFlow/internal/broker/messages"
	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/BearBump/ParcelFlow/internal/services/movement"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

func (a *API) ingestScan(w http.ResponseWriter, r *http.Request) {
	var req messages.ScanEvent
	if !decode(w, r, &req) {
		return
	}
	res, err := a.tracker.IngestScan(r.Context(), req.Model())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (a *API) listScans(w http.ResponseWriter, r *http.Request) {
	sscc := strings.TrimSpace(r.URL.Query().Get("sscc"))
	if sscc == "" {
		writeError(w, errors.Wrap(models.ErrValidation, "sscc is required"))
		return
	}
	limit, _, err := paging(r)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := a.tracker.ListScans(r.Context(), sscc, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scans": out})
}

func (a *API) planLeg(w http.ResponseWriter, r *http.Request) {
	var req movement.LegPlanInput
	if !decode(w, r, &req) {
		return
	}
	leg, err := a.tracker.PlanLeg(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, leg)
}

func (a *API) listLegs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	legs, err := a.tracker.ListLegs(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"legs": legs})
}

func (a *API) legUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req messages.LegStatusUpdate
	if !decode(w, r, &req) {
		return
	}
	res, err := a.tracker.ApplyLegUpdate(r.Context(), movement.LegUpdate{
		LegID:      id,
		Status:     req.Status,
		OccurredAt: req.OccurredAt,
		Actor:      req.Actor,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) createBag(w http.ResponseWriter, r *http.Request) {
	var req movement.BagCreateInput
	if !decode(w, r, &req) {
		return
	}
	b, err := a.tracker.CreateBag(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (a *API) getBag(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	b, err := a.tracker.GetBag(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) addParcel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		SSCC string `json:"sscc"`
	}
	if !decode(w, r, &req) {
		return
	}
	b, err := a.tracker.AddParcel(r.Context(), id, req.SSCC)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) removeParcel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	b, err := a.tracker.RemoveParcel(r.Context(), id, chi.URLParam(r, "sscc"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) closeBag(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	b, err := a.tracker.CloseBag(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) assignBag(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		LegID uint64 `json:"leg_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	b, err := a.tracker.AssignBagToLeg(r.Context(), id, req.LegID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) requestHandoff(w http.ResponseWriter, r *http.Request) {
	var req movement.HandoffRequest
	if !decode(w, r, &req) {
		return
	}
	h, err := a.tracker.RequestHandoff(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h)
}

func (a *API) decideHandoff(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req messages.HandoffDecision
	if !decode(w, r, &req) {
		return
	}
	h, err := a.tracker.DecideHandoff(r.Context(), movement.HandoffDecision{
		HandoffID:  id,
		Approved:   req.Approved,
		ApproverID: req.ApproverID,
		Reason:     req.Reason,
		OccurredAt: req.OccurredAt,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (a *API) recordProof(w http.ResponseWriter, r *http.Request) {
	var req movement.PODInput
	if !decode(w, r, &req) {
		return
	}
	p, err := a.tracker.RecordProofOfDelivery(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}
