package shipments_api

import (
	"net/http"
	"time"

	"github.com/BearBump/ParcelFlow/internal/broker/messages"
	"github.com/BearBump/ParcelFlow/internal/models"
)

type routeCreateRequest struct {
	DriverID    string    `json:"driver_id"`
	BranchID    uint64    `json:"branch_id"`
	ServiceDate time.Time `json:"service_date"`
	Stops       []struct {
		ShipmentID uint64 `json:"shipment_id"`
		Seq        int    `json:"seq"`
	} `json:"stops"`
}

func (a *API) createRoute(w http.ResponseWriter, r *http.Request) {
	var req routeCreateRequest
	if !decode(w, r, &req) {
		return
	}
	in := models.RouteCreateInput{DriverID: req.DriverID, BranchID: req.BranchID, ServiceDate: req.ServiceDate}
	for _, st := range req.Stops {
		in.Stops = append(in.Stops, models.StopInput{ShipmentID: st.ShipmentID, Seq: st.Seq})
	}
	route, err := a.sched.CreateRoute(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, route)
}

func (a *API) getRoute(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	route, err := a.sched.GetRoute(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (a *API) assignPending(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		BranchID uint64 `json:"branch_id"`
		Limit    int    `json:"limit"`
	}
	if !decode(w, r, &req) {
		return
	}
	route, err := a.sched.AssignPending(r.Context(), id, req.BranchID, req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (a *API) startRoute(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := a.sched.StartRoute(r.Context(), id, req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) cancelRoute(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := a.sched.CancelRoute(r.Context(), id, req.Actor, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) arriveStop(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Actor      string    `json:"actor"`
		OccurredAt time.Time `json:"occurred_at"`
	}
	if !decode(w, r, &req) {
		return
	}
	eff, err := a.sched.ArriveStop(r.Context(), id, req.Actor, req.OccurredAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eff)
}

func (a *API) completeStop(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req messages.StopCompletion
	if !decode(w, r, &req) {
		return
	}
	req.StopID = id
	eff, err := a.sched.CompleteStop(r.Context(), req.Model())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eff)
}
