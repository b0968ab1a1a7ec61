package shipments_api

import (
	"net/http"

	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/BearBump/ParcelFlow/internal/services/dispatch"
	"github.com/BearBump/ParcelFlow/internal/status"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// endpointView exposes whether a secret is set without the secret itself.
type endpointView struct {
	*models.WebhookEndpoint
	HasSecret bool `json:"has_secret"`
}

func viewOf(ep *models.WebhookEndpoint) endpointView {
	return endpointView{WebhookEndpoint: ep, HasSecret: ep.Secret != ""}
}

func (a *API) createEndpoint(w http.ResponseWriter, r *http.Request) {
	var req dispatch.EndpointInput
	if !decode(w, r, &req) {
		return
	}
	ep, err := a.endpoints.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	// the secret is shown once, on creation
	writeJSON(w, http.StatusCreated, struct {
		endpointView
		Secret string `json:"secret"`
	}{viewOf(ep), ep.Secret})
}

func (a *API) listEndpoints(w http.ResponseWriter, r *http.Request) {
	eps, err := a.endpoints.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]endpointView, 0, len(eps))
	for _, ep := range eps {
		out = append(out, viewOf(ep))
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": out})
}

func (a *API) getEndpoint(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ep, err := a.endpoints.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(ep))
}

func (a *API) setEndpointActive(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Active bool `json:"active"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := a.endpoints.SetActive(r.Context(), id, req.Active); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.DeliveryFilter{Status: status.Delivery(q.Get("status"))}
	var err error
	if f.EndpointID, err = queryUint(q.Get("endpoint_id")); err != nil {
		writeError(w, err)
		return
	}
	if f.Limit, f.Offset, err = paging(r); err != nil {
		writeError(w, err)
		return
	}
	out, err := a.endpoints.Deliveries(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": out})
}

func (a *API) requeueDelivery(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, errors.Wrapf(models.ErrValidation, "bad delivery id %q", chi.URLParam(r, "id")))
		return
	}
	d, err := a.endpoints.Requeue(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
