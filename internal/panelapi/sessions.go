package panelapi

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/ticketsmith/internal/intake"
)

// sessionID reads the id path parameter and tags the request span with it.
func sessionID(r *http.Request) string {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("ticketsmith.session.id", id))
	return id
}

func (a *API) writeView(w http.ResponseWriter, r *http.Request, status int, v intake.View) {
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("ticketsmith.session.state", string(v.State)))
	writeJSON(w, status, v)
}

func (a *API) handleNewSession(w http.ResponseWriter, r *http.Request) {
	v, err := a.svc.NewSession(r.Context())
	if err != nil {
		a.writeError(w, r, err, "failed to open session")
		return
	}
	w.Header().Set("Location", "/api/v1/sessions/"+v.ID)
	a.writeView(w, r, http.StatusCreated, v)
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	v, err := a.svc.View(r.Context(), sessionID(r))
	if err != nil {
		a.writeError(w, r, err, "failed to get session")
		return
	}
	a.writeView(w, r, http.StatusOK, v)
}

func (a *API) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Close(r.Context(), sessionID(r)); err != nil {
		a.writeError(w, r, err, "failed to close session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type describeRequest struct {
	Description string `json:"description"`
	Model       string `json:"model"`
}

func (a *API) handleDescribe(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	var req describeRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid payload")
		return
	}
	v, err := a.svc.Describe(r.Context(), id, req.Description, req.Model)
	if err != nil {
		a.writeError(w, r, err, "failed to start extraction")
		return
	}
	a.writeView(w, r, http.StatusAccepted, v)
}

type chooseRequest struct {
	Index *int `json:"index"`
}

func (a *API) handleChoose(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	var req chooseRequest
	if err := decode(r, &req); err != nil || req.Index == nil {
		badRequest(w, "index is required")
		return
	}
	v, err := a.svc.Choose(r.Context(), id, *req.Index)
	if err != nil {
		a.writeError(w, r, err, "failed to choose candidate")
		return
	}
	a.writeView(w, r, http.StatusOK, v)
}

type selectRequest struct {
	CustomerID *int64 `json:"customer_id,omitempty"`
	ContactID  *int64 `json:"contact_id,omitempty"`
	AssetID    *int64 `json:"asset_id,omitempty"`
}

func (a *API) handleSelectOrganization(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	var req selectRequest
	if err := decode(r, &req); err != nil || req.CustomerID == nil || *req.CustomerID <= 0 {
		badRequest(w, "customer_id is required")
		return
	}
	v, err := a.svc.SelectOrganization(r.Context(), id, *req.CustomerID)
	if err != nil {
		a.writeError(w, r, err, "failed to select organization")
		return
	}
	a.writeView(w, r, http.StatusOK, v)
}

// handleSelectContact accepts contact_id 0 to clear the contact.
func (a *API) handleSelectContact(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	var req selectRequest
	if err := decode(r, &req); err != nil || req.ContactID == nil || *req.ContactID < 0 {
		badRequest(w, "contact_id is required")
		return
	}
	v, err := a.svc.SelectContact(r.Context(), id, *req.ContactID)
	if err != nil {
		a.writeError(w, r, err, "failed to select contact")
		return
	}
	a.writeView(w, r, http.StatusOK, v)
}

func (a *API) handleSelectAsset(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	var req selectRequest
	if err := decode(r, &req); err != nil || req.AssetID == nil || *req.AssetID < 0 {
		badRequest(w, "asset_id is required")
		return
	}
	v, err := a.svc.SelectAsset(r.Context(), id, *req.AssetID)
	if err != nil {
		a.writeError(w, r, err, "failed to select asset")
		return
	}
	a.writeView(w, r, http.StatusOK, v)
}

func (a *API) handleEdit(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	var p intake.DraftPatch
	if err := decode(r, &p); err != nil {
		badRequest(w, "invalid payload")
		return
	}
	v, err := a.svc.Edit(r.Context(), id, p)
	if err != nil {
		a.writeError(w, r, err, "failed to edit draft")
		return
	}
	a.writeView(w, r, http.StatusOK, v)
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	ref, err := a.svc.Submit(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to submit ticket")
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Int64("syncro.ticket_id", ref.ID))
	writeJSON(w, http.StatusCreated, ref)
}

func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	v, err := a.svc.Reset(r.Context(), sessionID(r))
	if err != nil {
		a.writeError(w, r, err, "failed to reset session")
		return
	}
	a.writeView(w, r, http.StatusOK, v)
}
