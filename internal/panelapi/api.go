// Package panelapi serves the JSON API the ticket panel talks to.
package panelapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/ticketsmith/internal/directory"
	"github.com/linnemanlabs/ticketsmith/internal/intake"
	"github.com/linnemanlabs/ticketsmith/internal/syncro"
)

// IntakeService defines the session operations panelapi needs.
type IntakeService interface {
	NewSession(ctx context.Context) (intake.View, error)
	View(ctx context.Context, id string) (intake.View, error)
	Describe(ctx context.Context, id, description, model string) (intake.View, error)
	Choose(ctx context.Context, id string, index int) (intake.View, error)
	SelectOrganization(ctx context.Context, id string, customerID int64) (intake.View, error)
	SelectContact(ctx context.Context, id string, contactID int64) (intake.View, error)
	SelectAsset(ctx context.Context, id string, assetID int64) (intake.View, error)
	Edit(ctx context.Context, id string, p intake.DraftPatch) (intake.View, error)
	Submit(ctx context.Context, id string) (*intake.TicketRef, error)
	Reset(ctx context.Context, id string) (intake.View, error)
	Close(ctx context.Context, id string) error
	RecentTickets(ctx context.Context, limit int) ([]intake.TicketRecord, error)
	DefaultModel() string
}

// Directory is the cache surface behind the directory routes.
type Directory interface {
	Status() directory.Status
	Load(ctx context.Context) bool
}

// ContactSearcher runs the ticketing service's full-text contact search.
type ContactSearcher interface {
	SearchContacts(ctx context.Context, query string) ([]syncro.Contact, error)
}

// Deps are the collaborators of an API. Service is required.
type Deps struct {
	Service   IntakeService
	Directory Directory
	Search    ContactSearcher
	Models    intake.ModelLister
	Logger    log.Logger
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    IntakeService
	dir    Directory
	search ContactSearcher
	models intake.ModelLister
}

// New creates a new API handler.
func New(d Deps) *API {
	if d.Logger == nil {
		d.Logger = log.Nop()
	}
	if d.Service == nil {
		panic(xerrors.New("intake service is required"))
	}
	return &API{
		logger: d.Logger,
		svc:    d.Service,
		dir:    d.Directory,
		search: d.Search,
		models: d.Models,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/sessions", a.handleNewSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", a.handleGetSession)
			r.Delete("/", a.handleCloseSession)
			r.Post("/describe", a.handleDescribe)
			r.Post("/choose", a.handleChoose)
			r.Put("/organization", a.handleSelectOrganization)
			r.Put("/contact", a.handleSelectContact)
			r.Put("/asset", a.handleSelectAsset)
			r.Patch("/draft", a.handleEdit)
			r.Post("/submit", a.handleSubmit)
			r.Post("/reset", a.handleReset)
		})

		r.Get("/directory", a.handleDirectoryStatus)
		r.Post("/directory/refresh", a.handleDirectoryRefresh)
		r.Get("/contacts/search", a.handleSearchContacts)
		r.Get("/models", a.handleModels)
		r.Get("/categories", a.handleCategories)
		r.Get("/tickets/recent", a.handleRecentTickets)
	})
}

type errorResponse struct {
	Error *intake.ErrorView `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: &intake.ErrorView{Kind: "bad_request", Message: msg}})
}

// writeError maps an intake error onto a status and the panel's error body.
// Unclassified errors are logged and reported as internal.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	view := intake.ClassifyError(err)
	var te *intake.TransitionError

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, intake.ErrSessionNotFound):
		status, view.Kind = http.StatusNotFound, "not_found"
	case errors.Is(err, intake.ErrBusy):
		status, view.Kind = http.StatusConflict, "busy"
	case errors.As(err, &te):
		status, view.Kind = http.StatusConflict, "transition"
	case errors.Is(err, intake.ErrUnknownEntity):
		status, view.Kind = http.StatusBadRequest, "unknown_selection"
	case errors.Is(err, directory.ErrNotReady):
		status, view.Kind = http.StatusServiceUnavailable, "not_ready"
	case errors.Is(err, syncro.ErrNotConfigured):
		status, view.Kind = http.StatusServiceUnavailable, "configuration"
	case view.Kind == "validation":
		status = http.StatusUnprocessableEntity
	case view.Kind == "configuration":
		status = http.StatusServiceUnavailable
	case view.Kind == "shape", view.Kind == "transport", view.Kind == "submission":
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		a.logger.Error(r.Context(), err, msg, "status", status, "kind", view.Kind)
		if status == http.StatusInternalServerError {
			view.Message = "internal error"
		}
	}
	writeJSON(w, status, errorResponse{Error: view})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
