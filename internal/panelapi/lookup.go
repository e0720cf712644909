package panelapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/linnemanlabs/ticketsmith/internal/intake"
	"github.com/linnemanlabs/ticketsmith/internal/syncro"
)

const (
	defaultRecentLimit = 20
	maxRecentLimit     = 200
)

func writeDirectoryUnavailable(w http.ResponseWriter) {
	writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: &intake.ErrorView{Kind: "not_ready", Message: "directory not available"}})
}

func (a *API) handleDirectoryStatus(w http.ResponseWriter, _ *http.Request) {
	if a.dir == nil {
		writeDirectoryUnavailable(w)
		return
	}
	writeJSON(w, http.StatusOK, a.dir.Status())
}

// handleDirectoryRefresh starts a reload in the background. A reload that is
// already running absorbs the request.
func (a *API) handleDirectoryRefresh(w http.ResponseWriter, r *http.Request) {
	if a.dir == nil {
		writeDirectoryUnavailable(w)
		return
	}
	ctx := context.WithoutCancel(r.Context())
	go func() {
		if !a.dir.Load(ctx) {
			a.logger.Info(ctx, "directory refresh skipped, load already running")
		}
	}()
	writeJSON(w, http.StatusAccepted, a.dir.Status())
}

type contactHit struct {
	syncro.Contact
	DisplayName string `json:"display_name"`
}

func (a *API) handleSearchContacts(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		badRequest(w, "q is required")
		return
	}
	if a.search == nil {
		a.writeError(w, r, syncro.ErrNotConfigured, "contact search unavailable")
		return
	}
	contacts, err := a.search.SearchContacts(r.Context(), q)
	if err != nil {
		a.writeError(w, r, fmt.Errorf("%w: %w", intake.ErrTransport, err), "contact search failed")
		return
	}
	hits := make([]contactHit, 0, len(contacts))
	for i := range contacts {
		hits = append(hits, contactHit{Contact: contacts[i], DisplayName: contacts[i].DisplayName()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"contacts": hits})
}

type modelsResponse struct {
	Default string             `json:"default"`
	Models  []intake.ModelInfo `json:"models"`
}

// handleModels lists the backend's models. Without a lister, or when the
// listing fails, only the default model is offered.
func (a *API) handleModels(w http.ResponseWriter, r *http.Request) {
	resp := modelsResponse{Default: a.svc.DefaultModel()}
	if a.models != nil {
		models, err := a.models.ListModels(r.Context())
		if err != nil {
			a.logger.Warn(r.Context(), "model listing failed", "error", err)
		}
		resp.Models = models
	}
	if len(resp.Models) == 0 && resp.Default != "" {
		resp.Models = []intake.ModelInfo{{ID: resp.Default}}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCategories(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"categories": intake.Categories})
}

func (a *API) handleRecentTickets(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecentLimit)
	}
	tickets, err := a.svc.RecentTickets(r.Context(), limit)
	if err != nil {
		a.writeError(w, r, err, "failed to list recent tickets")
		return
	}
	if tickets == nil {
		tickets = []intake.TicketRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickets": tickets})
}
