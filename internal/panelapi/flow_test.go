package panelapi_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/ticketsmith/internal/directory"
	"github.com/linnemanlabs/ticketsmith/internal/intake"
	"github.com/linnemanlabs/ticketsmith/internal/intake/memstore"
	"github.com/linnemanlabs/ticketsmith/internal/panelapi"
	"github.com/linnemanlabs/ticketsmith/internal/syncro"
)

const extraction = `{"organization":"Initech","user":"John Doe","computer_reference":true,` +
	`"subject":"Computer won't boot","issue":"John's computer does not boot.","problem_type":"Hardware"}`

type fixedCompleter struct{ content string }

func (c fixedCompleter) Complete(_ context.Context, req *intake.CompletionRequest) (*intake.CompletionResponse, error) {
	return &intake.CompletionResponse{Content: c.content, Model: req.Model}, nil
}

// tenant is a minimal ticketing service: two customers, one contact, one
// asset, and a tickets endpoint that records what it was sent.
type tenant struct {
	mu      sync.Mutex
	created []map[string]any
}

func (tn *tenant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/customers":
		_, _ = io.WriteString(w, `{"customers":[{"id":1,"business_name":"Acme Corp"},{"id":4,"business_name":"Initech"}],"meta":{"total_pages":1}}`)
	case "/contacts":
		if r.URL.Query().Get("customer_id") == "4" {
			_, _ = io.WriteString(w, `{"contacts":[{"id":41,"name":"John Doe"}],"meta":{"total_pages":1}}`)
			return
		}
		_, _ = io.WriteString(w, `{"contacts":[],"meta":{"total_pages":1}}`)
	case "/customer_assets":
		_, _ = io.WriteString(w, `{"assets":[{"id":400,"name":"JOHN-PC"}],"meta":{"total_pages":1}}`)
	case "/tickets":
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		tn.mu.Lock()
		tn.created = append(tn.created, body)
		tn.mu.Unlock()
		_, _ = io.WriteString(w, `{"ticket":{"id":9001,"number":"9001"}}`)
	default:
		http.NotFound(w, r)
	}
}

func newPanel(t *testing.T) (http.Handler, *tenant) {
	t.Helper()

	tn := &tenant{}
	srv := httptest.NewServer(tn)
	t.Cleanup(srv.Close)

	client := syncro.New("acme-it", "test-key",
		syncro.WithBaseURL(srv.URL),
		syncro.WithHTTPClient(srv.Client()),
		syncro.WithRateLimit(0, 0),
	)
	dir := directory.New(client, log.Nop())
	if !dir.Load(context.Background()) {
		t.Fatal("directory load returned false")
	}

	svc := intake.NewService(intake.Deps{
		Sessions:       memstore.NewSessions(),
		Tickets:        memstore.NewTickets(10),
		Extractor:      intake.NewExtractor(fixedCompleter{content: extraction}, log.Nop(), intake.ExtractHooks{}),
		Resolver:       intake.NewResolver(dir, client, log.Nop()),
		Submitter:      intake.NewSubmitter(client, intake.SubmitterConfig{Subdomain: "acme-it"}, log.Nop()),
		Directory:      dir,
		DefaultModel:   "openai/gpt-4o-mini",
		ExtractTimeout: 5 * time.Second,
	})

	r := chi.NewRouter()
	panelapi.New(panelapi.Deps{Service: svc, Directory: dir, Search: client}).RegisterRoutes(r)
	return r, tn
}

func call(t *testing.T, h http.Handler, method, path, body string, out any) int {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil {
		if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode %v", method, path, err)
		}
	}
	return rec.Code
}

func TestPanelFlow_DescribeReviewSubmit(t *testing.T) {
	t.Parallel()

	h, tn := newPanel(t)

	var v intake.View
	if code := call(t, h, http.MethodPost, "/api/v1/sessions", "", &v); code != http.StatusCreated {
		t.Fatalf("create session = %d", code)
	}
	base := "/api/v1/sessions/" + v.ID

	if code := call(t, h, http.MethodPost, base+"/describe", `{"description":"John Doe at Initech says his computer won't boot"}`, &v); code != http.StatusAccepted {
		t.Fatalf("describe = %d", code)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		call(t, h, http.MethodGet, base, "", &v)
		if v.State == intake.StateReviewing && len(v.Assets) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session did not reach reviewing with assets: %+v", v)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if v.Model != "openai/gpt-4o-mini" {
		t.Errorf("model = %q, want the default", v.Model)
	}
	if v.Draft == nil || v.Draft.CustomerID != 4 || v.Draft.ContactID != 41 {
		t.Fatalf("draft = %+v, want Initech / John Doe", v.Draft)
	}

	if code := call(t, h, http.MethodPatch, base+"/draft", `{"subject":"PC will not power on"}`, &v); code != http.StatusOK {
		t.Fatalf("edit = %d", code)
	}

	var ref intake.TicketRef
	if code := call(t, h, http.MethodPost, base+"/submit", "", &ref); code != http.StatusCreated {
		t.Fatalf("submit = %d", code)
	}
	if ref.ID != 9001 || ref.URL != "https://acme-it.syncromsp.com/tickets/9001" {
		t.Errorf("ref = %+v", ref)
	}

	tn.mu.Lock()
	if len(tn.created) != 1 {
		t.Fatalf("tickets posted = %d, want 1", len(tn.created))
	}
	sent := tn.created[0]
	tn.mu.Unlock()
	if sent["customer_id"] != float64(4) || sent["contact_id"] != float64(41) || sent["subject"] != "PC will not power on" {
		t.Errorf("posted ticket = %v", sent)
	}

	var recent struct {
		Tickets []intake.TicketRecord `json:"tickets"`
	}
	call(t, h, http.MethodGet, "/api/v1/tickets/recent", "", &recent)
	if len(recent.Tickets) != 1 || recent.Tickets[0].TicketID != 9001 || recent.Tickets[0].SessionID != v.ID {
		t.Errorf("recent = %+v", recent.Tickets)
	}

	if code := call(t, h, http.MethodDelete, base, "", nil); code != http.StatusNoContent {
		t.Errorf("close = %d", code)
	}
	if code := call(t, h, http.MethodGet, base, "", nil); code != http.StatusNotFound {
		t.Errorf("get after close = %d, want 404", code)
	}
}

func TestPanelFlow_SubmitBeforeDescribe(t *testing.T) {
	t.Parallel()

	h, _ := newPanel(t)

	var v intake.View
	call(t, h, http.MethodPost, "/api/v1/sessions", "", &v)

	if code := call(t, h, http.MethodPost, "/api/v1/sessions/"+v.ID+"/submit", "", nil); code != http.StatusConflict {
		t.Errorf("submit while idle = %d, want 409", code)
	}
	if code := call(t, h, http.MethodPost, "/api/v1/sessions/"+v.ID+"/describe", `{"description":"   "}`, nil); code != http.StatusUnprocessableEntity {
		t.Errorf("blank describe = %d, want 422", code)
	}
}

func TestPanelFlow_DirectoryStatus(t *testing.T) {
	t.Parallel()

	h, _ := newPanel(t)

	var st directory.Status
	if code := call(t, h, http.MethodGet, "/api/v1/directory", "", &st); code != http.StatusOK {
		t.Fatalf("directory = %d", code)
	}
	if st.State != directory.StateReady || st.Customers != 2 || st.Contacts != 1 || st.Loads != 1 {
		t.Errorf("status = %+v", st)
	}
}
