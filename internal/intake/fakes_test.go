package intake

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/ticketsmith/internal/directory"
	"github.com/linnemanlabs/ticketsmith/internal/syncro"
)

// fakeSyncro serves a fixed directory, per-customer assets and records
// create-ticket calls.
type fakeSyncro struct {
	mu        sync.Mutex
	customers []syncro.Customer
	contacts  map[int64][]syncro.Contact
	assets    map[int64][]syncro.Asset
	assetErr  error

	createResp *syncro.RawResponse
	createErr  error
	created    []*syncro.CreateTicketRequest
}

func onePage[T any](items []T, err error) iter.Seq2[syncro.Page[T], error] {
	return func(yield func(syncro.Page[T], error) bool) {
		if err != nil {
			yield(syncro.Page[T]{Number: 1}, err)
			return
		}
		yield(syncro.Page[T]{Number: 1, TotalPages: 1, Items: items}, nil)
	}
}

func (f *fakeSyncro) Customers(context.Context) iter.Seq2[syncro.Page[syncro.Customer], error] {
	return onePage(f.customers, nil)
}

func (f *fakeSyncro) Contacts(_ context.Context, id int64) iter.Seq2[syncro.Page[syncro.Contact], error] {
	return onePage(f.contacts[id], nil)
}

func (f *fakeSyncro) Assets(_ context.Context, id int64) iter.Seq2[syncro.Page[syncro.Asset], error] {
	return onePage(f.assets[id], f.assetErr)
}

func (f *fakeSyncro) CreateTicket(_ context.Context, req *syncro.CreateTicketRequest) (*syncro.RawResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.createResp != nil {
		return f.createResp, nil
	}
	return &syncro.RawResponse{StatusCode: 200, Body: []byte(`{"ticket":{"id":555,"number":"1042"}}`)}, nil
}

func (f *fakeSyncro) lastCreated() *syncro.CreateTicketRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

// sampleSyncro has two John Smiths in different organizations, a sole
// proprietor, and a customer with one asset.
func sampleSyncro() *fakeSyncro {
	return &fakeSyncro{
		customers: []syncro.Customer{
			{ID: 1, BusinessName: "Acme Corp"},
			{ID: 2, BusinessName: "Globex"},
			{ID: 3, Firstname: "Dana", Lastname: "Whitfield"},
			{ID: 4, BusinessName: "Initech"},
		},
		contacts: map[int64][]syncro.Contact{
			1: {
				{ID: 10, Name: "John Smith"},
				{ID: 11, Firstname: "Mary", Lastname: "Major"},
			},
			2: {
				{ID: 20, Name: "John Smith"},
				{ID: 21, Firstname: "Hank", Lastname: "Scorpio"},
			},
			4: {
				{ID: 40, Firstname: "Milton", Lastname: "Waddams"},
			},
		},
		assets: map[int64][]syncro.Asset{
			1: {{ID: 100, Name: "zeta-desktop"}, {ID: 101, Name: "Alpha-Laptop"}, {ID: 102}},
			4: {{ID: 400, Name: "MILTON-PC"}},
		},
	}
}

func loadedDirectory(t *testing.T, f *fakeSyncro) *directory.Cache {
	t.Helper()
	c := directory.New(f, log.Nop())
	if !c.Load(context.Background()) {
		t.Fatal("directory load returned false")
	}
	return c
}

// mockCompleter replies with a fixed content or error.
type mockCompleter struct {
	mu      sync.Mutex
	content string
	err     error
	gate    chan struct{}
	calls   int
	last    *CompletionRequest
}

func (m *mockCompleter) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	m.calls++
	m.last = req
	gate := m.gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return &CompletionResponse{Content: m.content, Model: req.Model, Usage: Usage{InputTokens: 300, OutputTokens: 60}}, nil
}

// mockSessionStore implements SessionStore for testing.
type mockSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newMockSessionStore() *mockSessionStore {
	return &mockSessionStore{sessions: make(map[string]*Session)}
}

func (m *mockSessionStore) Get(_ context.Context, id string) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok, nil
}

func (m *mockSessionStore) Put(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID()] = s
	return nil
}

func (m *mockSessionStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *mockSessionStore) DeleteIdle(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.UpdatedAt().Before(before) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *mockSessionStore) Len(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions), nil
}

// mockTicketLog implements TicketLog for testing.
type mockTicketLog struct {
	mu      sync.Mutex
	records []TicketRecord
	err     error
}

func (m *mockTicketLog) Append(_ context.Context, rec *TicketRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, *rec)
	return nil
}

func (m *mockTicketLog) Recent(_ context.Context, limit int) ([]TicketRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TicketRecord, 0, len(m.records))
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}

// mockNotifier records notifications.
type mockNotifier struct {
	mu   sync.Mutex
	got  []TicketRecord
	done chan struct{}
}

func (m *mockNotifier) TicketCreated(_ context.Context, rec *TicketRecord) error {
	m.mu.Lock()
	m.got = append(m.got, *rec)
	m.mu.Unlock()
	if m.done != nil {
		m.done <- struct{}{}
	}
	return nil
}

var errBoom = errors.New("boom")

// waitState polls until the session reaches want or the deadline passes.
func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session state = %q, want %q", s.State(), want)
}
