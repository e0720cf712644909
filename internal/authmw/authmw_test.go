package authmw

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})

const panelToken = "panel-token-123"

func TestBearerToken_ValidToken(t *testing.T) {
	t.Parallel()

	h := BearerToken(panelToken)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/directory", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+panelToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestBearerToken_Rejects(t *testing.T) {
	t.Parallel()

	h := BearerToken(panelToken)(okHandler)

	tests := []struct {
		name   string
		method string
		value  string
	}{
		{"missing header", http.MethodGet, ""},
		{"Basic auth", http.MethodGet, "Basic dXNlcjpwYXNz"},
		{"lowercase bearer", http.MethodGet, "bearer " + panelToken},
		{"no prefix", http.MethodGet, panelToken},
		{"wrong token", http.MethodPost, "Bearer wrong-token"},
		{"partial match", http.MethodPost, "Bearer panel-token"},
		{"token with suffix", http.MethodPost, "Bearer " + panelToken + "-extra"},
		{"empty token", http.MethodPost, "Bearer "},
		{"plain OPTIONS is not a preflight", http.MethodOptions, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(tt.method, "/api/v1/sessions", http.NoBody)
			if tt.value != "" {
				req.Header.Set("Authorization", tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestBearerToken_PassesRequestThrough(t *testing.T) {
	t.Parallel()

	var called bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusCreated)
	})

	h := BearerToken("tok")(inner)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", http.NoBody)
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !called {
		t.Error("inner handler was not called")
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
}

func TestBearerToken_PreflightSkipsAuth(t *testing.T) {
	t.Parallel()

	h := BearerToken(panelToken)(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/sessions", http.NoBody)
	req.Header.Set("Origin", "https://acme-it.syncromsp.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestCORS_Preflight(t *testing.T) {
	t.Parallel()

	// CORS sits outside auth, the way main wires it.
	h := CORS([]string{"https://*.syncromsp.com"})(BearerToken(panelToken)(okHandler))

	tests := []struct {
		name      string
		origin    string
		wantAllow string
	}{
		{"tenant origin", "https://acme-it.syncromsp.com", "https://acme-it.syncromsp.com"},
		{"foreign origin", "https://evil.example.com", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodOptions, "/api/v1/sessions", http.NoBody)
			req.Header.Set("Origin", tt.origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			req.Header.Set("Access-Control-Request-Headers", "Authorization, Content-Type")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code == http.StatusUnauthorized {
				t.Fatal("preflight reached auth and was rejected")
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
		})
	}
}

func TestCORS_ActualRequest(t *testing.T) {
	t.Parallel()

	h := CORS([]string{"https://*.syncromsp.com"})(BearerToken(panelToken)(okHandler))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/directory", http.NoBody)
	req.Header.Set("Origin", "https://acme-it.syncromsp.com")
	req.Header.Set("Authorization", "Bearer "+panelToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://acme-it.syncromsp.com" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}
