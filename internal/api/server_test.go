package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/khairulanwarjo/gestella/internal/connwatch"
	"github.com/khairulanwarjo/gestella/internal/gatekeeper"
	"github.com/khairulanwarjo/gestella/internal/usage"
)

const testAdminToken = "s3cret"

type fakeSubs struct {
	mu        sync.Mutex
	calls     map[string]gatekeeper.Status
	err       error
	activeErr error
}

func (f *fakeSubs) IsActive(_ context.Context, userID string) (bool, error) {
	if f.activeErr != nil {
		return false, f.activeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[userID] == gatekeeper.StatusActive, nil
}

func (f *fakeSubs) SetSubscription(_ context.Context, userID string, status gatekeeper.Status) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]gatekeeper.Status)
	}
	f.calls[userID] = status
	return nil
}

type fakeAgent struct {
	threadKey, userID, text string
}

func (f *fakeAgent) Respond(_ context.Context, threadKey, userID, text string) string {
	f.threadKey, f.userID, f.text = threadKey, userID, text
	return "echo: " + text
}

type fakeUsage struct {
	start, end time.Time
	sum        *usage.Summary
	err        error
}

func (f *fakeUsage) Summary(_ context.Context, start, end time.Time) (*usage.Summary, error) {
	f.start, f.end = start, end
	return f.sum, f.err
}

type pingFunc func(context.Context) error

func (p pingFunc) PingContext(ctx context.Context) error { return p(ctx) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func do(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSetSubscription(t *testing.T) {
	tests := []struct {
		name     string
		adminTok string
		token    string
		body     string
		storeErr error
		want     int
		wantSet  gatekeeper.Status
	}{
		{name: "activate", adminTok: testAdminToken, token: testAdminToken, body: `{"status":"active"}`, want: http.StatusOK, wantSet: gatekeeper.StatusActive},
		{name: "deactivate", adminTok: testAdminToken, token: testAdminToken, body: `{"status":"inactive"}`, want: http.StatusOK, wantSet: gatekeeper.StatusInactive},
		{name: "missing token", adminTok: testAdminToken, body: `{"status":"active"}`, want: http.StatusUnauthorized},
		{name: "wrong token", adminTok: testAdminToken, token: "nope", body: `{"status":"active"}`, want: http.StatusUnauthorized},
		{name: "admin disabled", token: testAdminToken, body: `{"status":"active"}`, want: http.StatusServiceUnavailable},
		{name: "bad status", adminTok: testAdminToken, token: testAdminToken, body: `{"status":"gold"}`, want: http.StatusBadRequest},
		{name: "bad json", adminTok: testAdminToken, token: testAdminToken, body: `{`, want: http.StatusBadRequest},
		{name: "store failure", adminTok: testAdminToken, token: testAdminToken, body: `{"status":"active"}`, storeErr: errors.New("disk"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subs := &fakeSubs{err: tt.storeErr}
			s := NewServer(Config{AdminToken: tt.adminTok, Users: subs, Logger: testLogger()})

			rec := do(t, s.Handler(), http.MethodPut, "/v1/users/42/subscription", tt.token, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
			if tt.want != http.StatusOK {
				if len(subs.calls) != 0 {
					t.Errorf("store called on rejected request: %v", subs.calls)
				}
				return
			}
			if got := subs.calls["42"]; got != tt.wantSet {
				t.Errorf("stored status = %q, want %q", got, tt.wantSet)
			}
			var resp subscriptionResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.UserID != "42" || resp.Status != string(tt.wantSet) {
				t.Errorf("response = %+v", resp)
			}
		})
	}
}

func TestUnauthorizedHasChallenge(t *testing.T) {
	s := NewServer(Config{AdminToken: testAdminToken, Users: &fakeSubs{}, Logger: testLogger()})
	rec := do(t, s.Handler(), http.MethodPut, "/v1/users/1/subscription", "", `{"status":"active"}`)
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate header")
	}
}

type staticServices map[string]connwatch.ServiceStatus

func (s staticServices) Status() map[string]connwatch.ServiceStatus { return s }

func TestHealth(t *testing.T) {
	up := pingFunc(func(context.Context) error { return nil })
	tests := []struct {
		name       string
		db         Pinger
		services   ServiceStatuses
		wantCode   int
		wantStatus string
	}{
		{name: "no db", wantCode: http.StatusOK, wantStatus: "healthy"},
		{name: "db up", db: up, wantCode: http.StatusOK, wantStatus: "healthy"},
		{
			name:       "db down",
			db:         pingFunc(func(context.Context) error { return errors.New("gone") }),
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
		},
		{
			name:       "services ready",
			db:         up,
			services:   staticServices{"llm": {Name: "llm", Ready: true}},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name: "service down",
			db:   up,
			services: staticServices{
				"llm":    {Name: "llm", Ready: true},
				"qdrant": {Name: "qdrant", LastError: "connection refused"},
			},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(Config{DB: tt.db, Services: tt.services, Logger: testLogger()})
			rec := do(t, s.Handler(), http.MethodGet, "/healthz", "", "")
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			var got healthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("status field = %q, want %q", got.Status, tt.wantStatus)
			}
			if tt.services != nil && len(got.Services) != len(tt.services.Status()) {
				t.Errorf("services = %v, want %d entries", got.Services, len(tt.services.Status()))
			}
		})
	}
}

func TestVersion(t *testing.T) {
	s := NewServer(Config{Logger: testLogger()})
	rec := do(t, s.Handler(), http.MethodGet, "/version", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var info map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(info) == 0 {
		t.Error("empty version info")
	}
}

func TestChat(t *testing.T) {
	agent := &fakeAgent{}
	subs := &fakeSubs{calls: map[string]gatekeeper.Status{"7": gatekeeper.StatusActive}}
	s := NewServer(Config{AdminToken: testAdminToken, Users: subs, Agent: agent, Logger: testLogger()})
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/v1/chat", testAdminToken, `{"message":"hi","user_id":"7"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	var resp ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Response != "echo: hi" || resp.ThreadKey != "api-7" {
		t.Errorf("response = %+v", resp)
	}
	if agent.userID != "7" || agent.threadKey != "api-7" {
		t.Errorf("agent got thread=%q user=%q", agent.threadKey, agent.userID)
	}

	rec = do(t, h, http.MethodPost, "/v1/chat", testAdminToken, `{"message":"hi","user_id":"7","thread_key":"api-notes"}`)
	if rec.Code != http.StatusOK || agent.threadKey != "api-notes" {
		t.Errorf("custom thread: status = %d, thread = %q", rec.Code, agent.threadKey)
	}
}

func TestChat_Refused(t *testing.T) {
	tests := []struct {
		name  string
		subs  *fakeSubs
		body  string
		want  int
		nilDB bool
	}{
		{name: "missing user_id", subs: &fakeSubs{}, body: `{"message":"hi"}`, want: http.StatusBadRequest},
		{
			name: "telegram thread key",
			subs: &fakeSubs{calls: map[string]gatekeeper.Status{"7": gatekeeper.StatusActive}},
			body: `{"message":"hi","user_id":"7","thread_key":"123456"}`,
			want: http.StatusBadRequest,
		},
		{name: "unknown user", subs: &fakeSubs{}, body: `{"message":"hi","user_id":"7"}`, want: http.StatusForbidden},
		{
			name: "revoked user",
			subs: &fakeSubs{calls: map[string]gatekeeper.Status{"7": gatekeeper.StatusInactive}},
			body: `{"message":"hi","user_id":"7"}`,
			want: http.StatusForbidden,
		},
		{
			name: "lookup failure",
			subs: &fakeSubs{activeErr: errors.New("db down")},
			body: `{"message":"hi","user_id":"7"}`,
			want: http.StatusInternalServerError,
		},
		{name: "no user store", body: `{"message":"hi","user_id":"7"}`, want: http.StatusServiceUnavailable, nilDB: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent := &fakeAgent{}
			cfg := Config{AdminToken: testAdminToken, Agent: agent, Logger: testLogger()}
			if !tt.nilDB {
				cfg.Users = tt.subs
			}
			rec := do(t, NewServer(cfg).Handler(), http.MethodPost, "/v1/chat", testAdminToken, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
			if agent.text != "" {
				t.Errorf("agent ran for a refused request: %q", agent.text)
			}
		})
	}
}

func TestChat_AllowAll(t *testing.T) {
	agent := &fakeAgent{}
	s := NewServer(Config{AdminToken: testAdminToken, AllowAll: true, Agent: agent, Logger: testLogger()})
	rec := do(t, s.Handler(), http.MethodPost, "/v1/chat", testAdminToken, `{"message":"hi","user_id":"9"}`)
	if rec.Code != http.StatusOK || agent.userID != "9" {
		t.Errorf("status = %d, agent user = %q", rec.Code, agent.userID)
	}
}

func TestChat_NoAgent(t *testing.T) {
	s := NewServer(Config{AdminToken: testAdminToken, Logger: testLogger()})
	rec := do(t, s.Handler(), http.MethodPost, "/v1/chat", testAdminToken, `{"message":"hi","user_id":"7"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestUsage(t *testing.T) {
	sgt := time.FixedZone("SGT", 8*3600)
	u := &fakeUsage{sum: &usage.Summary{TotalRecords: 3, TotalTurns: 2, TotalInputTokens: 100, TotalOutputTokens: 40, TotalCostUSD: 0.5}}
	s := NewServer(Config{AdminToken: testAdminToken, Usage: u, Location: sgt, Logger: testLogger()})
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/v1/usage?day=2025-03-03", testAdminToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	var resp UsageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Day != "2025-03-03" || resp.Turns != 2 || resp.InputTokens != 100 || resp.CostUSD != 0.5 {
		t.Errorf("response = %+v", resp)
	}
	wantStart := time.Date(2025, 3, 3, 0, 0, 0, 0, sgt)
	if !u.start.Equal(wantStart) {
		t.Errorf("start = %v, want %v", u.start, wantStart)
	}

	rec = do(t, h, http.MethodGet, "/v1/usage?day=March", testAdminToken, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad day: status = %d, want 400", rec.Code)
	}

	u.err = errors.New("db")
	rec = do(t, h, http.MethodGet, "/v1/usage", testAdminToken, "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("store error: status = %d, want 500", rec.Code)
	}
}
