package gcal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"
)

const testClientSecret = `{"installed":{
	"client_id":"cid.apps.googleusercontent.com",
	"client_secret":"shh",
	"auth_uri":"https://accounts.google.com/o/oauth2/auth",
	"token_uri":"https://oauth2.googleapis.com/token",
	"redirect_uris":["http://localhost"]
}}`

func TestNewOAuth_AuthURL(t *testing.T) {
	o, err := NewOAuth([]byte(testClientSecret), "")
	if err != nil {
		t.Fatalf("NewOAuth: %v", err)
	}

	u, err := url.Parse(o.AuthURL("state-123"))
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	checks := map[string]string{
		"access_type":  "offline",
		"prompt":       "consent",
		"redirect_uri": OOBRedirectURL,
		"scope":        "https://www.googleapis.com/auth/calendar",
		"state":        "state-123",
		"client_id":    "cid.apps.googleusercontent.com",
	}
	for k, want := range checks {
		if got := q.Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
}

func TestNewOAuth_Errors(t *testing.T) {
	if _, err := NewOAuth(nil, ""); err != ErrNotConfigured {
		t.Errorf("empty secret err = %v, want ErrNotConfigured", err)
	}
	if _, err := NewOAuth([]byte(`{"nope":{}}`), ""); err == nil {
		t.Error("malformed secret should error")
	}
}

func TestOAuth_Exchange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("code") != "4/good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"access_token":"at","refresh_token":"rt","token_type":"Bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	o := NewOAuthFromConfig(&oauth2.Config{
		ClientID:    "cid",
		Endpoint:    oauth2.Endpoint{TokenURL: srv.URL + "/token"},
		RedirectURL: OOBRedirectURL,
	}, srv.Client())

	tok, err := o.Exchange(context.Background(), "4/good-code")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if tok.AccessToken != "at" || tok.RefreshToken != "rt" {
		t.Errorf("token = %+v", tok)
	}

	if _, err := o.Exchange(context.Background(), "4/bad-code"); err == nil {
		t.Error("bad code should fail")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	in := &oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}
	data, err := MarshalToken(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := UnmarshalToken(data)
	if err != nil {
		t.Fatal(err)
	}
	if out.RefreshToken != "r" || !out.Expiry.Equal(in.Expiry) {
		t.Errorf("round trip = %+v", out)
	}
	if _, err := UnmarshalToken([]byte("{")); err == nil {
		t.Error("garbage should fail")
	}
}

func newCalendarServer(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c := NewClient(option.WithEndpoint(srv.URL + "/"))
	c.now = func() time.Time { return time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC) }
	return c, srv.Close
}

func TestClient_Upcoming(t *testing.T) {
	c, done := newCalendarServer(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/calendars/primary/events") || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		if q.Get("timeMin") != "2025-03-01T08:00:00Z" || q.Get("maxResults") != "10" ||
			q.Get("singleEvents") != "true" || q.Get("orderBy") != "startTime" {
			t.Errorf("query = %v", q)
		}
		if r.Header.Get("Authorization") != "Bearer at" {
			t.Errorf("auth = %q", r.Header.Get("Authorization"))
		}
		io.WriteString(w, `{"items":[
			{"summary":"Standup","start":{"dateTime":"2025-03-01T09:00:00+08:00"}},
			{"summary":"Holiday","start":{"date":"2025-03-02"}}
		]}`)
	})
	defer done()

	events, err := c.Upcoming(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "at"}), 10)
	if err != nil {
		t.Fatalf("Upcoming: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d", len(events))
	}
	if events[0].Start != "2025-03-01T09:00:00+08:00" || events[1].Start != "2025-03-02" {
		t.Errorf("starts = %q, %q", events[0].Start, events[1].Start)
	}
}

func TestClient_Insert(t *testing.T) {
	c, done := newCalendarServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var body struct {
			Summary string `json:"summary"`
			Start   struct {
				DateTime string `json:"dateTime"`
				TimeZone string `json:"timeZone"`
			} `json:"start"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Summary != "Lunch" || body.Start.TimeZone != "Asia/Singapore" || body.Start.DateTime != "2025-03-01T12:00:00" {
			t.Errorf("body = %+v", body)
		}
		io.WriteString(w, `{"summary":"Lunch","htmlLink":"https://calendar.google.com/event?eid=abc"}`)
	})
	defer done()

	ev, err := c.Insert(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "at"}), NewEvent{
		Summary:  "Lunch",
		Start:    "2025-03-01T12:00:00",
		End:      "2025-03-01T13:00:00",
		TimeZone: "Asia/Singapore",
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if ev.Link != "https://calendar.google.com/event?eid=abc" {
		t.Errorf("link = %q", ev.Link)
	}
}

func TestClient_APIError(t *testing.T) {
	c, done := newCalendarServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"error":{"code":403,"message":"insufficient permissions"}}`)
	})
	defer done()

	_, err := c.Upcoming(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "at"}), 10)
	if err == nil || !strings.Contains(err.Error(), "insufficient permissions") {
		t.Fatalf("err = %v", err)
	}
}
