package twilio

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(Config{AuthToken: "x"}); err == nil {
		t.Fatalf("expected error without account sid")
	}
	if _, err := New(Config{AccountSID: "AC1"}); err == nil {
		t.Fatalf("expected error without auth token")
	}
}

func TestMakeCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/Accounts/AC1/Calls.json" {
			http.NotFound(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC1" || pass != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("To") != "+15551234567" || r.PostForm.Get("From") != "+15550000000" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !strings.Contains(r.PostForm.Get("Twiml"), "<Stream") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"CA0001","status":"queued","to":"+15551234567","from":"+15550000000"}`))
	}))
	defer srv.Close()

	c, err := New(Config{AccountSID: "AC1", AuthToken: "tok", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	twiml, err := StreamTwiML("wss://relay.example/media-stream", nil)
	if err != nil {
		t.Fatalf("StreamTwiML() error = %v", err)
	}
	call, err := c.MakeCall(context.Background(), MakeCallParams{To: "+15551234567", From: "+15550000000", Twiml: twiml})
	if err != nil {
		t.Fatalf("MakeCall() error = %v", err)
	}
	if call.SID != "CA0001" || call.Status != CallStatusQueued {
		t.Fatalf("unexpected call: %+v", call)
	}
}

func TestMakeCallProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"Invalid 'To' Phone Number","more_info":"https://www.twilio.com/docs/errors/21211","status":400}`))
	}))
	defer srv.Close()

	c, _ := New(Config{AccountSID: "AC1", AuthToken: "tok", BaseURL: srv.URL})
	_, err := c.MakeCall(context.Background(), MakeCallParams{To: "bogus", From: "+15550000000"})
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *Error", err)
	}
	if apiErr.Code != 21211 || apiErr.Status != 400 {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
	if !strings.Contains(apiErr.Error(), "Invalid 'To' Phone Number") {
		t.Fatalf("Error() = %q", apiErr.Error())
	}
}

func TestNonJSONErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	}))
	defer srv.Close()

	c, _ := New(Config{AccountSID: "AC1", AuthToken: "tok", BaseURL: srv.URL, RetryBackoff: time.Millisecond})
	_, err := c.GetCall(context.Background(), "CA1")
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *Error", err)
	}
	if apiErr.Status != http.StatusBadGateway || apiErr.Message != "upstream exploded" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestGetCallRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sid":"CA1","status":"in-progress"}`))
	}))
	defer srv.Close()

	c, _ := New(Config{AccountSID: "AC1", AuthToken: "tok", BaseURL: srv.URL, RetryBackoff: time.Millisecond})
	call, err := c.GetCall(context.Background(), "CA1")
	if err != nil {
		t.Fatalf("GetCall() error = %v", err)
	}
	if call.Status != CallStatusInProgress || hits.Load() != 3 {
		t.Fatalf("status = %q after %d hits", call.Status, hits.Load())
	}
}

func TestMakeCallIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _ := New(Config{AccountSID: "AC1", AuthToken: "tok", BaseURL: srv.URL, RetryBackoff: time.Millisecond})
	if _, err := c.MakeCall(context.Background(), MakeCallParams{To: "+1", From: "+2", Twiml: "<Response/>"}); err == nil {
		t.Fatal("MakeCall() error = nil, want provider error")
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("hits = %d, want 1", n)
	}
}

func TestHangupCall(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/Accounts/AC1/Calls/CA1.json" {
			http.NotFound(w, r)
			return
		}
		posts.Add(1)
		if err := r.ParseForm(); err != nil || r.PostForm.Get("Status") != CallStatusCompleted {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sid":"CA1","status":"completed"}`))
	}))
	defer srv.Close()

	c, _ := New(Config{AccountSID: "AC1", AuthToken: "tok", BaseURL: srv.URL})
	call, err := c.HangupCall(context.Background(), "CA1")
	if err != nil {
		t.Fatalf("HangupCall() error = %v", err)
	}
	if call.Status != CallStatusCompleted {
		t.Fatalf("status = %q, want %q", call.Status, CallStatusCompleted)
	}
	if got := posts.Load(); got != 1 {
		t.Fatalf("posts = %d, want 1", got)
	}
}

func TestHangupCallFailureIsNotRetried(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"code":20003,"message":"unavailable","status":503}`))
	}))
	defer srv.Close()

	c, _ := New(Config{AccountSID: "AC1", AuthToken: "tok", BaseURL: srv.URL, RetryBackoff: time.Millisecond})
	_, err := c.HangupCall(context.Background(), "CA1")
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("error = %v, want 503 *Error", err)
	}
	if got := posts.Load(); got != 1 {
		t.Fatalf("posts = %d, want 1", got)
	}
}

func TestStreamTwiML(t *testing.T) {
	got, err := StreamTwiML("wss://relay.example/media-stream?a=1&b=2", map[string]string{"direction": "outbound", "call": "x"})
	if err != nil {
		t.Fatalf("StreamTwiML() error = %v", err)
	}
	want := `<?xml version="1.0" encoding="UTF-8"?>` + "\n" +
		`<Response><Connect><Stream url="wss://relay.example/media-stream?a=1&amp;b=2">` +
		`<Parameter name="call" value="x"></Parameter><Parameter name="direction" value="outbound"></Parameter>` +
		`</Stream></Connect></Response>`
	if got != want {
		t.Fatalf("StreamTwiML() =\n%s\nwant\n%s", got, want)
	}
}
