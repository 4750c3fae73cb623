package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/antoniostano/callrelay/internal/calls"
	"github.com/antoniostano/callrelay/internal/config"
	"github.com/antoniostano/callrelay/internal/observability"
	"github.com/antoniostano/callrelay/internal/relay"
	"github.com/antoniostano/callrelay/internal/session"
	"github.com/antoniostano/callrelay/internal/twilio"
)

// TelephonyProvider originates calls, reports their live status and ends them.
type TelephonyProvider interface {
	MakeCall(ctx context.Context, params twilio.MakeCallParams) (*twilio.Call, error)
	GetCall(ctx context.Context, callSID string) (*twilio.Call, error)
	HangupCall(ctx context.Context, callSID string) (*twilio.Call, error)
}

type Deps struct {
	Logger   zerolog.Logger
	Sessions *session.Manager
	Calls    calls.Store
	Provider TelephonyProvider
	Dialer   relay.AgentDialer
	Metrics  *observability.Metrics
}

type Server struct {
	cfg      config.Config
	log      zerolog.Logger
	sessions *session.Manager
	calls    calls.Store
	provider TelephonyProvider
	dialer   relay.AgentDialer
	metrics  *observability.Metrics
	upgrader websocket.Upgrader

	// live counts media stream handlers and the call hangups they spawn.
	live sync.WaitGroup
}

func New(cfg config.Config, deps Deps) *Server {
	sessions := deps.Sessions
	if sessions == nil {
		sessions = session.NewManager(0)
	}
	store := deps.Calls
	if store == nil {
		store = calls.NewInMemoryStore()
	}
	return &Server{
		cfg:      cfg,
		log:      deps.Logger,
		sessions: sessions,
		calls:    store,
		provider: deps.Provider,
		dialer:   deps.Dialer,
		metrics:  deps.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The media stream is opened by the telephony provider, not a browser.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Drain waits for hijacked media stream connections to finish. http.Server's
// Shutdown does not track them, so callers cancel the request base context
// first and then drain.
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.live.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"message": "Server is running"})
	})
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Get("/twilio/inbound_call", s.handleInboundCall)
	r.Post("/twilio/inbound_call", s.handleInboundCall)
	r.Post("/twilio/status", s.handleCallStatus)
	r.Get("/media-stream", s.handleMediaStream)
	r.Post("/outbound-call", s.handleOutboundCall)

	r.Get("/v1/calls", s.handleListCalls)
	r.Get("/v1/calls/{sid}", s.handleGetCall)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := s.dialer != nil && s.provider != nil
	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	respondJSON(w, status, map[string]any{
		"status":            state,
		"agent_configured":  s.dialer != nil,
		"twilio_configured": s.provider != nil,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"active":   s.sessions.ActiveCount(),
		"sessions": s.sessions.List(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotLatency())
}

// publicBase is the externally reachable base URL used in TwiML and callbacks.
func (s *Server) publicBase(r *http.Request) *url.URL {
	if raw := strings.TrimSpace(s.cfg.PublicURL); raw != "" {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			return u
		}
	}
	return &url.URL{Scheme: "https", Host: r.Host}
}

func (s *Server) streamURL(r *http.Request) string {
	u := *s.publicBase(r)
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https", "":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/media-stream"
	u.RawQuery = ""
	return u.String()
}

func (s *Server) callbackURL(r *http.Request, path string) string {
	u := *s.publicBase(r)
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = ""
	return u.String()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		// io.EOF only for a body with no tokens; truncated JSON is
		// io.ErrUnexpectedEOF and stays a decode error.
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
