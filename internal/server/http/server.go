// Package httpserver exposes the local read-only status API.
package httpserver

import (
	"bytes"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/keyrent/internal/poller"
)

const (
	healthPath = "/healthz"
	statusPath = "/status"
)

// Connection reports the realtime link state.
type Connection interface {
	IsConnected() bool
	ReconnectAttempts() int
}

// Subscriptions reports listener counts per event type.
type Subscriptions interface {
	Counts() map[string]int
}

// Sessions lists the live poll sessions.
type Sessions interface {
	Active() []*poller.Session
}

// Sources are the components the status API reads from. Nil fields are reported as empty.
type Sources struct {
	Environment   string
	Connection    Connection
	Subscriptions Subscriptions
	Sessions      Sessions
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	src     Sources
	started time.Time
	now     func() time.Time
}

type sessionPayload struct {
	ResourceID string    `json:"resourceId"`
	Status     string    `json:"status"`
	State      string    `json:"state"`
	StartedAt  time.Time `json:"startedAt"`
}

type statusPayload struct {
	Environment       string           `json:"environment,omitempty"`
	Connected         bool             `json:"connected"`
	ReconnectAttempts int              `json:"reconnectAttempts"`
	Subscriptions     map[string]int   `json:"subscriptions"`
	Sessions          []sessionPayload `json:"sessions"`
	Uptime            string           `json:"uptime"`
}

// NewHandler creates the status API handler.
func NewHandler(src Sources) http.Handler {
	server := &httpServer{src: src, started: time.Now(), now: time.Now}
	mux := http.NewServeMux()

	mux.Handle(healthPath, methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(statusPath, methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.status,
	}))
	return mux
}

// NewServer wraps NewHandler in an http.Server listening on addr.
func NewServer(addr string, src Sources) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewHandler(src),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *httpServer) status(w http.ResponseWriter, _ *http.Request) {
	payload := statusPayload{
		Environment:   s.src.Environment,
		Subscriptions: map[string]int{},
		Sessions:      []sessionPayload{},
		Uptime:        s.now().Sub(s.started).Truncate(time.Second).String(),
	}
	if s.src.Connection != nil {
		payload.Connected = s.src.Connection.IsConnected()
		payload.ReconnectAttempts = s.src.Connection.ReconnectAttempts()
	}
	if s.src.Subscriptions != nil {
		for eventType, n := range s.src.Subscriptions.Counts() {
			payload.Subscriptions[eventType] = n
		}
	}
	if s.src.Sessions != nil {
		for _, session := range s.src.Sessions.Active() {
			payload.Sessions = append(payload.Sessions, sessionPayload{
				ResourceID: session.ResourceID(),
				Status:     session.LastStatus(),
				State:      string(session.State()),
				StartedAt:  session.StartedAt().UTC(),
			})
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(payload); err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(bytes.TrimRight(buf.Bytes(), "\n"))
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
