// Package ws is the realtime operator surface: WebSocket sessions join bus
// topics, receive JSON pushes, and issue commands over the same socket.
// Each session owns its subscriptions; the hub only authenticates upgrades
// and tracks the live session set.
package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stellarops/stellarops/internal/alarm"
	"github.com/stellarops/stellarops/internal/bus"
	"github.com/stellarops/stellarops/internal/command"
	"github.com/stellarops/stellarops/internal/health"
	"github.com/stellarops/stellarops/internal/metrics"
	"github.com/stellarops/stellarops/internal/satellite"
)

// TokenChecker is the slice of the store the hub needs for revocation.
type TokenChecker interface {
	TokenRevoked(ctx context.Context, jti string) (bool, error)
}

// AuthConfig controls session authentication.
type AuthConfig struct {
	// Token is the shared bearer token. Empty means no token auth.
	Token string
	// AllowAnonymous admits sessions without credentials.
	AllowAnonymous bool
	// DevMode also admits anonymous sessions, mirroring the daemon flag.
	DevMode bool
}

// Deps are the collaborators sessions route operations to.
type Deps struct {
	Bus     *bus.Bus
	Fleet   *satellite.Registry
	Queue   *command.Queue
	Alarms  *alarm.Service
	Health  *health.Monitor
	Tokens  TokenChecker
	Metrics *metrics.Metrics
	Log     *zap.Logger
	Auth    AuthConfig
}

// Hub upgrades connections and supervises sessions.
type Hub struct {
	deps     Deps
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]struct{}
}

// NewHub wires the hub. Run is not needed; sessions drive themselves.
func NewHub(deps Deps) *Hub {
	return &Hub{
		deps: deps,
		log:  deps.Log.Named("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[*session]struct{}),
	}
}

// Handler upgrades requests into sessions.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := newSession(h, conn)
		h.add(s)
		h.deps.Metrics.WSSessions.Inc()
		go s.writePump()
		go s.readPump()
	})
}

// authorize checks the bearer token from the Authorization header or the
// token query parameter. Revoked tokens are refused even when they match.
func (h *Hub) authorize(r *http.Request) bool {
	token := bearerToken(r)

	if token == "" {
		return h.deps.Auth.AllowAnonymous || h.deps.Auth.DevMode || h.deps.Auth.Token == ""
	}
	if h.deps.Auth.Token == "" || token != h.deps.Auth.Token {
		return false
	}
	if h.deps.Tokens != nil {
		revoked, err := h.deps.Tokens.TokenRevoked(r.Context(), token)
		if err != nil {
			h.log.Warn("token revocation check failed", zap.Error(err))
			return false
		}
		if revoked {
			return false
		}
	}
	return true
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if t, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return t
		}
	}
	return r.URL.Query().Get("token")
}

// Close tears down every live session.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

// Sessions reports the live session count.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) add(s *session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(s *session) {
	h.mu.Lock()
	_, ok := h.sessions[s]
	delete(h.sessions, s)
	h.mu.Unlock()
	if ok {
		h.deps.Metrics.WSSessions.Dec()
	}
}
