// Package realtime bridges websocket clients to collab sessions: one
// session per connection, its pushes written to the socket and its
// action surface driven by client messages.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"setlist-sync/internal/collab"
	"setlist-sync/internal/logging"
	"setlist-sync/internal/store"
)

type Options struct {
	JWTSecret []byte
	// AllowedOrigin is the frontend origin. Empty allows any origin.
	AllowedOrigin string
	Session       collab.Options
	Logger        logging.Logger
}

type Server struct {
	hub      *Hub
	docs     store.Documents
	eph      store.Ephemeral
	opts     Options
	log      logging.Logger
	upgrader websocket.Upgrader
}

// NewServer wires the bridge. eph may be nil to run without presence.
func NewServer(hub *Hub, docs store.Documents, eph store.Ephemeral, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	s := &Server{
		hub:  hub,
		docs: docs,
		eph:  eph,
		opts: opts,
		log:  opts.Logger.With("component", "realtime"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.opts.AllowedOrigin == "" {
		return true
	}
	return strings.TrimSuffix(origin, "/") == strings.TrimSuffix(s.opts.AllowedOrigin, "/")
}

// Router builds the chi router with our routes.
func (s *Server) Router(middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	for _, mw := range middlewares {
		r.Use(mw)
	}

	r.Get("/health", s.handleHealth)
	r.With(jwtAuthMiddleware(s.opts.JWTSecret)).Get("/ws", s.handleWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	if err := s.docs.Ping(ctx); err != nil {
		s.log.Warn(ctx, "realtime: health", "err", err)
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"service": "setlist-sync",
		"clients": s.hub.Clients(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	setlistID := r.URL.Query().Get("setlist")
	if setlistID == "" {
		writeError(w, http.StatusBadRequest, "setlist is required")
		return
	}
	claims, ok := claimsFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing claims")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn(r.Context(), "realtime: ws upgrade", "err", err)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	ident := claims.Identity()
	log := s.log.With("user", ident.UserID, "setlist", setlistID)

	session := collab.NewSession(s.docs, s.eph, ident, s.opts.Session)
	client := newClient(s.hub, conn, session, log)
	if !s.hub.Register(client) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
		_ = conn.Close()
		return
	}
	session.Listen(client.listener())

	go client.writePump()

	if err := session.Open(ctx, setlistID); err != nil {
		log.Error(ctx, "realtime: open session", "err", err)
		client.reply("", nil, err)
	}
	log.Info(ctx, "realtime: client connected", "clients", s.hub.Clients())

	go client.readPump(ctx)
}

// RequestLog logs one line per request.
func RequestLog(log logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Info(r.Context(), "req",
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", middleware.GetReqID(r.Context()),
				"ip", r.RemoteAddr,
				"took", time.Since(start),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
