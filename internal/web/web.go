package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"compasscal/internal/config"
	"compasscal/internal/gcal"
	appLog "compasscal/internal/log"
	"compasscal/internal/model"
	"compasscal/internal/notify"
	"compasscal/internal/store"
)

// Syncer runs the syncs requested over HTTP.
type Syncer interface {
	HandleChannel(ctx context.Context, push gcal.Push) ([]model.Change, error)
	SyncCalendar(ctx context.Context, user, calendar string) ([]model.Change, error)
}

// Server provides the push webhook and the sync API.
type Server struct {
	cfg    *config.Config
	syncer Syncer
	store  *store.Store
	mux    *http.ServeMux
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, syncer Syncer, s *store.Store) *Server {
	srv := &Server{
		cfg:    cfg,
		syncer: syncer,
		store:  s,
		mux:    http.NewServeMux(),
	}
	srv.registerRoutes()
	return srv
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.cfg.BasicAuth.Enabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthMiddleware wraps all handlers except /health and the push
// webhook with HTTP Basic Auth. Google cannot send credentials, so the
// webhook is guarded by the channel token instead.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/api/notifications" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="compasscal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/notifications", s.handleNotification)
	s.mux.HandleFunc("POST /api/sync", s.handleSync)
	s.mux.HandleFunc("GET /api/events/{id}", s.handleEvent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// changesResponse is the JSON response shape of sync endpoints.
type changesResponse struct {
	Changes []model.Change `json:"changes"`
}

// handleNotification receives Google push notifications. The body is
// empty; everything is in the X-Goog-* headers. Pushes are refused unless
// a notification token is configured and matches.
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	push, err := gcal.ParsePushHeaders(r.Header)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.cfg.NotificationToken == "" {
		appLog.Info("push notification rejected, no notification_token configured", "channel", push.ChannelID)
		writeError(w, http.StatusForbidden, "push notifications are disabled")
		return
	}
	if !secureCompare(push.Token, s.cfg.NotificationToken) {
		appLog.Info("push notification rejected", "channel", push.ChannelID)
		writeError(w, http.StatusForbidden, "invalid channel token")
		return
	}

	changes, err := s.syncer.HandleChannel(r.Context(), push)
	s.writeChanges(w, changes, err, "channel", push.ChannelID)
}

// handleSync runs a sync of one calendar on demand.
//
// POST /api/sync?user=u1&calendar=primary
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user, cal := q.Get("user"), q.Get("calendar")
	if user == "" {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}
	if cal == "" {
		cal = "primary"
	}

	changes, err := s.syncer.SyncCalendar(r.Context(), user, cal)
	s.writeChanges(w, changes, err, "user", user, "calendar", cal)
}

// writeChanges maps a sync outcome to a response. Precondition failures
// are client errors; an empty delta is a success.
func (s *Server) writeChanges(w http.ResponseWriter, changes []model.Change, err error, kv ...any) {
	switch {
	case err == nil, errors.Is(err, notify.ErrNoChanges):
		if changes == nil {
			changes = []model.Change{}
		}
		writeJSON(w, http.StatusOK, changesResponse{Changes: changes})
	case errors.Is(err, notify.ErrNoSyncRecord), errors.Is(err, notify.ErrUnknownAccount):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, notify.ErrMissingSyncToken):
		writeError(w, http.StatusConflict, err.Error())
	default:
		appLog.Error("sync failed", err, kv...)
		writeError(w, http.StatusInternalServerError, "sync failed")
	}
}

// eventResponse is a stored event and, for a series base, its instances.
type eventResponse struct {
	Event     model.Event   `json:"event"`
	Instances []model.Event `json:"instances,omitempty"`
}

// handleEvent returns the stored copy of a provider event.
//
// GET /api/events/{providerEventId}?user=u1
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}
	events := s.store.Events(nil)
	ev, found, err := events.FindOne(r.Context(), user, r.PathValue("id"))
	if err != nil {
		appLog.Error("event lookup failed", err, "user", user)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}

	resp := eventResponse{Event: ev}
	if len(ev.Rule()) > 0 {
		resp.Instances, err = events.ListSeries(r.Context(), user, ev.ID)
		if err != nil {
			appLog.Error("series lookup failed", err, "user", user)
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
