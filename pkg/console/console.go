// Package console is the HTTP surface the dispatch UI talks to: the live
// map stream, notification stream, flag-relocation actions, and the
// active-incident lookup. It sits on top of the reconciler and map view
// and adds the serving concerns: role gating, per-IP limits, upstream
// caching.
package console

import (
	"context"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/socsahar/ElgarAdmin-sub001/pkg/events"
	"github.com/socsahar/ElgarAdmin-sub001/pkg/mapview"
	"github.com/socsahar/ElgarAdmin-sub001/pkg/presence"
	"github.com/socsahar/ElgarAdmin-sub001/pkg/reconcile"
)

// commandRoles is the fixed allow-list for live-tracking visibility.
// Ordinary volunteers see their own mission screen, never the whole map.
var commandRoles = map[string]struct{}{
	"admin":      {},
	"dispatcher": {},
	"commander":  {},
}

// AllowedToView reports whether a role may watch live tracking.
func AllowedToView(role string) bool {
	_, ok := commandRoles[role]
	return ok
}

// EntryFeed is the reconciler surface the console consumes.
// *reconcile.Reconciler satisfies it.
type EntryFeed interface {
	Subscribe(ctx context.Context) <-chan []reconcile.MapEntry
	Snapshot() []reconcile.MapEntry
}

// EventLister is the upstream incident lookup. *events.Client satisfies it.
type EventLister interface {
	ActiveWithCoordinates(ctx context.Context) ([]events.Event, error)
}

// Config wires a Server.
type Config struct {
	Feed      EntryFeed
	View      *mapview.View
	Events    EventLister
	PublicURL string        // the address encoded in the QR code
	CacheTTL  time.Duration // active-events cache; zero disables
	Cooldown  time.Duration // per-IP stream reconnect cooldown
	Logf      func(string, ...any)
}

// Server is the console HTTP layer. Create with NewServer, register
// Routes on a mux, and Close on shutdown.
type Server struct {
	feed      EntryFeed
	view      *mapview.View
	events    EventLister
	bus       *notifyBus
	limiter   *Limiter
	cache     *upstreamCache
	publicURL string
	logf      func(string, ...any)
}

// NewServer builds the console layer and starts its helper goroutines.
func NewServer(cfg Config) *Server {
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 2 * time.Second
	}
	return &Server{
		feed:      cfg.Feed,
		view:      cfg.View,
		events:    cfg.Events,
		bus:       newNotifyBus(),
		limiter:   NewLimiter(cfg.Cooldown),
		cache:     newUpstreamCache(cfg.CacheTTL),
		publicURL: cfg.PublicURL,
		logf:      cfg.Logf,
	}
}

// Close stops the helper goroutines.
func (s *Server) Close() {
	s.bus.stop()
	s.cache.close()
	s.limiter.Stop()
}

// Notify forwards one presence notification to attached clients. main
// pumps the presence channel's notification stream through here.
func (s *Server) Notify(n presence.Notification) { s.bus.Publish(n) }

// Routes registers all console endpoints on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /stream/map", s.streamMapHandler)
	mux.HandleFunc("GET /stream/notifications", s.streamNotificationsHandler)
	mux.HandleFunc("GET /stream/centers", s.streamCentersHandler)
	mux.HandleFunc("GET /api/map", s.mapSnapshotHandler)
	mux.HandleFunc("GET /api/events/active", s.activeEventsHandler)
	mux.HandleFunc("POST /api/focus/{volunteerId}", s.focusHandler)
	mux.HandleFunc("POST /api/focus-clear", s.focusClearHandler)
	mux.HandleFunc("POST /api/events/{id}/flag/drag", s.flagDragHandler)
	mux.HandleFunc("POST /api/events/{id}/flag/confirm", s.flagConfirmHandler)
	mux.HandleFunc("POST /api/events/{id}/flag/cancel", s.flagCancelHandler)
	mux.HandleFunc("GET /qr.png", s.qrHandler)
	mux.HandleFunc("GET /{$}", s.indexHandler)
}

// requireCommandRole enforces the visibility gate. The session layer in
// front of the console authenticates the user and forwards the role; the
// console only checks it against the allow-list.
func (s *Server) requireCommandRole(w http.ResponseWriter, r *http.Request) bool {
	role := r.Header.Get("X-User-Role")
	if role == "" {
		role = r.URL.Query().Get("role")
	}
	if !AllowedToView(role) {
		http.Error(w, "live tracking restricted to command roles", http.StatusForbidden)
		return false
	}
	return true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
