package console

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

//go:embed public_html/index.html
var content embed.FS

// streamMapHandler pushes the reconciled entry list over Server-Sent
// Events: the current list on attach, then one frame per structural
// change. Position-only updates ride the periodic keepalive snapshot so
// clients still see movement without a frame per GPS tick.
func (s *Server) streamMapHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireCommandRole(w, r) {
		return
	}
	permit, err := s.limiter.Acquire(r.Context(), clientIP(r), RequestStream)
	if err != nil {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	defer permit.Release()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	ctx := r.Context()
	updates := s.feed.Subscribe(ctx)
	send := func(entries any) {
		b, err := json.Marshal(entries)
		if err != nil {
			s.logf("[console] encode map frame: %v", err)
			return
		}
		fmt.Fprintf(w, "event: map\ndata: %s\n\n", b)
		flusher.Flush()
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case entries, ok := <-updates:
			if !ok {
				return
			}
			send(entries)
		case <-keepalive.C:
			// Refresh positions between structural changes.
			send(s.feed.Snapshot())
		}
	}
}

// streamNotificationsHandler relays domain notifications. Payloads pass
// through exactly as the dispatch server sent them.
func (s *Server) streamNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireCommandRole(w, r) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	ctx := r.Context()
	for n := range s.bus.Subscribe(ctx, 16) {
		b, err := json.Marshal(n)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Event, b)
		flusher.Flush()
	}
}

// streamCentersHandler relays camera updates for the focused volunteer.
// The view produces a single center stream, so this endpoint serves the
// screen that owns the highlight.
func (s *Server) streamCentersHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireCommandRole(w, r) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-s.view.Centers():
			b, err := json.Marshal(u)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: center\ndata: %s\n\n", b)
			flusher.Flush()
		}
	}
}

func (s *Server) mapSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireCommandRole(w, r) {
		return
	}
	permit, err := s.limiter.Acquire(r.Context(), clientIP(r), RequestGeneral)
	if err != nil {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	defer permit.Release()

	writeJSON(w, s.feed.Snapshot())
}

// activeEventsHandler proxies the upstream active-incident list through
// the response cache.
func (s *Server) activeEventsHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireCommandRole(w, r) {
		return
	}
	permit, err := s.limiter.Acquire(r.Context(), clientIP(r), RequestGeneral)
	if err != nil {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	defer permit.Release()

	data, err := s.cache.get(r.Context(), "events-active", s.loadActiveEvents)
	if err != nil {
		s.logf("[console] active events fetch: %v", err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) loadActiveEvents(ctx context.Context) ([]byte, error) {
	list, err := s.events.ActiveWithCoordinates(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(list)
}

// RefreshEvents warms the active-incident cache ahead of client demand.
// The scheduler in main calls this on a fixed cadence so console loads
// hit a warm cache instead of the upstream.
func (s *Server) RefreshEvents(ctx context.Context) error {
	_, err := s.cache.get(ctx, "events-active", s.loadActiveEvents)
	return err
}

func (s *Server) focusHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireCommandRole(w, r) {
		return
	}
	focused := s.view.Focus(r.PathValue("volunteerId"))
	writeJSON(w, map[string]bool{"focused": focused})
}

func (s *Server) focusClearHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireCommandRole(w, r) {
		return
	}
	s.view.Clear()
	w.WriteHeader(http.StatusNoContent)
}

type dragRequest struct {
	OriginalLatitude  float64 `json:"originalLatitude"`
	OriginalLongitude float64 `json:"originalLongitude"`
	OriginalAddress   string  `json:"originalAddress"`
	NewLatitude       float64 `json:"newLatitude"`
	NewLongitude      float64 `json:"newLongitude"`
}

// flagDragHandler runs phase one of a relocation: threshold check and
// reverse geocode. The response tells the client whether to open the
// confirmation dialog or snap the flag back.
func (s *Server) flagDragHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireCommandRole(w, r) {
		return
	}
	var req dragRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	rel, ok, err := s.view.EndDrag(r.Context(), r.PathValue("id"),
		req.OriginalLatitude, req.OriginalLongitude, req.OriginalAddress,
		req.NewLatitude, req.NewLongitude)
	if err != nil {
		http.Error(w, "relocation failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]any{"pending": ok, "relocation": rel})
}

func (s *Server) flagConfirmHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireCommandRole(w, r) {
		return
	}
	if err := s.view.Confirm(r.Context(), r.PathValue("id")); err != nil {
		s.logf("[console] confirm relocation: %v", err)
		http.Error(w, "relocation not applied", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) flagCancelHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireCommandRole(w, r) {
		return
	}
	rel, err := s.view.Cancel(r.PathValue("id"))
	if err != nil {
		http.Error(w, "nothing pending", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"revertTo": map[string]float64{
		"latitude":  rel.OriginalLatitude,
		"longitude": rel.OriginalLongitude,
	}})
}

// qrHandler serves a QR code of the console URL so field phones can open
// the map by pointing a camera at the command screen.
func (s *Server) qrHandler(w http.ResponseWriter, r *http.Request) {
	png, err := qrcode.Encode(s.publicURL, qrcode.Medium, 256)
	if err != nil {
		http.Error(w, "qr unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

func (s *Server) indexHandler(w http.ResponseWriter, r *http.Request) {
	page, err := content.ReadFile("public_html/index.html")
	if err != nil {
		http.Error(w, "console page missing", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
