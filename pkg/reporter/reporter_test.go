package reporter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/socsahar/ElgarAdmin-sub001/pkg/geoloc"
)

// locationServer scripts per-request status codes and records payloads.
type locationServer struct {
	mu       sync.Mutex
	statuses []int
	bodies   []map[string]float64
}

func (s *locationServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]float64
		json.NewDecoder(r.Body).Decode(&body)
		s.mu.Lock()
		s.bodies = append(s.bodies, body)
		status := http.StatusOK
		if len(s.statuses) > 0 {
			status = s.statuses[0]
			s.statuses = s.statuses[1:]
		}
		s.mu.Unlock()
		w.WriteHeader(status)
		if status == http.StatusOK {
			json.NewEncoder(w).Encode(map[string]any{"success": true})
		}
	})
}

func (s *locationServer) received() []map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]float64(nil), s.bodies...)
}

// TestRunForwardsPositions checks delivery of the stream contents.
func TestRunForwardsPositions(t *testing.T) {
	t.Parallel()

	ls := &locationServer{}
	srv := httptest.NewServer(ls.handler())
	defer srv.Close()

	r := New(srv.URL, "tok", func(string, ...any) {})
	positions := make(chan geoloc.Position, 2)
	positions <- geoloc.Position{Latitude: 32.08, Longitude: 34.78}
	positions <- geoloc.Position{Latitude: 32.09, Longitude: 34.79}
	close(positions)

	if err := r.Run(context.Background(), positions); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := ls.received()
	if len(got) != 2 {
		t.Fatalf("reports = %d want 2", len(got))
	}
	if got[0]["latitude"] != 32.08 || got[1]["longitude"] != 34.79 {
		t.Fatalf("payloads = %v", got)
	}
}

// TestRunStopsOnAuthExpired guards the irrecoverable-failure rule: after a
// 401 the loop ends even though the stream still has readings.
func TestRunStopsOnAuthExpired(t *testing.T) {
	t.Parallel()

	ls := &locationServer{statuses: []int{http.StatusUnauthorized}}
	srv := httptest.NewServer(ls.handler())
	defer srv.Close()

	r := New(srv.URL, "tok", func(string, ...any) {})
	positions := make(chan geoloc.Position, 2)
	positions <- geoloc.Position{Latitude: 32.08, Longitude: 34.78}
	positions <- geoloc.Position{Latitude: 32.09, Longitude: 34.79}

	err := r.Run(context.Background(), positions)
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("err = %v want ErrAuthExpired", err)
	}
	if got := ls.received(); len(got) != 1 {
		t.Fatalf("reports after expiry = %d want 1", len(got))
	}
}

// TestRunSurvivesTransientFailures keeps reporting across a 503.
func TestRunSurvivesTransientFailures(t *testing.T) {
	t.Parallel()

	ls := &locationServer{statuses: []int{http.StatusServiceUnavailable, http.StatusOK}}
	srv := httptest.NewServer(ls.handler())
	defer srv.Close()

	r := New(srv.URL, "tok", func(string, ...any) {})
	positions := make(chan geoloc.Position, 2)
	positions <- geoloc.Position{Latitude: 32.08, Longitude: 34.78}
	positions <- geoloc.Position{Latitude: 32.09, Longitude: 34.79}
	close(positions)

	if err := r.Run(context.Background(), positions); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := ls.received(); len(got) != 2 {
		t.Fatalf("reports = %d want 2 (retry on next reading)", len(got))
	}
}

// TestRunHonoursContext ends promptly on teardown.
func TestRunHonoursContext(t *testing.T) {
	t.Parallel()

	r := New("http://127.0.0.1:0", "", func(string, ...any) {})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, make(chan geoloc.Position)) }()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}
