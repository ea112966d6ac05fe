package console

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/socsahar/ElgarAdmin-sub001/pkg/events"
	"github.com/socsahar/ElgarAdmin-sub001/pkg/mapview"
	"github.com/socsahar/ElgarAdmin-sub001/pkg/presence"
	"github.com/socsahar/ElgarAdmin-sub001/pkg/reconcile"
)

// fakeFeed serves a fixed entry list. Subscribe delivers the list once
// and then stays silent, the way the reconciler behaves between
// structural changes.
type fakeFeed struct {
	entries []reconcile.MapEntry
}

func (f *fakeFeed) Subscribe(ctx context.Context) <-chan []reconcile.MapEntry {
	ch := make(chan []reconcile.MapEntry, 1)
	ch <- f.entries
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

func (f *fakeFeed) Snapshot() []reconcile.MapEntry { return f.entries }

// fakeEvents counts upstream calls so the cache tests can prove how many
// actually went out.
type fakeEvents struct {
	calls int
	list  []events.Event
	err   error
}

func (f *fakeEvents) ActiveWithCoordinates(ctx context.Context) ([]events.Event, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.list, nil
}

type fakeGeocoder struct {
	address string
}

func (f *fakeGeocoder) CoordinatesToAddress(ctx context.Context, lat, lon float64) (string, bool, error) {
	return f.address, f.address != "", nil
}

type fakeUpdater struct {
	updates []string
}

func (f *fakeUpdater) UpdateCoordinates(ctx context.Context, eventID string, lat, lon float64, address string) error {
	f.updates = append(f.updates, eventID+"|"+address)
	return nil
}

func newTestServer(t *testing.T, feed EntryFeed, list EventLister, ttl time.Duration) (*Server, *httptest.Server, *fakeUpdater) {
	t.Helper()
	updater := &fakeUpdater{}
	view := mapview.New(feed, &fakeGeocoder{address: "שדרות רוטשילד 10, תל אביב"}, updater, mapview.Options{
		Debounce: time.Hour, // keep the follow ticker out of these tests
		Logf:     t.Logf,
	})
	t.Cleanup(view.Stop)
	srv := NewServer(Config{
		Feed:      feed,
		View:      view,
		Events:    list,
		PublicURL: "https://console.example",
		CacheTTL:  ttl,
		Logf:      t.Logf,
	})
	t.Cleanup(srv.Close)
	mux := http.NewServeMux()
	srv.Routes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, ts, updater
}

// TestCommandRoleGate confirms only the command allow-list can reach the
// map surface. A volunteer's phone must never receive the whole roster.
func TestCommandRoleGate(t *testing.T) {
	t.Parallel()
	_, ts, _ := newTestServer(t, &fakeFeed{}, &fakeEvents{}, 0)

	cases := []struct {
		role string
		want int
	}{
		{"admin", http.StatusOK},
		{"dispatcher", http.StatusOK},
		{"commander", http.StatusOK},
		{"volunteer", http.StatusForbidden},
		{"", http.StatusForbidden},
	}
	for _, tc := range cases {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/map", nil)
		if tc.role != "" {
			req.Header.Set("X-User-Role", tc.role)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("role %q: %v", tc.role, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("role %q: status %d, want %d", tc.role, resp.StatusCode, tc.want)
		}
	}
}

// TestMapSnapshot checks the pull endpoint serves the reconciled list
// with the wire field names the client renders from.
func TestMapSnapshot(t *testing.T) {
	t.Parallel()
	feed := &fakeFeed{entries: []reconcile.MapEntry{{
		ID:          "online_u1",
		VolunteerID: "u1",
		Name:        "דוד כהן",
		Latitude:    32.08,
		Longitude:   34.78,
		Status:      reconcile.StatusOnline,
		IsLive:      true,
	}}}
	_, ts, _ := newTestServer(t, feed, &fakeEvents{}, 0)

	resp, err := http.Get(ts.URL + "/api/map?role=dispatcher")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d entries, want 1", len(got))
	}
	if got[0]["id"] != "online_u1" || got[0]["volunteerId"] != "u1" {
		t.Errorf("unexpected wire entry: %v", got[0])
	}
}

// TestActiveEventsCached proves a burst of console clients costs one
// upstream call while the TTL holds.
func TestActiveEventsCached(t *testing.T) {
	t.Parallel()
	upstream := &fakeEvents{list: []events.Event{{ID: "ev1", Title: "גניבת רכב", Latitude: 32.1, Longitude: 34.8}}}
	_, ts, _ := newTestServer(t, &fakeFeed{}, upstream, time.Minute)

	for i := 0; i < 3; i++ {
		resp, err := http.Get(ts.URL + "/api/events/active?role=admin")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status %d", i, resp.StatusCode)
		}
	}
	if upstream.calls != 1 {
		t.Errorf("upstream called %d times, want 1", upstream.calls)
	}
}

// TestActiveEventsErrorNotCached confirms a failed upstream fetch is
// retried on the next request instead of being served from cache.
func TestActiveEventsErrorNotCached(t *testing.T) {
	t.Parallel()
	upstream := &fakeEvents{err: context.DeadlineExceeded}
	_, ts, _ := newTestServer(t, &fakeFeed{}, upstream, time.Minute)

	resp, err := http.Get(ts.URL + "/api/events/active?role=admin")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status %d, want 502", resp.StatusCode)
	}

	upstream.err = nil
	upstream.list = []events.Event{{ID: "ev1"}}
	resp, err = http.Get(ts.URL + "/api/events/active?role=admin")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retry status %d, want 200", resp.StatusCode)
	}
	if upstream.calls != 2 {
		t.Errorf("upstream called %d times, want 2", upstream.calls)
	}
}

// TestFlagRelocationRoundTrip walks drag, confirm over HTTP and checks
// the persisted update carries the resolved address.
func TestFlagRelocationRoundTrip(t *testing.T) {
	t.Parallel()
	_, ts, updater := newTestServer(t, &fakeFeed{}, &fakeEvents{}, 0)

	body := `{"originalLatitude":32.08,"originalLongitude":34.78,"originalAddress":"הרצל 1, תל אביב","newLatitude":32.09,"newLongitude":34.79}`
	resp, err := http.Post(ts.URL+"/api/events/ev1/flag/drag?role=dispatcher", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	var drag struct {
		Pending    bool                   `json:"pending"`
		Relocation mapview.FlagRelocation `json:"relocation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&drag); err != nil {
		t.Fatalf("decode drag: %v", err)
	}
	resp.Body.Close()
	if !drag.Pending {
		t.Fatal("drag past threshold should leave a pending relocation")
	}
	if drag.Relocation.NewAddress == "" {
		t.Error("pending relocation missing resolved address")
	}

	resp, err = http.Post(ts.URL+"/api/events/ev1/flag/confirm?role=dispatcher", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("confirm status %d, want 204", resp.StatusCode)
	}
	if len(updater.updates) != 1 || !strings.HasPrefix(updater.updates[0], "ev1|") {
		t.Errorf("persisted updates = %v, want one for ev1", updater.updates)
	}
}

// TestFlagCancelReturnsOriginal checks cancel hands back the original
// coordinates so the client can snap the flag home.
func TestFlagCancelReturnsOriginal(t *testing.T) {
	t.Parallel()
	_, ts, updater := newTestServer(t, &fakeFeed{}, &fakeEvents{}, 0)

	body := `{"originalLatitude":32.08,"originalLongitude":34.78,"originalAddress":"הרצל 1","newLatitude":32.10,"newLongitude":34.80}`
	resp, err := http.Post(ts.URL+"/api/events/ev2/flag/drag?role=admin", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	resp, err = http.Post(ts.URL+"/api/events/ev2/flag/cancel?role=admin", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	var cancel struct {
		RevertTo map[string]float64 `json:"revertTo"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&cancel); err != nil {
		t.Fatalf("decode cancel: %v", err)
	}
	resp.Body.Close()
	if cancel.RevertTo["latitude"] != 32.08 || cancel.RevertTo["longitude"] != 34.78 {
		t.Errorf("revertTo = %v, want original coordinates", cancel.RevertTo)
	}
	if len(updater.updates) != 0 {
		t.Errorf("cancel must not persist, got %v", updater.updates)
	}

	// Nothing pending anymore; a second cancel is a 404.
	resp, err = http.Post(ts.URL+"/api/events/ev2/flag/cancel?role=admin", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second cancel status %d, want 404", resp.StatusCode)
	}
}

// TestNotifyBusFanOut checks every subscriber receives a published
// notification and that a full subscriber buffer never blocks the bus.
func TestNotifyBusFanOut(t *testing.T) {
	t.Parallel()
	bus := newNotifyBus()
	defer bus.stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := bus.Subscribe(ctx, 4)
	b := bus.Subscribe(ctx, 4)

	// Give the bus goroutine a beat to register both subscribers.
	time.Sleep(20 * time.Millisecond)
	bus.Publish(presence.Notification{Event: "emergency-alert", Emergency: true})

	for name, ch := range map[string]<-chan presence.Notification{"a": a, "b": b} {
		select {
		case n := <-ch:
			if n.Event != "emergency-alert" || !n.Emergency {
				t.Errorf("subscriber %s: got %+v", name, n)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s: no notification", name)
		}
	}
}

// TestStreamCooldown proves a reconnect-looping IP waits out the stream
// cooldown while a different IP attaches immediately.
func TestStreamCooldown(t *testing.T) {
	t.Parallel()
	limiter := NewLimiter(time.Hour)

	p, err := limiter.Acquire(context.Background(), "10.0.0.1", RequestStream)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	p.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := limiter.Acquire(ctx, "10.0.0.1", RequestStream); err == nil {
		t.Error("second stream attach inside the cooldown should block")
	}

	p2, err := limiter.Acquire(context.Background(), "10.0.0.2", RequestStream)
	if err != nil {
		t.Fatalf("other IP should be unaffected: %v", err)
	}
	p2.Release()
}

// TestAcquireCancelledAtHandoffFreesWorker hammers the race where the
// caller's context ends in the same instant the worker grants the permit.
// An abandoned grant must be released, not left wedging the IP's worker;
// the final acquire proves the slot is still usable.
func TestAcquireCancelledAtHandoffFreesWorker(t *testing.T) {
	t.Parallel()
	limiter := NewLimiter(time.Hour)
	defer limiter.Stop()

	for i := 0; i < 500; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		go cancel()
		p, err := limiter.Acquire(ctx, "10.0.0.9", RequestGeneral)
		if err == nil {
			p.Release()
		}
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := limiter.Acquire(ctx, "10.0.0.9", RequestGeneral)
	if err != nil {
		t.Fatalf("worker wedged after abandoned handoffs: %v", err)
	}
	p.Release()
}

// TestLimiterStop checks shutdown rejects new acquisitions instead of
// leaving callers parked on a dead coordination goroutine.
func TestLimiterStop(t *testing.T) {
	t.Parallel()
	limiter := NewLimiter(time.Hour)

	p, err := limiter.Acquire(context.Background(), "10.0.1.1", RequestGeneral)
	if err != nil {
		t.Fatalf("acquire before stop: %v", err)
	}
	p.Release()

	limiter.Stop()
	limiter.Stop() // idempotent

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := limiter.Acquire(ctx, "10.0.1.1", RequestGeneral); err == nil {
		t.Fatal("acquire after stop should fail")
	}
}

// TestNotifyBusStopClosesSubscribers verifies shutdown closes subscriber
// channels from the bus goroutine, so a publish racing stop can never
// send on a closed channel.
func TestNotifyBusStopClosesSubscribers(t *testing.T) {
	t.Parallel()
	bus := newNotifyBus()
	ch := bus.Subscribe(context.Background(), 4)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(presence.Notification{Event: "event-updated"})
		}
		close(done)
	}()
	bus.stop()
	<-done

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscriber channel never closed after stop")
		}
	}
}

// TestStreamMapInitialFrame attaches to the SSE endpoint and reads the
// first frame, which must carry the current entry list.
func TestStreamMapInitialFrame(t *testing.T) {
	t.Parallel()
	feed := &fakeFeed{entries: []reconcile.MapEntry{{ID: "online_u9", VolunteerID: "u9", Name: "רון לוי", Latitude: 31.8, Longitude: 35.2, IsLive: true}}}
	_, ts, _ := newTestServer(t, feed, &fakeEvents{}, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream/map?role=commander", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	if err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	frame := string(buf[:n])
	if !strings.Contains(frame, "event: map") || !strings.Contains(frame, "online_u9") {
		t.Errorf("first frame missing entry list: %q", frame)
	}
}
