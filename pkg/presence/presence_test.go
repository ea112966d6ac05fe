package presence

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// channelServer fakes the dispatch server's presence endpoints: it records
// emits and serves a scripted SSE stream.
type channelServer struct {
	mu     sync.Mutex
	emits  []string
	frames []string // raw SSE frames served on the first stream connect
}

func (s *channelServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/channel/emit/", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.emits = append(s.emits, r.URL.Path)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/channel/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		s.mu.Lock()
		frames := s.frames
		s.mu.Unlock()
		for _, fr := range frames {
			fmt.Fprint(w, fr)
			fl.Flush()
		}
		// Hold the stream open until the client goes away so the test
		// controls the session length.
		<-r.Context().Done()
	})
	return mux
}

func (s *channelServer) emitted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.emits...)
}

// TestRosterSnapshotReplaces guards the core protocol contract: a later
// roster fully supersedes an earlier one, so a lagging consumer sees only
// the newest snapshot.
func TestRosterSnapshotReplaces(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer((&channelServer{
		frames: []string{
			"event: online-users-updated\ndata: [{\"id\":\"1\",\"fullName\":\"Old Snapshot\"}]\n\n",
			"event: online-users-updated\ndata: [{\"id\":\"1\",\"fullName\":\"New Snapshot\"},{\"id\":\"2\"}]\n\n",
		},
	}).handler())
	defer srv.Close()

	c := NewClient(srv.URL, "", Identity{UserID: "u1", Role: "admin"}, func(string, ...any) {})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	// Give the dispatcher time to process both frames, then read: only the
	// second snapshot should remain.
	deadline := time.After(2 * time.Second)
	var roster []RosterUser
	for {
		select {
		case roster = <-c.Rosters():
		case <-deadline:
			t.Fatal("no roster delivered")
		}
		if len(roster) == 2 {
			if roster[0].FullName != "New Snapshot" {
				t.Fatalf("roster[0] = %+v", roster[0])
			}
			return
		}
		// The first snapshot slipped through before the second arrived;
		// loop for the replacement.
	}
}

// TestNotificationsForwardedUninterpreted checks that domain events pass
// through opaque and that emergency-alert gets its tag.
func TestNotificationsForwardedUninterpreted(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer((&channelServer{
		frames: []string{
			"event: event-created\ndata: {\"eventId\":\"e9\"}\n\n",
			"event: emergency-alert\ndata: {\"volunteerId\":\"v3\"}\n\n",
		},
	}).handler())
	defer srv.Close()

	c := NewClient(srv.URL, "", Identity{UserID: "u1", Role: "admin"}, func(string, ...any) {})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	read := func() Notification {
		select {
		case n := <-c.Notifications():
			return n
		case <-time.After(2 * time.Second):
			t.Fatal("no notification delivered")
			return Notification{}
		}
	}

	first := read()
	if first.Event != "event-created" || first.Emergency {
		t.Fatalf("first = %+v", first)
	}
	if string(first.Payload) != `{"eventId":"e9"}` {
		t.Fatalf("payload = %s", first.Payload)
	}
	second := read()
	if second.Event != "emergency-alert" || !second.Emergency {
		t.Fatalf("second = %+v", second)
	}
}

// TestJoinHandshake confirms the client announces itself and asks for the
// roster before reading the stream.
func TestJoinHandshake(t *testing.T) {
	t.Parallel()

	cs := &channelServer{frames: []string{"event: online-users-updated\ndata: []\n\n"}}
	srv := httptest.NewServer(cs.handler())
	defer srv.Close()

	c := NewClient(srv.URL, "", Identity{UserID: "u1", Role: "admin", Username: "sahar"}, func(string, ...any) {})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	select {
	case <-c.Rosters():
	case <-time.After(2 * time.Second):
		t.Fatal("stream never delivered")
	}

	emits := cs.emitted()
	if len(emits) < 2 {
		t.Fatalf("emits = %v", emits)
	}
	if emits[0] != "/channel/emit/join-admin" {
		t.Fatalf("first emit = %s", emits[0])
	}
	if emits[1] != "/channel/emit/get-online-users" {
		t.Fatalf("second emit = %s", emits[1])
	}
}
