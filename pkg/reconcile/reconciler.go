package reconcile

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/socsahar/ElgarAdmin-sub001/pkg/assignment"
	"github.com/socsahar/ElgarAdmin-sub001/pkg/presence"
)

// Defaults for the merge. The caps bound worst-case render cost when the
// whole unit is online; the grace window absorbs phone sleeps and tunnels
// without making volunteers vanish from the commanders' view.
const (
	DefaultOnlineCap = 50
	DefaultStaleCap  = 20
	DefaultGrace     = 10 * time.Minute
)

// Options tune a Reconciler. Zero values take the defaults above.
type Options struct {
	OnlineCap int
	StaleCap  int
	Grace     time.Duration
	Now       func() time.Time
	Logf      func(string, ...any)
}

// Reconciler owns the short-term memory and produces the merged entry
// list. All interaction goes through channels into the single goroutine
// started by New.
type Reconciler struct {
	opts Options

	rosters     chan []presence.RosterUser
	tracking    chan []assignment.Assignment
	snapshots   chan chan []MapEntry
	subscribe   chan subscription
	unsubscribe chan subscription
	quit        chan struct{}
}

type subscription struct {
	ch chan []MapEntry
}

// New starts the reconciler goroutine.
func New(opts Options) *Reconciler {
	if opts.OnlineCap <= 0 {
		opts.OnlineCap = DefaultOnlineCap
	}
	if opts.StaleCap <= 0 {
		opts.StaleCap = DefaultStaleCap
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logf == nil {
		opts.Logf = log.Printf
	}
	r := &Reconciler{
		opts:        opts,
		rosters:     make(chan []presence.RosterUser),
		tracking:    make(chan []assignment.Assignment),
		snapshots:   make(chan chan []MapEntry),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
		quit:        make(chan struct{}),
	}
	go r.loop()
	return r
}

// Stop terminates the reconciler goroutine.
func (r *Reconciler) Stop() {
	select {
	case <-r.quit:
	default:
		close(r.quit)
	}
}

// SetRoster replaces the online-users snapshot and triggers a recompute.
// Snapshots are authoritative: the previous roster is discarded entirely.
func (r *Reconciler) SetRoster(roster []presence.RosterUser) {
	select {
	case r.rosters <- roster:
	case <-r.quit:
	}
}

// SetTracking replaces the active-assignment list and triggers a
// recompute. Terminal assignments are filtered out here so a stray
// completed record from the server never reaches the map.
func (r *Reconciler) SetTracking(active []assignment.Assignment) {
	kept := active[:0:0]
	for _, a := range active {
		if !a.Status.Terminal() {
			kept = append(kept, a)
		}
	}
	select {
	case r.tracking <- kept:
	case <-r.quit:
	}
}

// Snapshot returns the current merged list. The slice is a copy; callers
// may keep it.
func (r *Reconciler) Snapshot() []MapEntry {
	reply := make(chan []MapEntry, 1)
	select {
	case r.snapshots <- reply:
		return <-reply
	case <-r.quit:
		return nil
	}
}

// Subscribe delivers the merged list after every recompute whose output
// structurally changed (different entry count or different id set). The
// channel closes when ctx ends. Slow subscribers skip intermediate lists
// and always get the newest one next.
func (r *Reconciler) Subscribe(ctx context.Context) <-chan []MapEntry {
	sub := subscription{ch: make(chan []MapEntry, 1)}
	select {
	case r.subscribe <- sub:
	case <-r.quit:
		close(sub.ch)
		return sub.ch
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-r.quit:
		}
		// The loop owns the channel close: it happens on unsubscribe or
		// at shutdown, never concurrently with a publish.
		select {
		case r.unsubscribe <- sub:
		case <-r.quit:
		}
	}()
	return sub.ch
}

func (r *Reconciler) loop() {
	var (
		roster   []presence.RosterUser
		tracking []assignment.Assignment
		memory   = make(map[string]MapEntry) // keyed by volunteer id
		output   []MapEntry
		lastIDs  = make(map[string]struct{})
		first    = true
		subs     = make(map[chan []MapEntry]struct{})
	)

	publish := func() {
		for ch := range subs {
			select {
			case ch <- append([]MapEntry(nil), output...):
			default:
				// Drop the stale pending list so the subscriber's next
				// receive is the newest one.
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- append([]MapEntry(nil), output...):
				default:
				}
			}
		}
	}

	recompute := func() {
		next := merge(roster, tracking, memory, r.opts)
		changed := first || len(next) != len(lastIDs)
		if !changed {
			for _, e := range next {
				if _, ok := lastIDs[e.ID]; !ok {
					changed = true
					break
				}
			}
		}
		output = next
		if changed {
			first = false
			lastIDs = make(map[string]struct{}, len(next))
			for _, e := range next {
				lastIDs[e.ID] = struct{}{}
			}
			publish()
		}
	}

	for {
		select {
		case <-r.quit:
			for ch := range subs {
				close(ch)
			}
			return
		case roster = <-r.rosters:
			recompute()
		case tracking = <-r.tracking:
			recompute()
		case reply := <-r.snapshots:
			reply <- append([]MapEntry(nil), output...)
		case sub := <-r.subscribe:
			subs[sub.ch] = struct{}{}
			// New subscribers get the current list immediately.
			sub.ch <- append([]MapEntry(nil), output...)
		case sub := <-r.unsubscribe:
			if _, ok := subs[sub.ch]; ok {
				delete(subs, sub.ch)
				close(sub.ch)
			}
		}
	}
}

// merge runs one recompute cycle. memory is mutated in place: fresh live
// entries are upserted, entries beyond the grace window are evicted. Stale
// grace-window copies emitted for disconnected volunteers never feed back
// into memory.
func merge(roster []presence.RosterUser, tracking []assignment.Assignment, memory map[string]MapEntry, opts Options) []MapEntry {
	now := opts.Now()

	trackingVolunteers := make(map[string]struct{}, len(tracking))
	for _, a := range tracking {
		trackingVolunteers[a.VolunteerID] = struct{}{}
	}

	// Online entries. The roster arrives in server order, which is not a
	// contract; sort by freshest position first (ids break ties) so the
	// cap keeps the most recently updated volunteers deterministically.
	online := append([]presence.RosterUser(nil), roster...)
	sort.SliceStable(online, func(i, j int) bool {
		if !online[i].LastUpdate.Equal(online[j].LastUpdate) {
			return online[i].LastUpdate.After(online[j].LastUpdate)
		}
		return online[i].ID < online[j].ID
	})

	entries := make([]MapEntry, 0, len(online)+len(tracking))
	emitted := make(map[string]struct{}) // volunteer ids already on the map

	onlineCount := 0
	for _, u := range online {
		if onlineCount >= opts.OnlineCap {
			break
		}
		if _, onMission := trackingVolunteers[u.ID]; onMission {
			continue
		}
		if _, dup := emitted[u.ID]; dup {
			continue
		}
		if !ValidCoordinates(u.LastLatitude, u.LastLongitude) {
			continue
		}
		entries = append(entries, entryFromRosterUser(u, now))
		emitted[u.ID] = struct{}{}
		onlineCount++
	}

	// Tracking entries: uncapped, and authoritative per volunteer. With
	// two active assignments for one volunteer the most recently updated
	// one wins.
	track := append([]assignment.Assignment(nil), tracking...)
	sort.SliceStable(track, func(i, j int) bool {
		if !track[i].UpdatedAt.Equal(track[j].UpdatedAt) {
			return track[i].UpdatedAt.After(track[j].UpdatedAt)
		}
		return track[i].ID < track[j].ID
	})
	for _, a := range track {
		if _, dup := emitted[a.VolunteerID]; dup {
			continue
		}
		if !ValidCoordinates(a.CurrentLatitude, a.CurrentLongitude) {
			continue
		}
		entries = append(entries, entryFromAssignment(a, now))
		emitted[a.VolunteerID] = struct{}{}
	}

	// Upsert memory from the fresh live entries before scanning for
	// disconnected volunteers, then evict what aged out.
	for _, e := range entries {
		memory[e.VolunteerID] = e
	}
	for id, m := range memory {
		if now.Sub(m.LastSeen) > opts.Grace {
			delete(memory, id)
		}
	}

	// Grace-window entries for volunteers gone from both inputs. Note the
	// union below uses all roster and tracking ids, valid coordinates or
	// not: a volunteer whose live fix is momentarily invalid is still
	// "current" and must not be doubled by a stale copy.
	current := make(map[string]struct{}, len(roster)+len(tracking))
	for _, u := range roster {
		current[u.ID] = struct{}{}
	}
	for id := range trackingVolunteers {
		current[id] = struct{}{}
	}

	var stale []MapEntry
	for id, m := range memory {
		if _, live := current[id]; live {
			continue
		}
		ghost := m
		ghost.IsLive = false
		ghost.Status = StatusTemporarilyDisconnected
		stale = append(stale, ghost)
	}
	// Most recently seen first: those volunteers are the likeliest to
	// come back, so they keep their map slot under the cap.
	sort.SliceStable(stale, func(i, j int) bool {
		if !stale[i].LastSeen.Equal(stale[j].LastSeen) {
			return stale[i].LastSeen.After(stale[j].LastSeen)
		}
		return stale[i].VolunteerID < stale[j].VolunteerID
	})
	if len(stale) > opts.StaleCap {
		stale = stale[:opts.StaleCap]
	}
	entries = append(entries, stale...)

	return entries
}
