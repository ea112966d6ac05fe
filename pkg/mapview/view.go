// Package mapview keeps the map's interactive state: which volunteer the
// commander is following, and flag relocations pending confirmation. The
// marker and flag drawing itself belongs to the client; this package owns
// the decisions: when to re-center, when a drag is big enough to matter,
// and when to revert.
//
// Focus is keyed by volunteer, not by entry id, because a volunteer's
// entry id changes from online_* to tracking_* the moment a mission
// starts and the camera should keep following them across that switch.
package mapview

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/socsahar/ElgarAdmin-sub001/pkg/reconcile"
)

// Follow and drag tuning. The debounce spaces camera moves while a
// followed volunteer streams positions; the thresholds suppress jitter
// from GPS noise.
const (
	DefaultDebounce        = 500 * time.Millisecond
	DefaultFollowThreshold = 20.0 // metres
	DefaultDragThreshold   = 11.0 // metres
)

// ErrNoPendingRelocation rejects confirm/cancel without a prior drag.
var ErrNoPendingRelocation = errors.New("mapview: no relocation pending for event")

// EntrySource supplies the current reconciled list. *reconcile.Reconciler
// satisfies it.
type EntrySource interface {
	Snapshot() []reconcile.MapEntry
}

// ReverseGeocoder resolves a dragged flag's new address.
type ReverseGeocoder interface {
	CoordinatesToAddress(ctx context.Context, lat, lon float64) (string, bool, error)
}

// EventUpdater persists a confirmed relocation.
type EventUpdater interface {
	UpdateCoordinates(ctx context.Context, eventID string, lat, lon float64, address string) error
}

// CenterUpdate tells the client where the camera should go. Cleared means
// the highlight ended (reselection or the volunteer left the map) and the
// camera is free again.
type CenterUpdate struct {
	VolunteerID string  `json:"volunteerId"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Cleared     bool    `json:"cleared"`
}

// FlagRelocation is the confirmation-dialog context for one dragged flag.
type FlagRelocation struct {
	EventID           string  `json:"eventId"`
	OriginalLatitude  float64 `json:"originalLatitude"`
	OriginalLongitude float64 `json:"originalLongitude"`
	NewLatitude       float64 `json:"newLatitude"`
	NewLongitude      float64 `json:"newLongitude"`
	OriginalAddress   string  `json:"originalAddress"`
	NewAddress        string  `json:"newAddress"`
}

// Options tune a View. Zero values take the defaults.
type Options struct {
	Debounce        time.Duration
	FollowThreshold float64
	DragThreshold   float64
	Logf            func(string, ...any)
}

// View owns the interactive map state. One goroutine holds the focus and
// pending-relocation maps; everything reaches it over the command channel.
type View struct {
	source  EntrySource
	geo     ReverseGeocoder
	updater EventUpdater
	opts    Options

	commands chan func(*viewState)
	centers  chan CenterUpdate
	quit     chan struct{}
}

type viewState struct {
	focusedVolunteer string
	lastCenterLat    float64
	lastCenterLon    float64
	pending          map[string]FlagRelocation
}

// New starts the view goroutine, including the follow ticker.
func New(source EntrySource, geo ReverseGeocoder, updater EventUpdater, opts Options) *View {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.FollowThreshold <= 0 {
		opts.FollowThreshold = DefaultFollowThreshold
	}
	if opts.DragThreshold <= 0 {
		opts.DragThreshold = DefaultDragThreshold
	}
	if opts.Logf == nil {
		opts.Logf = log.Printf
	}
	v := &View{
		source:   source,
		geo:      geo,
		updater:  updater,
		opts:     opts,
		commands: make(chan func(*viewState)),
		centers:  make(chan CenterUpdate, 1),
		quit:     make(chan struct{}),
	}
	go v.loop()
	return v
}

// Stop ends the view goroutine.
func (v *View) Stop() {
	select {
	case <-v.quit:
	default:
		close(v.quit)
	}
}

// Centers delivers camera updates. The channel holds only the newest
// update; a lagging client never replays stale camera moves.
func (v *View) Centers() <-chan CenterUpdate { return v.centers }

func (v *View) emitCenter(u CenterUpdate) {
	select {
	case v.centers <- u:
	default:
		select {
		case <-v.centers:
		default:
		}
		select {
		case v.centers <- u:
		default:
		}
	}
}

func (v *View) loop() {
	st := &viewState{pending: make(map[string]FlagRelocation)}
	ticker := time.NewTicker(v.opts.Debounce)
	defer ticker.Stop()

	for {
		select {
		case <-v.quit:
			return
		case cmd := <-v.commands:
			cmd(st)
		case <-ticker.C:
			v.follow(st)
		}
	}
}

// follow re-centers on the focused volunteer when they moved far enough,
// and clears the highlight when they left the reconciled list.
func (v *View) follow(st *viewState) {
	if st.focusedVolunteer == "" {
		return
	}
	entry, ok := findVolunteer(v.source.Snapshot(), st.focusedVolunteer)
	if !ok {
		id := st.focusedVolunteer
		st.focusedVolunteer = ""
		v.emitCenter(CenterUpdate{VolunteerID: id, Cleared: true})
		return
	}
	if DistanceMeters(st.lastCenterLat, st.lastCenterLon, entry.Latitude, entry.Longitude) < v.opts.FollowThreshold {
		return
	}
	st.lastCenterLat = entry.Latitude
	st.lastCenterLon = entry.Longitude
	v.emitCenter(CenterUpdate{VolunteerID: entry.VolunteerID, Latitude: entry.Latitude, Longitude: entry.Longitude})
}

// run executes fn on the state goroutine and waits for it.
func (v *View) run(fn func(*viewState)) bool {
	done := make(chan struct{})
	select {
	case v.commands <- func(st *viewState) { fn(st); close(done) }:
		<-done
		return true
	case <-v.quit:
		return false
	}
}

// Focus selects a volunteer to follow. Selecting the focused volunteer
// again clears the highlight. The return value reports whether a
// highlight is active afterwards. The first selection centers
// immediately; subsequent moves go through the debounced follow tick.
func (v *View) Focus(volunteerID string) (focused bool) {
	v.run(func(st *viewState) {
		if st.focusedVolunteer == volunteerID {
			st.focusedVolunteer = ""
			v.emitCenter(CenterUpdate{VolunteerID: volunteerID, Cleared: true})
			return
		}
		st.focusedVolunteer = volunteerID
		if entry, ok := findVolunteer(v.source.Snapshot(), volunteerID); ok {
			st.lastCenterLat = entry.Latitude
			st.lastCenterLon = entry.Longitude
			v.emitCenter(CenterUpdate{VolunteerID: volunteerID, Latitude: entry.Latitude, Longitude: entry.Longitude})
		}
		focused = true
	})
	return focused
}

// Clear drops any highlight.
func (v *View) Clear() {
	v.run(func(st *viewState) {
		if st.focusedVolunteer == "" {
			return
		}
		id := st.focusedVolunteer
		st.focusedVolunteer = ""
		v.emitCenter(CenterUpdate{VolunteerID: id, Cleared: true})
	})
}

// Focused returns the currently highlighted volunteer, if any.
func (v *View) Focused() (string, bool) {
	var id string
	v.run(func(st *viewState) { id = st.focusedVolunteer })
	return id, id != ""
}

func findVolunteer(entries []reconcile.MapEntry, volunteerID string) (reconcile.MapEntry, bool) {
	for _, e := range entries {
		if e.VolunteerID == volunteerID {
			return e, true
		}
	}
	return reconcile.MapEntry{}, false
}
