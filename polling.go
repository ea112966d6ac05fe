package main

import (
	"context"
	"time"

	"github.com/socsahar/ElgarAdmin-sub001/pkg/assignment"
)

// Active-tracking poll pacing. The interval starts at the base and
// stretches with the roster size so a busy night with many connected
// volunteers does not multiply upstream load, never past the cap.
const (
	trackingPollBase    = 2 * time.Minute
	trackingPollCap     = 3 * time.Minute
	trackingPollStretch = 2 * time.Second // added per connected volunteer
)

// activeLister is the upstream active-assignment lookup.
// *assignment.Client satisfies it.
type activeLister interface {
	ActiveTracking(ctx context.Context) ([]assignment.Assignment, error)
}

// trackingSink receives each fetched batch. *reconcile.Reconciler
// satisfies it.
type trackingSink interface {
	SetTracking(active []assignment.Assignment)
}

// trackingPoller keeps the reconciler's tracking input fresh. One
// goroutine owns the interval; roster-size updates arrive over a channel
// and take effect on the next tick.
type trackingPoller struct {
	upstream    activeLister
	sink        trackingSink
	rosterSizes chan int
	logf        func(string, ...any)
}

func newTrackingPoller(upstream activeLister, sink trackingSink, logf func(string, ...any)) *trackingPoller {
	return &trackingPoller{
		upstream:    upstream,
		sink:        sink,
		rosterSizes: make(chan int, 1),
		logf:        logf,
	}
}

// SetRosterSize records the connected-volunteer count. The newest value
// wins; the poller never blocks the roster pump.
func (p *trackingPoller) SetRosterSize(n int) {
	select {
	case p.rosterSizes <- n:
	default:
		select {
		case <-p.rosterSizes:
		default:
		}
		select {
		case p.rosterSizes <- n:
		default:
		}
	}
}

func pollInterval(rosterSize int) time.Duration {
	interval := trackingPollBase + time.Duration(rosterSize)*trackingPollStretch
	if interval > trackingPollCap {
		return trackingPollCap
	}
	return interval
}

// Run polls until ctx ends. The first fetch happens immediately so the
// map has mission entries before the first full interval elapses.
func (p *trackingPoller) Run(ctx context.Context) {
	rosterSize := 0
	p.fetch(ctx)
	timer := time.NewTimer(pollInterval(rosterSize))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-p.rosterSizes:
			rosterSize = n
		case <-timer.C:
			p.fetch(ctx)
			timer.Reset(pollInterval(rosterSize))
		}
	}
}

// fetch pulls the active batch and hands it to the sink. A failed fetch
// keeps the previous batch on the map; the grace window covers the gap.
func (p *trackingPoller) fetch(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	active, err := p.upstream.ActiveTracking(fetchCtx)
	if err != nil {
		p.logf("[poll] active tracking fetch: %v", err)
		return
	}
	p.sink.SetTracking(active)
}
