package assignment

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/socsahar/ElgarAdmin-sub001/pkg/geoloc"
	"github.com/socsahar/ElgarAdmin-sub001/pkg/transitionlog"
)

var (
	// ErrTransitionInFlight rejects a second tap while the first transition
	// on the same assignment is still running.
	ErrTransitionInFlight = errors.New("assignment: transition already in flight")
	// ErrInvalidTransition rejects skips and backward moves.
	ErrInvalidTransition = errors.New("assignment: invalid status transition")
	// ErrAssignmentCompleted rejects transitions on a terminal assignment.
	ErrAssignmentCompleted = errors.New("assignment: already completed")
	// ErrControllerStopped is returned once the controller has been stopped.
	ErrControllerStopped = errors.New("assignment: controller stopped")
)

// Locator produces the single fresh reading recorded with a transition.
// *geoloc.Capture satisfies it.
type Locator interface {
	TransitionPosition(ctx context.Context) (geoloc.Position, error)
}

// StatusService is the slice of the remote client the controller needs.
type StatusService interface {
	UpdateTrackingStatus(ctx context.Context, assignmentID string, status Status, lat, lon float64, notes string) error
	TrackingInfo(ctx context.Context, assignmentID string) (TrackingInfo, error)
}

// Result is delivered to the caller after a successful transition: the new
// status plus the refreshed timestamps and metrics.
type Result struct {
	AssignmentID string
	Status       Status
	Position     geoloc.Position
	Info         TrackingInfo
}

// Controller advances assignment statuses. One goroutine owns the set of
// in-flight assignment ids, which gives each assignment single-writer
// discipline without a mutex: a transition request either claims its
// assignment or is rejected immediately.
//
// A transition is all-or-nothing from the caller's view. The position read
// happens first; if it fails nothing is written and the status is
// unchanged. The remote write happens next; only after it succeeds is the
// tracking info re-fetched and the result returned.
type Controller struct {
	service  StatusService
	locator  Locator
	requests chan ctlRequest
	done     chan string
	quit     chan struct{}
	stopped  chan struct{}
	translog *transitionlog.Log
	logf     func(string, ...any)
}

type ctlRequest struct {
	ctx   context.Context
	asg   Assignment
	next  Status
	notes string
	reply chan error // admission decision only
}

// NewController starts the coordination goroutine. translog may be nil.
func NewController(service StatusService, locator Locator, translog *transitionlog.Log, logf func(string, ...any)) *Controller {
	if logf == nil {
		logf = log.Printf
	}
	c := &Controller{
		service:  service,
		locator:  locator,
		requests: make(chan ctlRequest),
		done:     make(chan string),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		translog: translog,
		logf:     logf,
	}
	go c.loop()
	return c
}

// Stop shuts the controller down. In-flight transitions are abandoned; the
// server remains the system of record, so no compensation is needed.
func (c *Controller) Stop() {
	select {
	case <-c.quit:
		return
	default:
	}
	close(c.quit)
}

func (c *Controller) loop() {
	defer close(c.stopped)
	inflight := make(map[string]struct{})

	for {
		select {
		case <-c.quit:
			return
		case id := <-c.done:
			delete(inflight, id)
		case req := <-c.requests:
			if _, busy := inflight[req.asg.ID]; busy {
				req.reply <- ErrTransitionInFlight
				continue
			}
			if req.asg.Status.Terminal() {
				req.reply <- ErrAssignmentCompleted
				continue
			}
			if !req.asg.Status.CanAdvanceTo(req.next) {
				req.reply <- ErrInvalidTransition
				continue
			}
			inflight[req.asg.ID] = struct{}{}
			req.reply <- nil
		}
	}
}

// Advance applies one forward transition to the assignment and blocks until
// it either fully succeeds or fails without side effects. Concurrent calls
// for the same assignment beyond the first are rejected with
// ErrTransitionInFlight.
func (c *Controller) Advance(ctx context.Context, asg Assignment, next Status, notes string) (Result, error) {
	reply := make(chan error, 1)
	select {
	case <-c.quit:
		return Result{}, ErrControllerStopped
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case c.requests <- ctlRequest{ctx: ctx, asg: asg, next: next, notes: notes, reply: reply}:
	}
	if err := <-reply; err != nil {
		return Result{}, err
	}
	defer c.release(asg.ID)

	c.translog.Begin(asg.ID)
	c.translog.Append(asg.ID, fmt.Sprintf("advance %s -> %s", asg.Status, next))

	c.translog.Append(asg.ID, "acquiring transition position")
	pos, err := c.locator.TransitionPosition(ctx)
	if err != nil {
		err = fmt.Errorf("position read failed, status unchanged: %w", err)
		c.translog.FlushError(asg.ID, err)
		return Result{}, err
	}
	c.translog.Append(asg.ID, fmt.Sprintf("position %.5f,%.5f", pos.Latitude, pos.Longitude))

	if err := c.service.UpdateTrackingStatus(ctx, asg.ID, next, pos.Latitude, pos.Longitude, notes); err != nil {
		err = fmt.Errorf("status write failed, status unchanged: %w", err)
		c.translog.FlushError(asg.ID, err)
		return Result{}, err
	}

	info, err := c.service.TrackingInfo(ctx, asg.ID)
	if err != nil {
		// The write landed; surface the refresh failure but report the
		// status the server now holds.
		c.translog.FlushError(asg.ID, fmt.Errorf("tracking info refresh: %w", err))
		return Result{AssignmentID: asg.ID, Status: next, Position: pos}, fmt.Errorf("assignment: tracking info refresh: %w", err)
	}

	c.translog.Success(asg.ID, string(next))
	return Result{AssignmentID: asg.ID, Status: next, Position: pos, Info: info}, nil
}

// release returns the assignment to the idle set. When the controller has
// already stopped, the loop is gone and there is nothing to release.
func (c *Controller) release(id string) {
	select {
	case c.done <- id:
	case <-c.quit:
	}
}
