// Package geoloc wraps the device location source behind a small interface
// so the rest of the system can acquire position readings without knowing
// which hardware or platform API produces them. Tests substitute a fake
// Provider; production wires whatever GPS bridge the host platform offers.
package geoloc

import (
	"context"
	"errors"
	"log"
	"time"
)

// Failure sentinels mirror the four ways a device location request can go
// wrong. Callers match them with errors.Is; everything else coming out of a
// Provider is treated as PositionUnavailable by the watch loop.
var (
	ErrPermissionDenied    = errors.New("geoloc: permission denied")
	ErrPositionUnavailable = errors.New("geoloc: position unavailable")
	ErrTimeout             = errors.New("geoloc: timeout")
	ErrUnsupported         = errors.New("geoloc: not supported on this device")
)

// Position is one reading from the device. Taken is when the fix was
// produced, not when we received it, so cache-age checks stay honest.
type Position struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64 // metres, 0 when the source does not report it
	Taken     time.Time
}

// ReadOptions shape a single position request. MaxAge zero demands a fresh
// fix; a non-zero MaxAge lets the provider answer from its cache when the
// cached fix is younger than that.
type ReadOptions struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaxAge       time.Duration
}

// Provider is the device location source. Implementations must honour the
// context and return one of the sentinel errors above on failure.
type Provider interface {
	CurrentPosition(ctx context.Context, opts ReadOptions) (Position, error)
}

// Reading profiles. Status transitions record safety-relevant coordinates,
// so they always demand a fresh high-accuracy fix with a short leash.
// Watch mode tolerates a cached fix up to a minute old because readings are
// throttled anyway.
const (
	TransitionTimeout = 10 * time.Second
	WatchMaxAge       = 60 * time.Second
	WatchMinInterval  = 30 * time.Second
)

// Capture is the injectable capture service. Construct one per device
// session; there is no package-level singleton.
type Capture struct {
	provider Provider
	interval time.Duration // minimum spacing between watch emissions
	logf     func(string, ...any)
	now      func() time.Time
}

// New builds a Capture around the given provider. logf may be nil.
func New(provider Provider, logf func(string, ...any)) *Capture {
	if logf == nil {
		logf = log.Printf
	}
	return &Capture{
		provider: provider,
		interval: WatchMinInterval,
		logf:     logf,
		now:      time.Now,
	}
}

// TransitionPosition acquires the reading recorded on an assignment status
// transition: fresh, high accuracy, 10 second timeout. The caller aborts
// the transition when this fails.
func (c *Capture) TransitionPosition(ctx context.Context) (Position, error) {
	if c.provider == nil {
		return Position{}, ErrUnsupported
	}
	ctx, cancel := context.WithTimeout(ctx, TransitionTimeout)
	defer cancel()
	return c.provider.CurrentPosition(ctx, ReadOptions{
		HighAccuracy: true,
		Timeout:      TransitionTimeout,
		MaxAge:       0,
	})
}

// CurrentPosition acquires one watch-grade reading: high accuracy requested,
// cached fixes up to a minute old accepted.
func (c *Capture) CurrentPosition(ctx context.Context) (Position, error) {
	if c.provider == nil {
		return Position{}, ErrUnsupported
	}
	return c.provider.CurrentPosition(ctx, ReadOptions{
		HighAccuracy: true,
		Timeout:      TransitionTimeout,
		MaxAge:       WatchMaxAge,
	})
}
