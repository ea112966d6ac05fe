package geocode

import (
	"context"
	"time"
)

// pacer spaces requests to the external geocoding service. A dedicated
// goroutine owns the last-request timestamp, so concurrent callers queue
// on the channel instead of sharing a mutex. One pacer per operation kind
// keeps forward and reverse lookups independently limited.
type pacer struct {
	interval time.Duration
	requests chan pacerRequest
	quit     chan struct{}
	now      func() time.Time
}

type pacerRequest struct {
	ctx   context.Context
	reply chan error
}

func newPacer(interval time.Duration) *pacer {
	p := &pacer{
		interval: interval,
		requests: make(chan pacerRequest),
		quit:     make(chan struct{}),
		now:      time.Now,
	}
	go p.loop()
	return p
}

func (p *pacer) stop() {
	select {
	case <-p.quit:
	default:
		close(p.quit)
	}
}

// wait blocks until the caller is allowed to issue its request.
func (p *pacer) wait(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return context.Canceled
	case p.requests <- pacerRequest{ctx: ctx, reply: reply}:
	}
	return <-reply
}

func (p *pacer) loop() {
	var last time.Time
	for {
		select {
		case <-p.quit:
			return
		case req := <-p.requests:
			now := p.now()
			if !last.IsZero() {
				ready := last.Add(p.interval)
				if now.Before(ready) {
					timer := time.NewTimer(ready.Sub(now))
					select {
					case <-req.ctx.Done():
						timer.Stop()
						req.reply <- req.ctx.Err()
						continue
					case <-p.quit:
						timer.Stop()
						req.reply <- context.Canceled
						continue
					case <-timer.C:
					}
				}
			}
			last = p.now()
			req.reply <- nil
		}
	}
}
