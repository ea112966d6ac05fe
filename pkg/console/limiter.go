package console

import (
	"context"
	"errors"
	"time"
)

// errLimiterStopped rejects acquisitions after shutdown.
var errLimiterStopped = errors.New("console: limiter stopped")

// RequestKind separates cheap JSON lookups from long-lived stream
// attaches. Stream attaches get a cooldown per IP so a reconnect-looping
// client cannot hammer the fan-out.
type RequestKind int

const (
	RequestGeneral RequestKind = iota
	RequestStream
)

// Limiter sequences requests per client IP. Each IP gets its own worker
// goroutine, so one misbehaving client queues behind itself while
// everyone else proceeds.
type Limiter struct {
	streamCooldown time.Duration
	requests       chan keyedRequest
	quit           chan struct{}
	now            func() time.Time
}

type keyedRequest struct {
	ip  string
	req ipRequest
}

type ipRequest struct {
	ctx      context.Context
	kind     RequestKind
	response chan permitResponse
}

type permitResponse struct {
	release chan struct{}
	err     error
}

// Permit is an acquired slot. Release it when the handler finishes.
type Permit struct {
	release chan struct{}
}

// Release frees the slot. Safe on nil permits and double calls.
func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	close(p.release)
	p.release = nil
}

// NewLimiter starts the coordination goroutine.
func NewLimiter(streamCooldown time.Duration) *Limiter {
	l := &Limiter{
		streamCooldown: streamCooldown,
		requests:       make(chan keyedRequest),
		quit:           make(chan struct{}),
		now:            time.Now,
	}
	go l.loop()
	return l
}

// Stop ends the coordination goroutine and its per-IP workers. Permits
// already held stay valid; new acquisitions fail. Safe on nil limiters.
func (l *Limiter) Stop() {
	if l == nil {
		return
	}
	select {
	case <-l.quit:
	default:
		close(l.quit)
	}
}

// Acquire reserves the IP's slot for one request. A nil limiter admits
// everything, which keeps tests and optional wiring simple.
func (l *Limiter) Acquire(ctx context.Context, ip string, kind RequestKind) (*Permit, error) {
	if l == nil {
		return nil, nil
	}
	respCh := make(chan permitResponse, 1)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.quit:
		return nil, errLimiterStopped
	case l.requests <- keyedRequest{ip: ip, req: ipRequest{ctx: ctx, kind: kind, response: respCh}}:
	}
	select {
	case <-ctx.Done():
		// The worker may have granted the permit in the same instant the
		// context ended; release it so the IP's slot is not held forever.
		go func() {
			if resp := <-respCh; resp.release != nil {
				close(resp.release)
			}
		}()
		return nil, ctx.Err()
	case resp := <-respCh:
		if resp.err != nil {
			return nil, resp.err
		}
		return &Permit{release: resp.release}, nil
	}
}

func (l *Limiter) loop() {
	workers := make(map[string]chan ipRequest)
	defer func() {
		for _, ch := range workers {
			close(ch)
		}
	}()
	for {
		var keyed keyedRequest
		select {
		case <-l.quit:
			return
		case keyed = <-l.requests:
		}
		ch, ok := workers[keyed.ip]
		if !ok {
			ch = make(chan ipRequest)
			workers[keyed.ip] = ch
			go l.runWorker(ch)
		}
		select {
		case ch <- keyed.req:
		case <-keyed.req.ctx.Done():
			keyed.req.response <- permitResponse{err: keyed.req.ctx.Err()}
		}
	}
}

func (l *Limiter) runWorker(requests <-chan ipRequest) {
	var lastStream time.Time
	for req := range requests {
		if req.ctx.Err() != nil {
			req.response <- permitResponse{err: req.ctx.Err()}
			continue
		}
		if req.kind == RequestStream && !lastStream.IsZero() {
			ready := lastStream.Add(l.streamCooldown)
			if wait := ready.Sub(l.now()); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-req.ctx.Done():
					timer.Stop()
					req.response <- permitResponse{err: req.ctx.Err()}
					continue
				case <-timer.C:
				}
			}
		}
		release := make(chan struct{})
		select {
		case req.response <- permitResponse{release: release}:
		case <-req.ctx.Done():
			req.response <- permitResponse{err: req.ctx.Err()}
			continue
		}
		select {
		case <-release:
		case <-req.ctx.Done():
			<-release
		}
		if req.kind == RequestStream {
			lastStream = l.now()
		}
	}
}
