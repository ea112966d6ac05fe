package console

import (
	"context"
	"errors"
	"time"
)

var errCacheStopped = errors.New("console: cache stopped")

// upstreamCache keeps recently fetched upstream responses so a wall of
// console clients refreshing at once costs one call to the dispatch
// server, not dozens. A dedicated goroutine owns the entries; lookups and
// population travel over the request channel.
type upstreamCache struct {
	ttl      time.Duration
	requests chan cacheRequest
	quit     chan struct{}
	now      func() time.Time
}

type cacheRequest struct {
	ctx    context.Context
	key    string
	loader func(context.Context) ([]byte, error)
	reply  chan cacheReply
}

type cacheReply struct {
	data []byte
	err  error
}

type cacheEntry struct {
	data    []byte
	expires time.Time
}

// newUpstreamCache starts the cache goroutine. ttl <= 0 disables caching;
// the nil cache loads through on every call.
func newUpstreamCache(ttl time.Duration) *upstreamCache {
	if ttl <= 0 {
		return nil
	}
	c := &upstreamCache{
		ttl:      ttl,
		requests: make(chan cacheRequest),
		quit:     make(chan struct{}),
		now:      time.Now,
	}
	go c.loop()
	return c
}

func (c *upstreamCache) close() {
	if c == nil {
		return
	}
	select {
	case <-c.quit:
	default:
		close(c.quit)
	}
}

// get returns the cached bytes for key, calling loader on a miss. Errors
// from the loader are not cached; the next caller retries.
func (c *upstreamCache) get(ctx context.Context, key string, loader func(context.Context) ([]byte, error)) ([]byte, error) {
	if c == nil {
		return loader(ctx)
	}
	reply := make(chan cacheReply, 1)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.quit:
		return nil, errCacheStopped
	case c.requests <- cacheRequest{ctx: ctx, key: key, loader: loader, reply: reply}:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-reply:
		return r.data, r.err
	}
}

func (c *upstreamCache) loop() {
	entries := make(map[string]cacheEntry)
	for {
		select {
		case <-c.quit:
			return
		case req := <-c.requests:
			if e, ok := entries[req.key]; ok && c.now().Before(e.expires) {
				req.reply <- cacheReply{data: e.data}
				continue
			}
			// Load synchronously: callers for the same key queue behind
			// one upstream fetch instead of stampeding it.
			data, err := req.loader(req.ctx)
			if err == nil {
				entries[req.key] = cacheEntry{data: data, expires: c.now().Add(c.ttl)}
			}
			req.reply <- cacheReply{data: data, err: err}
		}
	}
}
