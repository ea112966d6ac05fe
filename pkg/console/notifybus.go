package console

import (
	"context"

	"github.com/socsahar/ElgarAdmin-sub001/pkg/presence"
)

// notifyBus fans presence notifications out to every attached console
// client without locks. The single goroutine owns the subscriber set;
// non-blocking sends keep one stalled client from delaying the rest.
type notifyBus struct {
	publish     chan presence.Notification
	subscribe   chan chan presence.Notification
	unsubscribe chan chan presence.Notification
	quit        chan struct{}
}

func newNotifyBus() *notifyBus {
	b := &notifyBus{
		publish:     make(chan presence.Notification, 16),
		subscribe:   make(chan chan presence.Notification),
		unsubscribe: make(chan chan presence.Notification),
		quit:        make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *notifyBus) stop() {
	select {
	case <-b.quit:
	default:
		close(b.quit)
	}
}

// Publish forwards one notification to all current subscribers.
func (b *notifyBus) Publish(n presence.Notification) {
	select {
	case b.publish <- n:
	case <-b.quit:
	}
}

// Subscribe attaches a listener until ctx ends.
func (b *notifyBus) Subscribe(ctx context.Context, buffer int) <-chan presence.Notification {
	ch := make(chan presence.Notification, buffer)
	select {
	case b.subscribe <- ch:
	case <-b.quit:
		close(ch)
		return ch
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-b.quit:
		}
		// run owns the close: on unsubscribe or at shutdown, never
		// concurrently with a publish.
		select {
		case b.unsubscribe <- ch:
		case <-b.quit:
		}
	}()
	return ch
}

func (b *notifyBus) run() {
	subs := make(map[chan presence.Notification]struct{})
	for {
		select {
		case <-b.quit:
			for ch := range subs {
				close(ch)
			}
			return
		case ch := <-b.subscribe:
			subs[ch] = struct{}{}
		case ch := <-b.unsubscribe:
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}
		case n := <-b.publish:
			for ch := range subs {
				select {
				case ch <- n:
				default:
				}
			}
		}
	}
}
