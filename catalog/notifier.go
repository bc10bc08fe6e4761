package catalog

import (
	"context"
	"sync"
)

// ChangeNotifier is a small in-process pub-sub used to fan out tool list
// changes to live sessions so they can emit listChanged notifications.
type ChangeNotifier struct {
	mu     sync.RWMutex
	subs   []chan struct{}
	closed bool
}

// Notify signals all subscribers. Sends are non-blocking so a slow session
// cannot stall the catalog; a backed-up subscriber simply coalesces signals.
func (cn *ChangeNotifier) Notify(ctx context.Context) error {
	cn.mu.RLock()
	defer cn.mu.RUnlock()
	if cn.closed {
		return nil
	}
	for _, ch := range cn.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscriber registers a new listener. The channel has capacity 1; after
// Close it is returned already closed. The returned cancel removes the
// listener and closes its channel; callers must cancel when done so finished
// sessions do not accumulate. Cancel is idempotent.
func (cn *ChangeNotifier) Subscriber() (<-chan struct{}, func()) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		ch := make(chan struct{})
		close(ch)
		return ch, func() {}
	}
	ch := make(chan struct{}, 1)
	cn.subs = append(cn.subs, ch)
	cancel := func() {
		cn.mu.Lock()
		defer cn.mu.Unlock()
		if cn.closed {
			return
		}
		for i, sub := range cn.subs {
			if sub == ch {
				cn.subs = append(cn.subs[:i], cn.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// count reports the number of registered listeners.
func (cn *ChangeNotifier) count() int {
	cn.mu.RLock()
	defer cn.mu.RUnlock()
	return len(cn.subs)
}

// Close closes all subscriber channels. Idempotent.
func (cn *ChangeNotifier) Close() {
	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return
	}
	cn.closed = true
	subs := cn.subs
	cn.subs = nil
	cn.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}
