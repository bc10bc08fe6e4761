package streaminghttp

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/contentops/mcp-gateway/internal/jsonrpc"
	"github.com/contentops/mcp-gateway/sessions"
)

// ErrTransportClosed is returned by Send once the transport has shut down.
var ErrTransportClosed = errors.New("transport closed")

const defaultReplayDepth = 256

type event struct {
	id      uint64
	payload jsonrpc.Message
}

// SessionTransport buffers server-initiated messages for one session and
// feeds them to the session's SSE stream. Every message gets a monotonically
// increasing event id; a bounded replay ring lets a reconnecting client
// resume from its Last-Event-ID without losing recent messages.
type SessionTransport struct {
	mu     sync.Mutex
	ring   []event
	depth  int
	nextID uint64
	subs   map[chan event]struct{}

	done chan struct{}
	once sync.Once
}

var _ sessions.Transport = (*SessionTransport)(nil)

// NewSessionTransport builds a transport with the default replay depth.
func NewSessionTransport() *SessionTransport {
	return &SessionTransport{
		depth: defaultReplayDepth,
		subs:  make(map[chan event]struct{}),
		done:  make(chan struct{}),
	}
}

// Send queues a message for delivery. Delivery to a live stream is
// best-effort; the ring keeps the message available for replay if the stream
// is gone or backed up.
func (t *SessionTransport) Send(ctx context.Context, msg jsonrpc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	select {
	case <-t.done:
		t.mu.Unlock()
		return ErrTransportClosed
	default:
	}

	t.nextID++
	ev := event{id: t.nextID, payload: msg}
	t.ring = append(t.ring, ev)
	if len(t.ring) > t.depth {
		t.ring = t.ring[len(t.ring)-t.depth:]
	}
	for ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	t.mu.Unlock()
	return nil
}

// Done is closed when the transport shuts down.
func (t *SessionTransport) Done() <-chan struct{} { return t.done }

// Close shuts the transport down and ends all attached streams. Idempotent.
func (t *SessionTransport) Close() error {
	t.once.Do(func() {
		t.mu.Lock()
		close(t.done)
		for ch := range t.subs {
			delete(t.subs, ch)
			close(ch)
		}
		t.mu.Unlock()
	})
	return nil
}

// attach registers a stream and returns the events to replay (those after
// lastEventID) plus a live channel. The caller must invoke detach when the
// stream ends. An unparseable or unknown lastEventID replays the whole ring.
func (t *SessionTransport) attach(lastEventID string) (replay []event, ch chan event, detach func(), err error) {
	var after uint64
	if lastEventID != "" {
		if n, perr := strconv.ParseUint(lastEventID, 10, 64); perr == nil {
			after = n
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return nil, nil, nil, ErrTransportClosed
	default:
	}

	for _, ev := range t.ring {
		if ev.id > after {
			replay = append(replay, ev)
		}
	}
	ch = make(chan event, 32)
	t.subs[ch] = struct{}{}
	detach = func() {
		t.mu.Lock()
		if _, ok := t.subs[ch]; ok {
			delete(t.subs, ch)
			close(ch)
		}
		t.mu.Unlock()
	}
	return replay, ch, detach, nil
}

func eventID(id uint64) string { return strconv.FormatUint(id, 10) }
