package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a session id is not (or no longer) live.
var ErrNotFound = errors.New("session not found")

// ErrShuttingDown is returned by Create once shutdown has begun.
var ErrShuttingDown = errors.New("registry is shutting down")

// Factory builds the handler/transport pair for a newly created session.
// The session's id is already assigned when the factory runs.
type Factory func(ctx context.Context, sess *Session) (Handler, Transport, error)

// Registry owns all live sessions. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	byID    map[string]*Session
	factory Factory
	log     *slog.Logger
	closed  bool
}

// NewRegistry builds an empty registry around the given session factory.
func NewRegistry(factory Factory, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		byID:    make(map[string]*Session),
		factory: factory,
		log:     log,
	}
}

// Create mints a new session with a fresh unguessable id. The session is
// destroyed automatically if its transport finishes on its own.
func (r *Registry) Create(ctx context.Context) (*Session, error) {
	sess := &Session{
		id:        uuid.NewString(),
		createdAt: time.Now(),
	}
	handler, transport, err := r.factory(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("build session: %w", err)
	}
	sess.handler = handler
	sess.transport = transport

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = transport.Close()
		_ = handler.Close()
		return nil, ErrShuttingDown
	}
	r.byID[sess.id] = sess
	live := len(r.byID)
	r.mu.Unlock()

	go func() {
		<-transport.Done()
		_ = r.Destroy(context.WithoutCancel(ctx), sess.id)
	}()

	r.log.InfoContext(ctx, "session.create",
		slog.String("session_id", sess.id),
		slog.Int("sessions", live))
	return sess, nil
}

// Get resolves a live session by id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return sess, nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Destroy removes the session and releases its resources, transport first so
// the client's stream ends before handler state goes away. Destroying an
// unknown or already-destroyed id is a no-op.
func (r *Registry) Destroy(ctx context.Context, id string) error {
	r.mu.Lock()
	sess, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
	}
	live := len(r.byID)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if err := sess.transport.Close(); err != nil {
		r.log.WarnContext(ctx, "session.transport.close.fail",
			slog.String("session_id", id),
			slog.String("err", err.Error()))
	}
	if err := sess.handler.Close(); err != nil {
		r.log.WarnContext(ctx, "session.handler.close.fail",
			slog.String("session_id", id),
			slog.String("err", err.Error()))
	}
	r.log.InfoContext(ctx, "session.destroy",
		slog.String("session_id", id),
		slog.Int("sessions", live))
	return nil
}

// Shutdown destroys all live sessions and rejects further creations.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		_ = r.Destroy(ctx, id)
	}
}
