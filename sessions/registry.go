package sessions

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/probekit/probekit/internal/jsonrpc"
)

// DefaultTTL bounds the lifetime of a session that is never explicitly
// removed.
const DefaultTTL = time.Hour

const defaultQueueCapacity = 256

var (
	// ErrIdle is returned by Pop when the bounded wait elapses with no item.
	ErrIdle = errors.New("sessions: queue idle")
	// ErrQueueFull is returned by Enqueue when the session queue is at capacity.
	ErrQueueFull = errors.New("sessions: queue full")
)

// Session pairs an opaque id with the outbound response queue consumed by
// that session's event stream. The stream handler that created the session
// owns the consuming side of the queue; any request handler that resolves
// the session id may produce into it.
type Session struct {
	id      string
	created time.Time
	queue   chan *jsonrpc.Response
}

// ID returns the opaque session token.
func (s *Session) ID() string { return s.id }

// Created returns the time the session was registered.
func (s *Session) Created() time.Time { return s.created }

// Enqueue appends a response to the session's outbound queue. A nil response
// is the sentinel that terminates the consuming stream. Enqueue never blocks;
// a full queue yields ErrQueueFull and the item is dropped.
func (s *Session) Enqueue(resp *jsonrpc.Response) error {
	select {
	case s.queue <- resp:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pop removes the next queued response, waiting up to wait for one to
// arrive. It returns (nil, nil) when the termination sentinel is received,
// (nil, ErrIdle) when the wait elapses, and the context error when ctx is
// canceled.
func (s *Session) Pop(ctx context.Context, wait time.Duration) (*jsonrpc.Response, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-s.queue:
		return resp, nil
	case <-timer.C:
		return nil, ErrIdle
	}
}

// Registry is a process-wide, concurrency-safe mapping of session id to
// session. Every operation is a short critical section under a single lock;
// stale entries are evicted by an inline sweep on each Create rather than by
// a background timer.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	ttl      time.Duration
	queueCap int
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL overrides the session time-to-live.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithQueueCapacity overrides the per-session queue capacity.
func WithQueueCapacity(n int) Option {
	return func(r *Registry) { r.queueCap = n }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		ttl:      DefaultTTL,
		queueCap: defaultQueueCapacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a fresh session under a new unguessable id and sweeps
// expired entries.
func (r *Registry) Create() *Session {
	u := uuid.New()
	sess := &Session{
		id:      hex.EncodeToString(u[:]),
		created: r.now(),
		queue:   make(chan *jsonrpc.Response, r.queueCap),
	}

	r.mu.Lock()
	r.sessions[sess.id] = sess
	r.mu.Unlock()

	r.Sweep()
	return sess
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Remove deletes a session. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Sweep evicts every session whose age exceeds the TTL.
func (r *Registry) Sweep() {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sess := range r.sessions {
		if now.Sub(sess.created) > r.ttl {
			delete(r.sessions, id)
		}
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
