package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/probekit/probekit/internal/jsonrpc"
)

func mustCreate(t *testing.T, r *Registry) *Session {
	t.Helper()
	sess := r.Create()
	if sess.ID() == "" {
		t.Fatal("expected non-empty session id")
	}
	return sess
}

func TestCreateAndGet(t *testing.T) {
	r := NewRegistry()
	sess := mustCreate(t, r)

	if len(sess.ID()) != 32 {
		t.Fatalf("expected 32 hex chars, got %q", sess.ID())
	}

	got, ok := r.Get(sess.ID())
	if !ok {
		t.Fatal("expected to find created session")
	}
	if got != sess {
		t.Fatal("Get returned a different session")
	}

	if _, ok := r.Get("nope"); ok {
		t.Fatal("expected miss for unknown id")
	}
}

func TestQueueFIFO(t *testing.T) {
	r := NewRegistry()
	sess := mustCreate(t, r)

	first := jsonrpc.NewErrorResponse(jsonrpc.NewRequestID(1), jsonrpc.ErrorCodeMethodNotFound, "Method not found")
	second := jsonrpc.NewErrorResponse(jsonrpc.NewRequestID(2), jsonrpc.ErrorCodeMethodNotFound, "Method not found")
	if err := sess.Enqueue(first); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := sess.Enqueue(second); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx := context.Background()
	got, err := sess.Pop(ctx, time.Second)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if got != first {
		t.Fatal("expected first enqueued response")
	}
	got, err = sess.Pop(ctx, time.Second)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if got != second {
		t.Fatal("expected second enqueued response")
	}
}

func TestPopIdleAndSentinel(t *testing.T) {
	r := NewRegistry()
	sess := mustCreate(t, r)

	if _, err := sess.Pop(context.Background(), 10*time.Millisecond); err != ErrIdle {
		t.Fatalf("expected ErrIdle, got %v", err)
	}

	if err := sess.Enqueue(nil); err != nil {
		t.Fatalf("enqueue sentinel: %v", err)
	}
	got, err := sess.Pop(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("pop sentinel: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil sentinel, got %v", got)
	}
}

func TestPopHonorsContext(t *testing.T) {
	r := NewRegistry()
	sess := mustCreate(t, r)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := sess.Pop(ctx, time.Minute); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEnqueueFullQueue(t *testing.T) {
	r := NewRegistry(WithQueueCapacity(1))
	sess := mustCreate(t, r)

	if err := sess.Enqueue(nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := sess.Enqueue(nil); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	sess := mustCreate(t, r)

	r.Remove(sess.ID())
	if _, ok := r.Get(sess.ID()); ok {
		t.Fatal("expected session gone after Remove")
	}
	r.Remove(sess.ID())
	r.Remove("never-existed")
}

func TestCreateSweepsExpired(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewRegistry(WithTTL(time.Hour), WithClock(func() time.Time { return now }))

	old := mustCreate(t, r)
	fresh := mustCreate(t, r)
	if r.Len() != 2 {
		t.Fatalf("expected 2 sessions, got %d", r.Len())
	}

	// Advance past the TTL; both existing sessions become stale and the
	// next Create evicts them.
	now = now.Add(time.Hour + time.Second)
	survivor := mustCreate(t, r)

	if _, ok := r.Get(old.ID()); ok {
		t.Fatal("expected expired session evicted")
	}
	if _, ok := r.Get(fresh.ID()); ok {
		t.Fatal("expected expired session evicted")
	}
	if _, ok := r.Get(survivor.ID()); !ok {
		t.Fatal("expected new session to survive its own sweep")
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", r.Len())
	}
}

func TestSweepKeepsUnexpired(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewRegistry(WithTTL(time.Hour), WithClock(func() time.Time { return now }))

	sess := mustCreate(t, r)
	now = now.Add(59 * time.Minute)
	r.Sweep()
	if _, ok := r.Get(sess.ID()); !ok {
		t.Fatal("expected unexpired session to survive sweep")
	}
}
