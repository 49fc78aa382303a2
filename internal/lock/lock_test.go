package lock

import (
	"context"
	"testing"
	"time"
)

func TestKeyedSerialisesSameKey(t *testing.T) {
	k := NewKeyed()
	unlock, err := k.Lock(context.Background(), "p1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	other, err := k.Lock(ctx, "p2")
	if err != nil {
		t.Fatalf("expected p2 to be free: %v", err)
	}
	other()
	if _, err := k.Lock(ctx, "p1"); err == nil {
		t.Fatalf("expected context error while p1 held")
	}

	acquired := make(chan struct{})
	go func() {
		next, err := k.Lock(context.Background(), "p1")
		if err == nil {
			next()
		}
		close(acquired)
	}()
	unlock()
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("expected waiter to acquire after unlock")
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.slots) != 0 {
		t.Fatalf("expected slot table to drain got %d", len(k.slots))
	}
}
