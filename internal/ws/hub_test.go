package ws

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	got    [][]byte
	fail   bool
	closed bool
}

func (r *recorder) Send(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("broken pipe")
	}
	r.got = append(r.got, p)
	return nil
}

func (r *recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestHubPublishesToProjectSubscribers(t *testing.T) {
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	a := &recorder{}
	b := &recorder{}
	broken := &recorder{fail: true}
	h.Register("p1", a)
	h.Register("p2", b)
	h.Register("p1", broken)

	h.Publish(Event{Type: "deployment.status", ProjectID: "p1", DeploymentID: "d1", Status: "BUILDING"})
	waitFor(t, func() bool { return a.count() == 1 })

	var ev Event
	a.mu.Lock()
	err := json.Unmarshal(a.got[0], &ev)
	a.mu.Unlock()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.DeploymentID != "d1" || ev.Status != "BUILDING" || ev.Timestamp.IsZero() {
		t.Fatalf("unexpected event %+v", ev)
	}
	if b.count() != 0 {
		t.Fatalf("expected p2 subscriber to receive nothing")
	}
	waitFor(t, func() bool {
		broken.mu.Lock()
		defer broken.mu.Unlock()
		return broken.closed
	})
}
