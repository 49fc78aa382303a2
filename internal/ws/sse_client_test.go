package ws

import (
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
)

func TestSSEClientFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := client.Send([]byte(`{"status":"SUCCESS"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	want := "data: {\"status\":\"SUCCESS\"}\n\n: ping\n\n"
	if got := rec.Body.String(); got != want {
		t.Fatalf("expected %q got %q", want, got)
	}
	if !rec.Flushed {
		t.Fatalf("expected frames to be flushed")
	}
	if client.LastActivity().IsZero() {
		t.Fatalf("expected last activity to be set")
	}
}

func TestSSEClientClose(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, nil)
	client.Close()
	client.Close()

	select {
	case <-client.Done():
	default:
		t.Fatalf("expected done to be closed")
	}
	if err := client.Send([]byte("x")); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after close got %v", err)
	}
}
