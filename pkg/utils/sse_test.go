package utils

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestSSEStreamWritesEvents(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/events", nil)

	s, err := NewSSEStream(rec, req)
	if err != nil {
		t.Fatalf("NewSSEStream: %v", err)
	}
	if err := s.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("deadline on a recorder should be ignored: %v", err)
	}

	_ = s.WriteMessage(websocket.TextMessage, []byte(`{"type":"status"}`))
	_ = s.WriteMessage(websocket.PingMessage, nil)
	_ = s.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	want := "data: {\"type\":\"status\"}\n\n: ping\n\n"
	if got := rec.Body.String(); got != want {
		t.Fatalf("unexpected body %q", got)
	}
}

func TestSSEStreamCloseUnblocksRead(t *testing.T) {
	rec := httptest.NewRecorder()
	s, err := NewSSEStream(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	if err != nil {
		t.Fatalf("NewSSEStream: %v", err)
	}

	readErr := make(chan error, 1)
	go func() {
		_, _, err := s.ReadMessage()
		readErr <- err
	}()

	_ = s.Close()
	_ = s.Close()
	select {
	case err := <-readErr:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("expected EOF, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("read did not return after close")
	}
	if err := s.WriteMessage(websocket.TextMessage, []byte("late")); err == nil {
		t.Fatalf("write after close should fail")
	}
}

func TestSSEStreamEndsWithRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	s, err := NewSSEStream(httptest.NewRecorder(), req)
	if err != nil {
		t.Fatalf("NewSSEStream: %v", err)
	}
	cancel()
	if _, _, err := s.ReadMessage(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF once the client is gone, got %v", err)
	}
}
