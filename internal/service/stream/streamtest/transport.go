// Package streamtest provides an in-memory transport for tests.
package streamtest

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by a closed Transport.
var ErrClosed = errors.New("transport closed")

// Transport records writes and serves reads pushed with Feed.
type Transport struct {
	mu     sync.Mutex
	writes [][]byte
	reads  chan []byte
	closed chan struct{}
	once   sync.Once
	ended  sync.Once
}

// NewTransport creates an open Transport.
func NewTransport() *Transport {
	return &Transport{reads: make(chan []byte, 64), closed: make(chan struct{})}
}

// Feed queues an inbound frame.
func (t *Transport) Feed(frames ...[]byte) {
	for _, f := range frames {
		t.reads <- f
	}
}

// FeedString queues inbound text frames.
func (t *Transport) FeedString(frames ...string) {
	for _, f := range frames {
		t.reads <- []byte(f)
	}
}

// End makes reads return io.EOF once queued frames are consumed.
func (t *Transport) End() {
	t.ended.Do(func() { close(t.reads) })
}

// ReadMessage implements stream.Transport.
func (t *Transport) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-t.reads:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, data, nil
	case <-t.closed:
		return 0, nil, ErrClosed
	}
}

// WriteMessage implements stream.Transport. Pings are not recorded.
func (t *Transport) WriteMessage(messageType int, data []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	if messageType == websocket.PingMessage {
		return nil
	}
	t.mu.Lock()
	t.writes = append(t.writes, append([]byte(nil), data...))
	t.mu.Unlock()
	return nil
}

// SetWriteDeadline implements stream.Transport.
func (t *Transport) SetWriteDeadline(time.Time) error { return nil }

// Close implements stream.Transport.
func (t *Transport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// Writes returns a copy of every recorded frame.
func (t *Transport) Writes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.writes))
	for i, w := range t.writes {
		out[i] = string(w)
	}
	return out
}

// WaitWrites blocks until at least n frames were written.
func (t *Transport) WaitWrites(tb testing.TB, n int) []string {
	tb.Helper()
	Eventually(tb, "transport writes", func() bool { return len(t.Writes()) >= n })
	return t.Writes()
}

// Eventually polls cond until it holds or two seconds pass.
func Eventually(tb testing.TB, what string, cond func() bool) {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			tb.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
