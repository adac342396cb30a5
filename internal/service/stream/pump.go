package stream

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
)

// Classifier reports the queueing class of an inbound frame.
type Classifier func(data []byte) Class

// Handler consumes one inbound frame.
type Handler func(ctx context.Context, data []byte)

// inboundQueue feeds the single consumer of a connection.
type inboundQueue struct {
	mu     sync.Mutex
	q      *frameQueue
	notify chan struct{}
	closed bool
}

func (iq *inboundQueue) push(f frame) int {
	iq.mu.Lock()
	dropped := iq.q.push(f)
	iq.mu.Unlock()
	select {
	case iq.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (iq *inboundQueue) pop() (frame, bool, bool) {
	iq.mu.Lock()
	defer iq.mu.Unlock()
	f, ok := iq.q.pop()
	return f, ok, iq.closed
}

func (iq *inboundQueue) close() {
	iq.mu.Lock()
	iq.closed = true
	iq.mu.Unlock()
	select {
	case iq.notify <- struct{}{}:
	default:
	}
}

// Pump reads conn on a dedicated goroutine into a bounded queue and hands
// frames, in order, to handle on the calling goroutine. When the queue is
// full the oldest audio frame is dropped; other frames are never dropped.
// Pump returns the read error that ended the connection, after every queued
// frame has been handled, or ctx's error when cancelled.
func Pump(ctx context.Context, conn *Connection, queueSize int, classify Classifier, handle Handler) error {
	if classify == nil {
		classify = func([]byte) Class { return ClassControl }
	}

	iq := &inboundQueue{q: newFrameQueue(queueSize), notify: make(chan struct{}, 1)}
	readErr := make(chan error, 1)

	go func() {
		defer iq.close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
				continue
			}
			if dropped := iq.push(frame{data: data, class: classify(data), msgType: msgType}); dropped > 0 {
				conn.dropped.Add(uint64(dropped))
			}
		}
	}()

	for {
		f, ok, closed := iq.pop()
		if ok {
			handle(ctx, f.data)
			continue
		}
		if closed {
			return <-readErr
		}

		select {
		case <-ctx.Done():
			_ = conn.Close()
			return ctx.Err()
		case <-iq.notify:
		}
	}
}
