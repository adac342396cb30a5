package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/callbridge/internal/model/message"
)

// Transport is the duplex channel under a Connection. *websocket.Conn satisfies it.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Connection is one registered duplex channel for a (role, session) pair.
// Writes go through a single writer goroutine fed by a bounded queue.
type Connection struct {
	id        uint64
	role      message.Role
	sessionID string
	transport Transport
	createdAt time.Time
	log       *zap.Logger

	writeTimeout time.Duration
	pingInterval time.Duration

	mu       sync.Mutex
	queue    *frameQueue
	closed   bool
	draining bool

	notify  chan struct{}
	done    chan struct{}
	closing atomic.Bool
	onClose func(*Connection)

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func newConnection(id uint64, role message.Role, sessionID string, transport Transport, opts Options, log *zap.Logger) *Connection {
	return &Connection{
		id:           id,
		role:         role,
		sessionID:    sessionID,
		transport:    transport,
		createdAt:    time.Now().UTC(),
		log:          log,
		writeTimeout: opts.WriteTimeout,
		pingInterval: opts.PingInterval,
		queue:        newFrameQueue(opts.AudioQueue),
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// ID is unique per process.
func (c *Connection) ID() uint64 { return c.id }

// Role returns the peer role.
func (c *Connection) Role() message.Role { return c.role }

// SessionID returns the owning session.
func (c *Connection) SessionID() string { return c.sessionID }

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool { return c.closing.Load() }

// ReadMessage reads the next inbound frame. Only one goroutine may read.
func (c *Connection) ReadMessage() (int, []byte, error) {
	return c.transport.ReadMessage()
}

// Send enqueues a text frame without blocking. It returns false once the
// connection is closed, plus the number of audio frames evicted to make room.
func (c *Connection) Send(data []byte, class Class) (bool, int) {
	return c.enqueue(frame{data: data, class: class, msgType: websocket.TextMessage})
}

// SendBinary enqueues a binary frame.
func (c *Connection) SendBinary(data []byte, class Class) (bool, int) {
	return c.enqueue(frame{data: data, class: class, msgType: websocket.BinaryMessage})
}

func (c *Connection) enqueue(f frame) (bool, int) {
	c.mu.Lock()
	if c.closed || c.draining {
		c.mu.Unlock()
		return false, 0
	}
	dropped := c.queue.push(f)
	c.mu.Unlock()

	if dropped > 0 {
		c.dropped.Add(uint64(dropped))
	}
	c.wake()
	return true, dropped
}

func (c *Connection) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Drain stops accepting frames and closes the connection once the queued
// control frames are written. Queued audio is dropped.
func (c *Connection) Drain() {
	c.mu.Lock()
	if c.closed || c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	if n := c.queue.flushAudio(); n > 0 {
		c.dropped.Add(uint64(n))
	}
	c.mu.Unlock()
	c.wake()
}

func (c *Connection) drained() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draining && c.queue.len() == 0
}

// FlushAudio discards queued audio that has not been written yet.
func (c *Connection) FlushAudio() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.queue.flushAudio()
	if n > 0 {
		c.dropped.Add(uint64(n))
	}
	return n
}

// Pending returns the number of queued frames.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.len()
}

// Close is idempotent and safe to call from any goroutine, including from
// callbacks running on behalf of this connection.
func (c *Connection) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	c.closed = true
	c.queue.reset()
	c.mu.Unlock()

	close(c.done)
	err := c.transport.Close()
	if c.onClose != nil {
		c.onClose(c)
	}
	return err
}

func (c *Connection) next() (frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return frame{}, false
	}
	return c.queue.pop()
}

// run is the single writer loop.
func (c *Connection) run() {
	var ping <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case <-ping:
			if err := c.write(frame{msgType: websocket.PingMessage}); err != nil {
				c.fail("ping", err)
				return
			}
		case <-c.notify:
			for {
				f, ok := c.next()
				if !ok {
					break
				}
				if err := c.write(f); err != nil {
					c.fail("write", err)
					return
				}
				c.sent.Add(1)
			}
			if c.drained() {
				_ = c.Close()
				return
			}
		}
	}
}

func (c *Connection) write(f frame) error {
	if c.writeTimeout > 0 {
		if err := c.transport.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.transport.WriteMessage(f.msgType, f.data)
}

func (c *Connection) fail(op string, err error) {
	if !c.Closed() {
		c.log.Warn("connection write failed",
			zap.String("op", op),
			zap.String("role", string(c.role)),
			zap.String("session", c.sessionID),
			zap.Error(err))
	}
	_ = c.Close()
}

// ConnectionInfo is a diagnostic view of a connection.
type ConnectionInfo struct {
	ID        uint64       `json:"id"`
	Role      message.Role `json:"role"`
	SessionID string       `json:"sessionId"`
	CreatedAt time.Time    `json:"createdAt"`
	Pending   int          `json:"pending"`
	Sent      uint64       `json:"sent"`
	Dropped   uint64       `json:"dropped"`
}

// Info returns a diagnostic snapshot.
func (c *Connection) Info() ConnectionInfo {
	return ConnectionInfo{
		ID:        c.id,
		Role:      c.role,
		SessionID: c.sessionID,
		CreatedAt: c.createdAt,
		Pending:   c.Pending(),
		Sent:      c.sent.Load(),
		Dropped:   c.dropped.Load(),
	}
}
