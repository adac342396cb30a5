package utils

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrStreamingUnsupported 表示 ResponseWriter 不支持逐块刷新。
var ErrStreamingUnsupported = errors.New("streaming unsupported")

var errSSEClosed = errors.New("sse stream closed")

// SetupSSEHeaders 设置Server-Sent Events响应头
func SetupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// SSEStream 把一个 SSE 响应包装成只写的帧通道：每个文本帧写成一条 data 事件，
// ping 写成注释行。ReadMessage 阻塞到客户端断开或 Close。
type SSEStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	once   sync.Once
	gone   <-chan struct{}
}

// NewSSEStream 写出响应头并返回可注册到连接管理器的流。
func NewSSEStream(w http.ResponseWriter, r *http.Request) (*SSEStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEStream{
		w:       w,
		flusher: flusher,
		rc:      http.NewResponseController(w),
		done:    make(chan struct{}),
		gone:    r.Context().Done(),
	}, nil
}

// ReadMessage 没有上行数据，只在流结束时返回 io.EOF。
func (s *SSEStream) ReadMessage() (int, []byte, error) {
	select {
	case <-s.done:
	case <-s.gone:
	}
	return 0, nil, io.EOF
}

// WriteMessage 写出一条事件。二进制帧不适合 SSE，直接丢弃。
func (s *SSEStream) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSSEClosed
	}

	var err error
	switch messageType {
	case websocket.TextMessage:
		if _, err = s.w.Write([]byte("data: ")); err == nil {
			if _, err = s.w.Write(data); err == nil {
				_, err = s.w.Write([]byte("\n\n"))
			}
		}
	case websocket.PingMessage:
		_, err = s.w.Write([]byte(": ping\n\n"))
	default:
		return nil
	}
	if err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// SetWriteDeadline 在底层连接支持时设置写超时。
func (s *SSEStream) SetWriteDeadline(t time.Time) error {
	if err := s.rc.SetWriteDeadline(t); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// Close 结束流。之后的写入都会失败，处理器返回前必须调用。
func (s *SSEStream) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
	return nil
}
