// Package ws upgrades HTTP requests into duplex connections for the stream
// registry.
package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/callbridge/internal/service/stream"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Upgrade switches the request to a websocket. With idle > 0 the connection
// fails once no frame or pong arrives for idle.
func Upgrade(w http.ResponseWriter, r *http.Request, idle time.Duration) (stream.Transport, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	if idle <= 0 {
		return conn, nil
	}

	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})
	return &idleConn{Conn: conn, idle: idle}, nil
}

type idleConn struct {
	*websocket.Conn
	idle time.Duration
}

func (c *idleConn) ReadMessage() (int, []byte, error) {
	mt, data, err := c.Conn.ReadMessage()
	if err == nil {
		_ = c.SetReadDeadline(time.Now().Add(c.idle))
	}
	return mt, data, err
}
