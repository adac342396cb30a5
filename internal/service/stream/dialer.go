package stream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/callbridge/internal/logger"
)

// DialOptions configures outbound connections.
type DialOptions struct {
	HandshakeTimeout time.Duration
	MaxRetries       int
	// RetryDelay is multiplied by the attempt number between retries.
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Dialer opens outbound duplex connections with linear backoff.
type Dialer struct {
	opts   DialOptions
	dialer *websocket.Dialer
	log    *zap.Logger
}

// NewDialer creates a Dialer.
func NewDialer(opts DialOptions) *Dialer {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	return &Dialer{
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		log:    logger.OrNop(opts.Logger).Named("dialer"),
	}
}

// Dial connects to url, retrying failed handshakes.
func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
	var lastErr error

	for i := 0; i < d.opts.MaxRetries; i++ {
		conn, resp, err := d.dialer.DialContext(ctx, url, header)
		if err == nil {
			return conn, nil
		}

		lastErr = err
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		d.log.Warn("dial failed", zap.Int("attempt", i+1), zap.Int("status", status), zap.Error(err))

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Authentication and not-found answers will not improve on retry.
		if status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusNotFound {
			break
		}
		if i == d.opts.MaxRetries-1 {
			break
		}

		retryDelay := time.Duration(i+1) * d.opts.RetryDelay
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}

	return nil, fmt.Errorf("failed to connect after %d attempts, last error: %w", d.opts.MaxRetries, lastErr)
}

// IsRetryableError reports whether a connection error is worth reconnecting for.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	return websocket.IsCloseError(err, websocket.CloseAbnormalClosure, websocket.CloseGoingAway)
}

// IsNormalClose reports whether err is an orderly close from the peer.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
