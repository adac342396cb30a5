package ai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/zhouzirui/callbridge/internal/logger"
	"github.com/zhouzirui/callbridge/internal/model/message"
	sessionsvc "github.com/zhouzirui/callbridge/internal/service/session"
	"github.com/zhouzirui/callbridge/internal/service/stream"
)

// ErrAgentNotConfigured is returned when no agent id is configured.
var ErrAgentNotConfigured = errors.New("conversational agent not configured")

// DefaultBaseURL is the agent conversation endpoint.
const DefaultBaseURL = "wss://api.elevenlabs.io/v1/convai/conversation"

// ConnectorOptions configures a Connector.
type ConnectorOptions struct {
	BaseURL string
	AgentID string
	APIKey  string
	Dialer  *stream.Dialer
	// InboundQueue bounds agent events waiting for the session consumer.
	InboundQueue int
	Logger       *zap.Logger
}

// Connector opens the agent connection of a session once the carrier leg
// is live and consumes its events.
type Connector struct {
	adapter *Adapter
	opts    ConnectorOptions
	dialer  *stream.Dialer
	log     *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// NewConnector creates a Connector that translates through adapter.
func NewConnector(adapter *Adapter, opts ConnectorOptions) *Connector {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.InboundQueue < 1 {
		opts.InboundQueue = 128
	}
	log := logger.OrNop(opts.Logger).Named("connector")
	if opts.Dialer == nil {
		opts.Dialer = stream.NewDialer(stream.DialOptions{Logger: log})
	}
	return &Connector{
		adapter:  adapter,
		opts:     opts,
		dialer:   opts.Dialer,
		log:      log,
		inflight: make(map[string]struct{}),
	}
}

// Enabled reports whether an agent is configured.
func (c *Connector) Enabled() bool {
	return c.opts.AgentID != ""
}

// URL returns the conversation endpoint for the configured agent.
func (c *Connector) URL() (string, error) {
	u, err := url.Parse(c.opts.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse agent url: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", c.opts.AgentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the agent for sessionID unless a connection already exists
// or is being opened. The agent connection lives until ctx ends, the peer
// closes it or the session is removed.
func (c *Connector) Connect(ctx context.Context, sessionID string, params map[string]string) error {
	if !c.Enabled() {
		return ErrAgentNotConfigured
	}
	if c.adapter.streams.Connection(message.RoleAI, sessionID) != nil {
		return nil
	}

	c.mu.Lock()
	if _, busy := c.inflight[sessionID]; busy {
		c.mu.Unlock()
		return nil
	}
	c.inflight[sessionID] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, sessionID)
		c.mu.Unlock()
	}()

	endpoint, err := c.URL()
	if err != nil {
		return err
	}
	header := http.Header{}
	if c.opts.APIKey != "" {
		header.Set("xi-api-key", c.opts.APIKey)
	}

	ws, err := c.dialer.Dial(ctx, endpoint, header)
	if err != nil {
		return fmt.Errorf("dial agent: %w", err)
	}

	conn, err := c.adapter.streams.Register(message.RoleAI, ws, sessionID, stream.InitialState{})
	if err != nil {
		return sessionsvc.ErrSessionNotFound
	}
	// A terminal status set during the dial found no agent connection to
	// close, so the registered one is checked here.
	if status, ok := c.adapter.store.CallStatus(sessionID); !ok || status.Terminal() {
		_ = conn.Close()
		c.log.Info("call ended while dialing agent", zap.String("session", sessionID), zap.String("status", string(status)))
		return nil
	}
	if payload, ok := c.adapter.FromStandard(c.initiation(sessionID, params)); ok {
		conn.Send(payload, stream.ClassControl)
	}
	c.log.Info("agent connected", zap.String("session", sessionID), zap.Uint64("conn", conn.ID()))

	c.wg.Add(1)
	go c.consume(ctx, conn, params)
	return nil
}

func (c *Connector) initiation(sessionID string, params map[string]string) *message.Message {
	msg := message.New(sessionID, message.RoleAI, message.KindStart)
	msg.Destination = message.RoleAI
	msg.Data = map[string]any{}

	if snap, err := c.adapter.store.Get(sessionID); err == nil {
		if snap.Call.VoiceID != "" {
			msg.Data["voiceId"] = snap.Call.VoiceID
		}
	}
	vars := make(map[string]string, len(params))
	for k, v := range params {
		switch k {
		case "voiceId":
			msg.Data["voiceId"] = v
		case "firstMessage":
			msg.Data["firstMessage"] = v
		case "language":
			msg.Data["language"] = v
		default:
			vars[k] = v
		}
	}
	msg.Data["variables"] = vars
	return msg
}

func (c *Connector) consume(ctx context.Context, conn *stream.Connection, params map[string]string) {
	defer c.wg.Done()
	sid := conn.SessionID()

	err := stream.Pump(ctx, conn, c.opts.InboundQueue, classify, func(ctx context.Context, data []byte) {
		c.adapter.OnIncoming(ctx, data, sid)
	})
	// Closed on our side: replaced, disconnected or session removed.
	local := conn.Closed()
	_ = conn.Close()

	if local || ctx.Err() != nil {
		c.log.Debug("agent connection closed", zap.String("session", sid))
		return
	}
	status, ok := c.adapter.store.CallStatus(sid)
	if !ok || !status.Open() {
		return
	}
	if c.adapter.store.AgentMode(sid) {
		c.log.Info("agent connection closed during takeover", zap.String("session", sid), zap.Error(err))
		return
	}

	switch {
	case stream.IsNormalClose(err):
		c.log.Info("agent ended the conversation", zap.String("session", sid))
		if _, endErr := c.adapter.store.EndCall(ctx, sid, "agent ended conversation"); endErr != nil {
			c.log.Warn("end call failed", zap.String("session", sid), zap.Error(endErr))
		}

	case stream.IsRetryableError(err):
		c.log.Warn("agent connection dropped, reconnecting", zap.String("session", sid), zap.Error(err))
		if rerr := c.Connect(ctx, sid, params); rerr != nil {
			c.fail(sid, "agent reconnect failed: "+rerr.Error())
		}

	default:
		c.fail(sid, "agent connection lost")
	}
}

func (c *Connector) fail(sessionID, reason string) {
	c.log.Warn("agent failure", zap.String("session", sessionID), zap.String("reason", reason))
	notice := message.New(sessionID, message.RoleAI, message.KindError)
	notice.Text = reason
	c.adapter.streams.Broadcast(sessionID, notice)
	c.adapter.store.FailCall(sessionID, reason)
}

// Disconnect closes the agent connection of a session.
func (c *Connector) Disconnect(sessionID string) bool {
	conn := c.adapter.streams.Connection(message.RoleAI, sessionID)
	if conn == nil {
		return false
	}
	_ = conn.Close()
	c.log.Info("agent disconnected", zap.String("session", sessionID))
	return true
}

// ChangeVoice asks the agent to switch its voice for the rest of the call.
func (c *Connector) ChangeVoice(sessionID, voiceID string) bool {
	msg := message.New(sessionID, message.RoleHuman, message.KindControl)
	msg.Destination = message.RoleAI
	msg.Action = message.ActionChangeVoice
	msg.Data = map[string]any{"voiceId": voiceID}
	return c.Control(msg)
}

// Control applies a control message aimed at the agent.
func (c *Connector) Control(msg *message.Message) bool {
	if msg == nil || msg.Kind != message.KindControl {
		return false
	}
	switch msg.Action {
	case message.ActionEndSession:
		return c.Disconnect(msg.SessionID)
	case message.ActionChangeVoice:
		payload, ok := c.adapter.FromStandard(msg)
		if !ok {
			return false
		}
		return c.adapter.streams.Deliver(message.RoleAI, msg.SessionID, payload, stream.ClassControl)
	}
	return false
}

// Wait blocks until every agent consumer has returned.
func (c *Connector) Wait() {
	c.wg.Wait()
}

var audioMarker = []byte(`"audio_event"`)

func classify(data []byte) stream.Class {
	if bytes.Contains(data, audioMarker) {
		return stream.ClassAudio
	}
	return stream.ClassControl
}
