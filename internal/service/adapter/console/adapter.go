// Package console adapts the operator and observer channel, a JSON
// envelope protocol spoken by the monitoring console.
package console

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/callbridge/internal/logger"
	"github.com/zhouzirui/callbridge/internal/model/message"
	model "github.com/zhouzirui/callbridge/internal/model/session"
	"github.com/zhouzirui/callbridge/internal/service/adapter"
	sessionsvc "github.com/zhouzirui/callbridge/internal/service/session"
	"github.com/zhouzirui/callbridge/internal/service/stream"
)

// ErrReadOnly is returned when an observer sends an operator command.
var ErrReadOnly = errors.New("observer channel is read-only")

// Takeover switches call control between the agent and an operator.
type Takeover interface {
	Activate(sessionID, operator string) (bool, error)
	Deactivate(sessionID string) (bool, error)
}

// AgentControl forwards control commands to the agent connection.
type AgentControl interface {
	Control(msg *message.Message) bool
}

// Options configures an Adapter.
type Options struct {
	Store    *sessionsvc.Store
	Streams  *stream.Manager
	Takeover Takeover
	Agent    AgentControl
	// InboundQueue bounds frames waiting for the session consumer.
	InboundQueue int
	Logger       *zap.Logger
}

// Adapter serves one console role.
type Adapter struct {
	role      message.Role
	store     *sessionsvc.Store
	streams   *stream.Manager
	takeover  Takeover
	agent     AgentControl
	queueSize int
	log       *zap.Logger
}

var _ adapter.Adapter = (*Adapter)(nil)

// New creates a console adapter for role, which must be human or observer.
func New(role message.Role, opts Options) *Adapter {
	if opts.InboundQueue < 1 {
		opts.InboundQueue = 128
	}
	return &Adapter{
		role:      role,
		store:     opts.Store,
		streams:   opts.Streams,
		takeover:  opts.Takeover,
		agent:     opts.Agent,
		queueSize: opts.InboundQueue,
		log:       logger.OrNop(opts.Logger).Named("console").With(zap.String("role", string(role))),
	}
}

// Role returns the console role served.
func (a *Adapter) Role() message.Role {
	return a.role
}

// ToStandard decodes an operator frame.
func (a *Adapter) ToStandard(raw []byte, sessionID string) (*message.Message, error) {
	var in envelope
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrMalformed, err)
	}
	if in.SessionID != "" && in.SessionID != sessionID {
		return nil, fmt.Errorf("%w: session mismatch", adapter.ErrMalformed)
	}

	switch in.Type {
	case typePing:
		return message.New(sessionID, a.role, message.KindKeepalive), nil

	case typeAudio:
		var data audioData
		if err := decodeData(in.Data, &data); err != nil {
			return nil, err
		}
		pcm, err := base64.StdEncoding.DecodeString(data.Audio)
		if err != nil {
			return nil, fmt.Errorf("%w: audio payload: %v", adapter.ErrMalformed, err)
		}
		msg := message.New(sessionID, a.role, message.KindAudio)
		msg.Audio = pcm
		msg.Encoding = message.Encoding(data.Encoding)
		if msg.Encoding == message.EncodingUnknown {
			msg.Encoding = message.EncodingMulaw8k
		}
		msg.FrameID = data.Seq
		return msg, nil

	case typeTakeover:
		var data takeoverData
		if err := decodeData(in.Data, &data); err != nil {
			return nil, err
		}
		msg := message.New(sessionID, a.role, message.KindTakeover)
		msg.Data = map[string]any{"operator": data.Operator}
		return msg, nil

	case typeRelease:
		return message.New(sessionID, a.role, message.KindRelease), nil

	case typeHangup:
		return message.New(sessionID, a.role, message.KindHangup), nil

	case typeClear:
		return message.New(sessionID, a.role, message.KindClear), nil

	case typeText:
		var data textData
		if err := decodeData(in.Data, &data); err != nil {
			return nil, err
		}
		if data.Text == "" {
			return nil, fmt.Errorf("%w: empty text", adapter.ErrMalformed)
		}
		msg := message.New(sessionID, a.role, message.KindNote)
		msg.Text = data.Text
		return msg, nil

	case typeControl:
		var data controlData
		if err := decodeData(in.Data, &data); err != nil {
			return nil, err
		}
		msg := message.New(sessionID, a.role, message.KindControl)
		msg.Destination = message.RoleAI
		msg.Action = data.Action
		msg.Data = map[string]any{"voiceId": data.VoiceID}
		return msg, nil
	}

	return nil, fmt.Errorf("%w: type %q", adapter.ErrUnsupported, in.Type)
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: data: %v", adapter.ErrMalformed, err)
	}
	return nil
}

// FromStandard renders msg as a console envelope.
func (a *Adapter) FromStandard(msg *message.Message) ([]byte, bool) {
	if msg == nil {
		return nil, false
	}

	out := outgoing{SessionID: msg.SessionID, Timestamp: time.Now().UnixMilli()}
	switch msg.Kind {
	case message.KindAudio:
		if len(msg.Audio) == 0 {
			return nil, false
		}
		out.Type = typeAudio
		out.Data = map[string]any{
			"audio":    base64.StdEncoding.EncodeToString(msg.Audio),
			"encoding": msg.Encoding,
			"source":   msg.Source,
		}
	case message.KindTranscript:
		out.Type = typeTranscript
		out.Data = map[string]any{"text": msg.Text, "speaker": msg.Speaker, "final": msg.Final}
	case message.KindStatus:
		out.Type = typeStatus
		out.Data = msg.Data
	case message.KindTakeover:
		out.Type = typeTakeover
		out.Data = msg.Data
	case message.KindRelease:
		out.Type = typeRelease
		out.Data = msg.Data
	case message.KindConnected:
		out.Type = typeConnected
		out.Data = map[string]any{"source": msg.Source, "details": msg.Data}
	case message.KindInterruption:
		out.Type = typeInterruption
	case message.KindClear:
		out.Type = typeClear
	case message.KindMark:
		out.Type = typeMark
		out.Data = map[string]any{"name": msg.Text}
	case message.KindNote:
		out.Type = typeNote
		out.Data = map[string]any{"text": msg.Text, "source": msg.Source, "details": msg.Data}
	case message.KindError:
		out.Type = typeError
		out.Data = map[string]any{"message": msg.Text, "source": msg.Source}
	case message.KindKeepalive:
		out.Type = typePong
	default:
		return nil, false
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return nil, false
	}
	return payload, true
}

// OnIncoming decodes and handles one console frame. Rejected frames are
// answered with an error envelope.
func (a *Adapter) OnIncoming(ctx context.Context, raw []byte, sessionID string) bool {
	msg, err := a.ToStandard(raw, sessionID)
	if err != nil {
		a.log.Debug("bad console frame", zap.String("session", sessionID), zap.Error(err))
		a.sendError(sessionID, err.Error())
		return false
	}
	return a.Handle(ctx, msg)
}

// Handle applies an operator command.
func (a *Adapter) Handle(ctx context.Context, msg *message.Message) bool {
	if msg == nil {
		return false
	}
	sid := msg.SessionID

	if msg.Kind == message.KindKeepalive {
		pong, ok := a.FromStandard(msg)
		return ok && a.streams.Deliver(a.role, sid, pong, stream.ClassControl)
	}
	if a.role != message.RoleHuman {
		a.sendError(sid, ErrReadOnly.Error())
		return false
	}
	if !a.store.Exists(sid) {
		a.log.Warn("console frame for unknown session dropped", zap.String("session", sid))
		return false
	}
	a.store.Touch(sid)

	switch msg.Kind {
	case message.KindAudio:
		// Operator speech reaches the caller only while the operator holds the call.
		if !a.store.AgentMode(sid) {
			return false
		}
		return a.streams.Route(msg)

	case message.KindClear:
		msg.Destination = message.RoleTelephony
		return a.streams.Route(msg)

	case message.KindTakeover:
		if a.takeover == nil {
			a.sendError(sid, "takeover unavailable")
			return false
		}
		operator, _ := msg.Data["operator"].(string)
		changed, err := a.takeover.Activate(sid, operator)
		if err != nil {
			a.sendError(sid, err.Error())
			return false
		}
		return changed

	case message.KindRelease:
		if a.takeover == nil {
			a.sendError(sid, "takeover unavailable")
			return false
		}
		changed, err := a.takeover.Deactivate(sid)
		if err != nil {
			a.sendError(sid, err.Error())
			return false
		}
		return changed

	case message.KindHangup:
		ended, err := a.store.EndCall(ctx, sid, "operator hangup")
		if err != nil {
			a.log.Warn("operator hangup failed", zap.String("session", sid), zap.Error(err))
			a.sendError(sid, err.Error())
		}
		return ended

	case message.KindNote:
		a.store.AppendTranscript(sid, msg.Text, model.SpeakerSystem)
		a.streams.Broadcast(sid, msg)
		return true

	case message.KindControl:
		if a.agent == nil {
			a.sendError(sid, "agent control unavailable")
			return false
		}
		return a.agent.Control(msg)
	}
	return false
}

func (a *Adapter) sendError(sessionID, text string) {
	msg := message.New(sessionID, message.RoleNone, message.KindError)
	msg.Text = text
	if payload, ok := a.FromStandard(msg); ok {
		a.streams.Deliver(a.role, sessionID, payload, stream.ClassControl)
	}
}

// Serve registers a console connection for an existing session and consumes
// its frames until it closes.
func (a *Adapter) Serve(ctx context.Context, transport stream.Transport, sessionID string) error {
	snap, err := a.store.Get(sessionID)
	if err != nil {
		_ = transport.Close()
		return err
	}

	conn, err := a.streams.Register(a.role, transport, sessionID, stream.InitialState{})
	if err != nil {
		return err
	}
	hello := outgoing{
		Type:      typeSession,
		SessionID: sessionID,
		Data:      snap,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload, err := json.Marshal(hello); err == nil {
		conn.Send(payload, stream.ClassControl)
	}
	a.log.Info("console attached", zap.String("session", sessionID))

	err = stream.Pump(ctx, conn, a.queueSize, classify, func(ctx context.Context, data []byte) {
		a.OnIncoming(ctx, data, sessionID)
	})
	_ = conn.Close()
	if err != nil && !errors.Is(err, context.Canceled) && !stream.IsNormalClose(err) {
		a.log.Debug("console closed", zap.String("session", sessionID), zap.Error(err))
	}
	return nil
}

var audioMarker = []byte(`"type":"audio"`)

func classify(data []byte) stream.Class {
	if bytes.Contains(data, audioMarker) {
		return stream.ClassAudio
	}
	return stream.ClassControl
}
