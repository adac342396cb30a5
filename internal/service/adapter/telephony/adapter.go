// Package telephony adapts the carrier's Media Streams vocabulary.
package telephony

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/callbridge/internal/audio"
	"github.com/zhouzirui/callbridge/internal/logger"
	"github.com/zhouzirui/callbridge/internal/model/message"
	model "github.com/zhouzirui/callbridge/internal/model/session"
	"github.com/zhouzirui/callbridge/internal/service/adapter"
	sessionsvc "github.com/zhouzirui/callbridge/internal/service/session"
	"github.com/zhouzirui/callbridge/internal/service/stream"
)

// StartFunc is invoked once the carrier leg is confirmed live. params are
// the stream's custom parameters.
type StartFunc func(ctx context.Context, sessionID string, params map[string]string)

// Options configures an Adapter.
type Options struct {
	Store      *sessionsvc.Store
	Streams    *stream.Manager
	Transcoder *audio.Transcoder
	OnStart    StartFunc
	// InboundQueue bounds frames waiting for the session consumer.
	InboundQueue int
	Logger       *zap.Logger
}

// Adapter translates Media Streams frames and owns the call-start handshake.
type Adapter struct {
	store      *sessionsvc.Store
	streams    *stream.Manager
	transcoder *audio.Transcoder
	onStart    StartFunc
	queueSize  int
	log        *zap.Logger
}

var _ adapter.Adapter = (*Adapter)(nil)

// New creates a telephony adapter.
func New(opts Options) *Adapter {
	if opts.Transcoder == nil {
		opts.Transcoder = audio.NewTranscoder()
	}
	if opts.InboundQueue < 1 {
		opts.InboundQueue = 128
	}
	return &Adapter{
		store:      opts.Store,
		streams:    opts.Streams,
		transcoder: opts.Transcoder,
		onStart:    opts.OnStart,
		queueSize:  opts.InboundQueue,
		log:        logger.OrNop(opts.Logger).Named("telephony"),
	}
}

// SetOnStart replaces the call-start callback.
func (a *Adapter) SetOnStart(fn StartFunc) {
	a.onStart = fn
}

// ToStandard decodes one Media Streams frame.
func (a *Adapter) ToStandard(raw []byte, sessionID string) (*message.Message, error) {
	var evt inboundEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrMalformed, err)
	}

	switch evt.Event {
	case eventConnected:
		msg := message.New(sessionID, message.RoleTelephony, message.KindConnected)
		msg.Data = map[string]any{"protocol": evt.Protocol, "version": evt.Version}
		return msg, nil

	case eventStart:
		if evt.Start == nil {
			return nil, fmt.Errorf("%w: start without payload", adapter.ErrMalformed)
		}
		streamSID := evt.Start.StreamSid
		if streamSID == "" {
			streamSID = evt.StreamSid
		}
		if streamSID == "" {
			return nil, fmt.Errorf("%w: start without streamSid", adapter.ErrMalformed)
		}
		if id := evt.Start.CustomParameters[ParamSessionID]; sessionID == "" && id != "" {
			sessionID = id
		}
		params := make(map[string]string, len(evt.Start.CustomParameters))
		for k, v := range evt.Start.CustomParameters {
			params[k] = v
		}
		msg := message.New(sessionID, message.RoleTelephony, message.KindStart)
		msg.StreamSID = streamSID
		msg.Data = map[string]any{
			"callSid":    evt.Start.CallSid,
			"accountSid": evt.Start.AccountSid,
			"params":     params,
			"encoding":   evt.Start.MediaFormat.Encoding,
			"sampleRate": evt.Start.MediaFormat.SampleRate,
		}
		return msg, nil

	case eventMedia:
		if evt.Media == nil {
			return nil, fmt.Errorf("%w: media without payload", adapter.ErrMalformed)
		}
		data, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: media payload: %v", adapter.ErrMalformed, err)
		}
		msg := message.New(sessionID, message.RoleTelephony, message.KindAudio)
		msg.Audio = data
		msg.Encoding = message.EncodingMulaw8k
		msg.StreamSID = evt.StreamSid
		msg.FrameID = evt.Media.Chunk
		if msg.FrameID == "" {
			msg.FrameID = evt.SequenceNumber
		}
		return msg, nil

	case eventMark:
		msg := message.New(sessionID, message.RoleTelephony, message.KindMark)
		msg.StreamSID = evt.StreamSid
		if evt.Mark != nil {
			msg.Text = evt.Mark.Name
		}
		return msg, nil

	case eventStop:
		msg := message.New(sessionID, message.RoleTelephony, message.KindStop)
		msg.StreamSID = evt.StreamSid
		if evt.Stop != nil {
			msg.Data = map[string]any{"callSid": evt.Stop.CallSid}
		}
		return msg, nil

	case eventDTMF:
		if evt.DTMF == nil {
			return nil, fmt.Errorf("%w: dtmf without payload", adapter.ErrMalformed)
		}
		msg := message.New(sessionID, message.RoleTelephony, message.KindNote)
		msg.Text = evt.DTMF.Digit
		msg.Data = map[string]any{"dtmf": evt.DTMF.Digit}
		return msg, nil
	}

	return nil, fmt.Errorf("%w: event %q", adapter.ErrUnsupported, evt.Event)
}

// FromStandard encodes msg for the carrier. Every outbound frame must be
// addressed by the stream sid.
func (a *Adapter) FromStandard(msg *message.Message) ([]byte, bool) {
	if msg == nil || msg.StreamSID == "" {
		return nil, false
	}

	out := outboundEvent{StreamSid: msg.StreamSID}
	switch msg.Kind {
	case message.KindAudio:
		if len(msg.Audio) == 0 {
			return nil, false
		}
		from := msg.Encoding
		if from == message.EncodingUnknown {
			from = message.EncodingMulaw8k
		}
		ulaw, err := a.transcoder.Convert(msg.SessionID, audio.Outbound, msg.Audio, from, message.EncodingMulaw8k)
		if err != nil {
			a.log.Debug("outbound audio not transcodable", zap.String("session", msg.SessionID), zap.Error(err))
			return nil, false
		}
		if len(ulaw) == 0 {
			return nil, false
		}
		out.Event = eventMedia
		out.Media = &mediaPayload{Payload: base64.StdEncoding.EncodeToString(ulaw)}
	case message.KindClear, message.KindInterruption:
		out.Event = eventClear
	case message.KindMark:
		name := msg.Text
		if name == "" {
			name = strconv.FormatInt(time.Now().UnixMilli(), 10)
		}
		out.Event = eventMark
		out.Mark = &markPayload{Name: name}
	default:
		return nil, false
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return nil, false
	}
	return payload, true
}

// OnIncoming decodes and handles one carrier frame.
func (a *Adapter) OnIncoming(ctx context.Context, raw []byte, sessionID string) bool {
	msg, err := a.ToStandard(raw, sessionID)
	if err != nil {
		if errors.Is(err, adapter.ErrUnsupported) {
			a.log.Debug("ignored carrier frame", zap.String("session", sessionID), zap.Error(err))
		} else {
			a.log.Warn("bad carrier frame", zap.String("session", sessionID), zap.Error(err))
		}
		return false
	}
	return a.Handle(ctx, msg)
}

// Handle applies the side effects of a carrier message and routes it.
func (a *Adapter) Handle(ctx context.Context, msg *message.Message) bool {
	if msg == nil {
		return false
	}
	if msg.Kind == message.KindStart {
		return a.handleStart(ctx, msg)
	}
	if msg.Kind == message.KindConnected {
		return true
	}
	if msg.SessionID == "" || !a.store.Exists(msg.SessionID) {
		a.log.Warn("carrier frame for unknown session dropped",
			zap.String("session", msg.SessionID),
			zap.String("kind", string(msg.Kind)))
		return false
	}
	a.store.Touch(msg.SessionID)

	switch msg.Kind {
	case message.KindAudio:
		return a.streams.Route(msg)

	case message.KindMark:
		a.streams.Broadcast(msg.SessionID, msg)
		return true

	case message.KindNote:
		a.store.AppendTranscript(msg.SessionID, "caller pressed "+msg.Text, model.SpeakerSystem)
		a.streams.Broadcast(msg.SessionID, msg)
		return true

	case message.KindStop:
		if _, _, err := a.store.SetStatus(msg.SessionID, model.StatusEnding, "carrier stream stopped"); err != nil {
			a.log.Warn("stop not applied", zap.String("session", msg.SessionID), zap.Error(err))
		}
		return true
	}
	return false
}

func (a *Adapter) handleStart(ctx context.Context, msg *message.Message) bool {
	callSID, _ := msg.Data["callSid"].(string)
	if msg.SessionID == "" && callSID != "" {
		if id, ok := a.store.LookupByCallSID(callSID); ok {
			msg.SessionID = id
		}
	}
	if msg.SessionID == "" {
		msg.SessionID = model.NewID()
	}

	if _, created := a.store.CreateLazy(msg.SessionID); created {
		a.log.Info("session created from carrier start", zap.String("session", msg.SessionID))
	}

	if _, err := a.store.UpdateCall(msg.SessionID, model.CallUpdate{StreamSID: msg.StreamSID, CallSID: callSID}); err != nil {
		a.log.Warn("start not merged",
			zap.String("session", msg.SessionID),
			zap.String("streamSid", msg.StreamSID),
			zap.Error(err))
		return false
	}
	if _, _, err := a.store.SetStatus(msg.SessionID, model.StatusConnected, "carrier stream started"); err != nil {
		a.log.Warn("status not applied", zap.String("session", msg.SessionID), zap.Error(err))
	}

	a.log.Info("carrier stream started",
		zap.String("session", msg.SessionID),
		zap.String("streamSid", msg.StreamSID),
		zap.String("callSid", callSID))

	if a.onStart != nil {
		params, _ := msg.Data["params"].(map[string]string)
		a.onStart(ctx, msg.SessionID, params)
	}
	return true
}

// Serve runs a carrier media connection. It waits for the start frame to
// learn the session, registers the connection and then consumes frames
// until the connection ends. sessionID may be empty when the session is
// carried in the stream's custom parameters.
func (a *Adapter) Serve(ctx context.Context, transport stream.Transport, sessionID string) error {
	var start *message.Message
	for start == nil {
		_, raw, err := transport.ReadMessage()
		if err != nil {
			_ = transport.Close()
			return fmt.Errorf("carrier handshake: %w", err)
		}
		msg, err := a.ToStandard(raw, sessionID)
		if err != nil {
			a.log.Debug("handshake frame ignored", zap.Error(err))
			continue
		}
		switch msg.Kind {
		case message.KindConnected:
			continue
		case message.KindStart:
			start = msg
		default:
			a.log.Debug("frame before start dropped", zap.String("kind", string(msg.Kind)))
		}
	}

	// The session must exist before the connection merges its initial state.
	if start.SessionID == "" {
		callSID, _ := start.Data["callSid"].(string)
		if id, ok := a.store.LookupByCallSID(callSID); ok && callSID != "" {
			start.SessionID = id
		} else {
			start.SessionID = model.NewID()
		}
	}
	a.store.CreateLazy(start.SessionID)

	// A second stream for the same call must not replace the live leg.
	if existing := a.store.StreamSID(start.SessionID); existing != "" && existing != start.StreamSID {
		_ = transport.Close()
		a.log.Warn("duplicate carrier stream refused",
			zap.String("session", start.SessionID),
			zap.String("streamSid", start.StreamSID),
			zap.String("current", existing))
		return fmt.Errorf("carrier start for session %s: %w", start.SessionID, sessionsvc.ErrStreamSIDImmutable)
	}

	conn, err := a.streams.Register(message.RoleTelephony, transport, start.SessionID, stream.InitialState{StreamSID: start.StreamSID})
	if err != nil {
		return fmt.Errorf("carrier start for session %s: %w", start.SessionID, err)
	}
	if !a.handleStart(ctx, start) {
		_ = conn.Close()
		return fmt.Errorf("carrier start rejected for session %s", start.SessionID)
	}

	id := start.SessionID
	err = stream.Pump(ctx, conn, a.queueSize, classify, func(ctx context.Context, data []byte) {
		a.OnIncoming(ctx, data, id)
	})
	_ = conn.Close()

	if err == nil || errors.Is(err, context.Canceled) || stream.IsNormalClose(err) {
		return nil
	}
	status, ok := a.store.CallStatus(id)
	if !ok || !status.Open() {
		return nil
	}
	// An unexpected drop is not a carrier verdict; the status callback or
	// the sweep settles the call.
	a.store.SetStatus(id, model.StatusEnding, "carrier stream dropped")
	a.log.Warn("carrier stream dropped", zap.String("session", id), zap.Error(err))
	return err
}

var mediaMarker = []byte(`"event":"media"`)

func classify(data []byte) stream.Class {
	if bytes.Contains(data, mediaMarker) {
		return stream.ClassAudio
	}
	return stream.ClassControl
}
