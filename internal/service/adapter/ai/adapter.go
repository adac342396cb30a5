// Package ai adapts the conversational agent's event vocabulary and opens
// the agent connection for a session on demand.
package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/zhouzirui/callbridge/internal/audio"
	"github.com/zhouzirui/callbridge/internal/logger"
	"github.com/zhouzirui/callbridge/internal/model/message"
	model "github.com/zhouzirui/callbridge/internal/model/session"
	"github.com/zhouzirui/callbridge/internal/service/adapter"
	sessionsvc "github.com/zhouzirui/callbridge/internal/service/session"
	"github.com/zhouzirui/callbridge/internal/service/stream"
)

// Options configures an Adapter.
type Options struct {
	Store      *sessionsvc.Store
	Streams    *stream.Manager
	Transcoder *audio.Transcoder
	// InputFormat is what the agent expects for caller audio.
	InputFormat message.Encoding
	// OutputFormat is what the agent produces until the session metadata
	// says otherwise.
	OutputFormat message.Encoding
	Logger       *zap.Logger
}

type formats struct {
	input  message.Encoding
	output message.Encoding
}

// Adapter translates agent events.
type Adapter struct {
	store      *sessionsvc.Store
	streams    *stream.Manager
	transcoder *audio.Transcoder
	defaults   formats
	log        *zap.Logger

	mu         sync.RWMutex
	negotiated map[string]formats
}

var _ adapter.Adapter = (*Adapter)(nil)

// New creates an agent adapter.
func New(opts Options) *Adapter {
	if opts.Transcoder == nil {
		opts.Transcoder = audio.NewTranscoder()
	}
	if opts.InputFormat == message.EncodingUnknown {
		opts.InputFormat = message.EncodingMulaw8k
	}
	if opts.OutputFormat == message.EncodingUnknown {
		opts.OutputFormat = message.EncodingMulaw8k
	}
	return &Adapter{
		store:      opts.Store,
		streams:    opts.Streams,
		transcoder: opts.Transcoder,
		defaults:   formats{input: opts.InputFormat, output: opts.OutputFormat},
		log:        logger.OrNop(opts.Logger).Named("agent"),
		negotiated: make(map[string]formats),
	}
}

func (a *Adapter) formats(sessionID string) formats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if f, ok := a.negotiated[sessionID]; ok {
		return f
	}
	return a.defaults
}

func (a *Adapter) negotiate(sessionID string, input, output string) {
	f := a.defaults
	if enc := message.Encoding(input); input != "" {
		if _, err := audio.ParseFormat(enc); err == nil {
			f.input = enc
		}
	}
	if enc := message.Encoding(output); output != "" {
		if _, err := audio.ParseFormat(enc); err == nil {
			f.output = enc
		}
	}
	a.mu.Lock()
	a.negotiated[sessionID] = f
	a.mu.Unlock()
}

// Release forgets per-session format negotiation.
func (a *Adapter) Release(sessionID string) {
	a.mu.Lock()
	delete(a.negotiated, sessionID)
	a.mu.Unlock()
}

// ToStandard decodes one agent event.
func (a *Adapter) ToStandard(raw []byte, sessionID string) (*message.Message, error) {
	var evt inboundEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrMalformed, err)
	}

	switch evt.Type {
	case eventInitiationMetadata:
		msg := message.New(sessionID, message.RoleAI, message.KindConnected)
		msg.Data = map[string]any{}
		if evt.Metadata != nil {
			msg.Data["conversationId"] = evt.Metadata.ConversationID
			msg.Data["outputFormat"] = evt.Metadata.AgentOutputFormat
			msg.Data["inputFormat"] = evt.Metadata.UserInputFormat
		}
		return msg, nil

	case eventAudio:
		if evt.Audio == nil {
			return nil, fmt.Errorf("%w: audio without payload", adapter.ErrMalformed)
		}
		data, err := base64.StdEncoding.DecodeString(evt.Audio.Audio)
		if err != nil {
			return nil, fmt.Errorf("%w: audio payload: %v", adapter.ErrMalformed, err)
		}
		msg := message.New(sessionID, message.RoleAI, message.KindAudio)
		msg.Audio = data
		msg.Encoding = a.formats(sessionID).output
		if evt.Audio.EventID > 0 {
			msg.FrameID = strconv.FormatInt(evt.Audio.EventID, 10)
		}
		return msg, nil

	case eventInterruption:
		return message.New(sessionID, message.RoleAI, message.KindInterruption), nil

	case eventUserTranscript:
		if evt.UserTranscript == nil {
			return nil, fmt.Errorf("%w: transcript without payload", adapter.ErrMalformed)
		}
		return transcript(sessionID, evt.UserTranscript.Text, model.SpeakerCaller, true), nil

	case eventAgentResponse:
		if evt.AgentResponse == nil {
			return nil, fmt.Errorf("%w: response without payload", adapter.ErrMalformed)
		}
		return transcript(sessionID, evt.AgentResponse.Text, model.SpeakerAI, true), nil

	case eventAgentCorrection:
		if evt.AgentCorrection == nil {
			return nil, fmt.Errorf("%w: correction without payload", adapter.ErrMalformed)
		}
		msg := transcript(sessionID, evt.AgentCorrection.Corrected, model.SpeakerAI, true)
		msg.Data = map[string]any{"correction": true, "original": evt.AgentCorrection.Original}
		return msg, nil

	case eventTentativeResponse:
		if evt.Tentative == nil {
			return nil, fmt.Errorf("%w: tentative response without payload", adapter.ErrMalformed)
		}
		return transcript(sessionID, evt.Tentative.Text, model.SpeakerAI, false), nil

	case eventPing:
		msg := message.New(sessionID, message.RoleAI, message.KindKeepalive)
		msg.Data = map[string]any{}
		if evt.Ping != nil {
			msg.Data["eventId"] = evt.Ping.EventID
			msg.Data["pingMs"] = evt.Ping.PingMs
		}
		return msg, nil

	case eventError:
		msg := message.New(sessionID, message.RoleAI, message.KindError)
		msg.Text = evt.Message
		if evt.ErrorEvent != nil && evt.ErrorEvent.Message != "" {
			msg.Text = evt.ErrorEvent.Message
		}
		if msg.Text == "" {
			msg.Text = "agent reported an error"
		}
		return msg, nil
	}

	return nil, fmt.Errorf("%w: event %q", adapter.ErrUnsupported, evt.Type)
}

func transcript(sessionID, text string, speaker model.Speaker, final bool) *message.Message {
	msg := message.New(sessionID, message.RoleAI, message.KindTranscript)
	msg.Text = text
	msg.Speaker = string(speaker)
	msg.Final = final
	return msg
}

// FromStandard encodes msg for the agent.
func (a *Adapter) FromStandard(msg *message.Message) ([]byte, bool) {
	if msg == nil {
		return nil, false
	}

	var out any
	switch msg.Kind {
	case message.KindAudio:
		if len(msg.Audio) == 0 {
			return nil, false
		}
		from := msg.Encoding
		if from == message.EncodingUnknown {
			from = message.EncodingMulaw8k
		}
		data, err := a.transcoder.Convert(msg.SessionID, audio.Inbound, msg.Audio, from, a.formats(msg.SessionID).input)
		if err != nil {
			a.log.Debug("caller audio not transcodable", zap.String("session", msg.SessionID), zap.Error(err))
			return nil, false
		}
		if len(data) == 0 {
			return nil, false
		}
		out = userAudioChunk{UserAudioChunk: base64.StdEncoding.EncodeToString(data)}

	case message.KindKeepalive:
		id, _ := msg.Data["eventId"].(int64)
		out = pongEvent{Type: eventPong, EventID: id}

	case message.KindStart:
		out = initiation(msg)

	case message.KindControl:
		if msg.Action != message.ActionChangeVoice {
			return nil, false
		}
		voice, _ := msg.Data["voiceId"].(string)
		if voice == "" {
			return nil, false
		}
		out = clientData{
			Type:           eventClientData,
			ConfigOverride: &configOverride{TTS: &ttsOverride{VoiceID: voice}},
		}

	default:
		return nil, false
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return nil, false
	}
	return payload, true
}

func initiation(msg *message.Message) clientData {
	data := clientData{Type: eventClientData}
	voice, _ := msg.Data["voiceId"].(string)
	first, _ := msg.Data["firstMessage"].(string)
	language, _ := msg.Data["language"].(string)
	if voice != "" || first != "" || language != "" {
		data.ConfigOverride = &configOverride{}
		if voice != "" {
			data.ConfigOverride.TTS = &ttsOverride{VoiceID: voice}
		}
		if first != "" || language != "" {
			data.ConfigOverride.Agent = &agentOverride{FirstMessage: first, Language: language}
		}
	}
	if vars, ok := msg.Data["variables"].(map[string]string); ok && len(vars) > 0 {
		data.DynamicVariables = vars
	}
	return data
}

// OnIncoming decodes and handles one agent event.
func (a *Adapter) OnIncoming(ctx context.Context, raw []byte, sessionID string) bool {
	msg, err := a.ToStandard(raw, sessionID)
	if err != nil {
		if errors.Is(err, adapter.ErrUnsupported) {
			a.log.Debug("ignored agent event", zap.String("session", sessionID), zap.Error(err))
		} else {
			a.log.Warn("bad agent event", zap.String("session", sessionID), zap.Error(err))
		}
		return false
	}
	return a.Handle(ctx, msg)
}

// Handle applies the side effects of an agent message and routes it.
// Keep-alives are answered on the agent connection directly.
func (a *Adapter) Handle(_ context.Context, msg *message.Message) bool {
	if msg == nil {
		return false
	}
	sid := msg.SessionID

	if msg.Kind == message.KindKeepalive {
		pong, ok := a.FromStandard(msg)
		if !ok {
			return false
		}
		return a.streams.Deliver(message.RoleAI, sid, pong, stream.ClassUrgent)
	}

	if sid == "" || !a.store.Exists(sid) {
		a.log.Warn("agent event for unknown session dropped",
			zap.String("session", sid),
			zap.String("kind", string(msg.Kind)))
		return false
	}
	a.store.Touch(sid)

	switch msg.Kind {
	case message.KindConnected:
		input, _ := msg.Data["inputFormat"].(string)
		output, _ := msg.Data["outputFormat"].(string)
		a.negotiate(sid, input, output)
		if a.store.MarkActive(sid) {
			a.log.Info("call active", zap.String("session", sid))
		}
		a.streams.Broadcast(sid, msg)
		return true

	case message.KindAudio:
		return a.streams.Route(msg)

	case message.KindInterruption:
		a.streams.Broadcast(sid, msg)
		return a.streams.Route(msg)

	case message.KindTranscript:
		correction, _ := msg.Data["correction"].(bool)
		if msg.Final && !correction && msg.Text != "" {
			a.store.AppendTranscript(sid, msg.Text, model.Speaker(msg.Speaker))
		}
		a.streams.Broadcast(sid, msg)
		return true

	case message.KindError:
		a.log.Warn("agent error", zap.String("session", sid), zap.String("error", msg.Text))
		a.streams.Broadcast(sid, msg)
		// An operator holding the call keeps it.
		if !a.store.AgentMode(sid) {
			a.store.FailCall(sid, "agent error: "+msg.Text)
		}
		return true
	}
	return false
}
