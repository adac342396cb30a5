// Package message defines the standard message shape every peer vocabulary is
// translated into before routing.
package message

import "time"

// Role identifies which peer a connection represents.
type Role string

const (
	RoleTelephony Role = "telephony"
	RoleAI        Role = "ai"
	RoleHuman     Role = "human"
	RoleObserver  Role = "observer"

	// RoleNone is a routing target meaning "discard on purpose".
	RoleNone Role = "none"
)

// Roles lists the roles that can own a connection.
func Roles() []Role {
	return []Role{RoleTelephony, RoleAI, RoleHuman, RoleObserver}
}

// Valid reports whether r can own a connection.
func (r Role) Valid() bool {
	switch r {
	case RoleTelephony, RoleAI, RoleHuman, RoleObserver:
		return true
	}
	return false
}

// Kind classifies a message for routing.
type Kind string

const (
	KindAudio        Kind = "audio"
	KindClear        Kind = "clear"
	KindMark         Kind = "mark"
	KindInterruption Kind = "interruption"
	KindTranscript   Kind = "transcript"
	KindStatus       Kind = "status"
	KindTakeover     Kind = "takeover"
	KindRelease      Kind = "release"
	KindKeepalive    Kind = "keepalive"
	KindControl      Kind = "control"
	KindStart        Kind = "start"
	KindStop         Kind = "stop"
	KindConnected    Kind = "connected"
	KindError        Kind = "error"
	KindHangup       Kind = "hangup"
	KindNote         Kind = "note"
)

// Droppable reports whether frames of this kind may be discarded under backpressure.
func (k Kind) Droppable() bool {
	return k == KindAudio
}

// Encoding names the audio encoding carried in Message.Audio.
type Encoding string

const (
	EncodingMulaw8k Encoding = "ulaw_8000"
	EncodingPCM8k   Encoding = "pcm_8000"
	EncodingPCM16k  Encoding = "pcm_16000"
	EncodingPCM22k  Encoding = "pcm_22050"
	EncodingPCM24k  Encoding = "pcm_24000"
	EncodingPCM44k  Encoding = "pcm_44100"
	EncodingUnknown Encoding = ""
)

// Control actions carried by KindControl messages.
const (
	ActionChangeVoice = "change_voice"
	ActionEndSession  = "end_session"
)

// Message is the internal standard shape shared by all adapters.
type Message struct {
	SessionID   string
	Source      Role
	Destination Role
	Kind        Kind

	// Audio holds raw (not base64) audio bytes in Encoding.
	Audio    []byte
	Encoding Encoding
	// FrameID identifies an audio frame for duplicate suppression.
	FrameID string

	Text    string
	Speaker string
	Final   bool

	// StreamSID is stamped by the registry when the destination is telephony.
	StreamSID string
	Action    string
	Data      map[string]any

	ReceivedAt time.Time
}

// New creates a message stamped with the current time.
func New(sessionID string, source Role, kind Kind) *Message {
	return &Message{
		SessionID:  sessionID,
		Source:     source,
		Kind:       kind,
		ReceivedAt: time.Now(),
	}
}

// Clone returns a shallow copy whose Data map can be modified independently.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Data != nil {
		out.Data = make(map[string]any, len(m.Data))
		for k, v := range m.Data {
			out.Data[k] = v
		}
	}
	return &out
}
