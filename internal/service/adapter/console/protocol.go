package console

import "encoding/json"

// Envelope types.
const (
	typeSession      = "session"
	typeConnected    = "connected"
	typeAudio        = "audio"
	typeTranscript   = "transcript"
	typeStatus       = "status"
	typeTakeover     = "takeover"
	typeRelease      = "release"
	typeHangup       = "hangup"
	typeClear        = "clear"
	typeInterruption = "interruption"
	typeMark         = "mark"
	typeNote         = "note"
	typeText         = "text"
	typeControl      = "control"
	typeError        = "error"
	typePing         = "ping"
	typePong         = "pong"
)

type envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

type outgoing struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type audioData struct {
	Audio    string `json:"audio"`
	Encoding string `json:"encoding"`
	Seq      string `json:"seq"`
}

type takeoverData struct {
	Operator string `json:"operator"`
}

type textData struct {
	Text string `json:"text"`
}

type controlData struct {
	Action  string `json:"action"`
	VoiceID string `json:"voiceId"`
}
