// Package session holds the session aggregate shared by the store and the HTTP edge.
package session

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// IDPrefix marks every generated session identifier.
const IDPrefix = "sess_"

// NewID returns a fresh opaque session identifier.
func NewID() string {
	return IDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Call is the telephony leg attached to a session.
type Call struct {
	StreamSID   string        `json:"streamSid,omitempty"`
	CallSID     string        `json:"callSid,omitempty"`
	To          string        `json:"to,omitempty"`
	From        string        `json:"from,omitempty"`
	VoiceID     string        `json:"voiceId,omitempty"`
	DisplayName string        `json:"displayName,omitempty"`
	Status      Status        `json:"status"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	EndedAt     *time.Time    `json:"endedAt,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	EndReason   string        `json:"endReason,omitempty"`
	IsReal      bool          `json:"isReal"`
}

// CallUpdate carries the fields to merge into a Call. Empty fields are left untouched.
type CallUpdate struct {
	StreamSID   string
	CallSID     string
	To          string
	From        string
	VoiceID     string
	DisplayName string
}

// Empty reports whether the update carries nothing.
func (u CallUpdate) Empty() bool {
	return u == CallUpdate{}
}

// AudioStats aggregates per-session media counters.
type AudioStats struct {
	FramesIn      uint64  `json:"framesIn"`
	FramesOut     uint64  `json:"framesOut"`
	BytesIn       uint64  `json:"bytesIn"`
	BytesOut      uint64  `json:"bytesOut"`
	Dropped       uint64  `json:"dropped"`
	Duplicates    uint64  `json:"duplicates"`
	AvgLatencyMs  float64 `json:"avgLatencyMs"`
	LastLatencyMs float64 `json:"lastLatencyMs"`
}

// Session is a point-in-time copy of a session record.
type Session struct {
	ID            string            `json:"id"`
	CreatedAt     time.Time         `json:"createdAt"`
	LastActivity  time.Time         `json:"lastActivity"`
	Call          Call              `json:"call"`
	Transcript    []TranscriptEntry `json:"transcript"`
	AgentMode     bool              `json:"agentMode"`
	TakeoverCount int               `json:"takeoverCount"`
	TakeoverAt    *time.Time        `json:"takeoverAt,omitempty"`
	Audio         AudioStats        `json:"audio"`
	// Lazy marks a record created by an unexpected message rather than explicitly.
	Lazy bool `json:"lazy"`
}

// Summary is the list view of a session.
type Summary struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	CallSID      string    `json:"callSid,omitempty"`
	To           string    `json:"to,omitempty"`
	AgentMode    bool      `json:"agentMode"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}
