package session

import "time"

// Speaker identifies who produced a transcript entry.
type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAI     Speaker = "ai"
	SpeakerHuman  Speaker = "human"
	SpeakerSystem Speaker = "system"
)

// TranscriptEntry is immutable once appended.
type TranscriptEntry struct {
	Text      string    `json:"text"`
	Speaker   Speaker   `json:"speaker"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptLog is an append-only log that evicts the oldest entries past its cap.
type TranscriptLog struct {
	entries []TranscriptEntry
	limit   int
}

// NewTranscriptLog creates a log holding at most limit entries.
func NewTranscriptLog(limit int) *TranscriptLog {
	if limit < 1 {
		limit = 1
	}
	return &TranscriptLog{entries: make([]TranscriptEntry, 0, min(limit, 32)), limit: limit}
}

// Append adds an entry and reports how many were evicted.
func (l *TranscriptLog) Append(entry TranscriptEntry) int {
	l.entries = append(l.entries, entry)
	over := len(l.entries) - l.limit
	if over <= 0 {
		return 0
	}
	n := copy(l.entries, l.entries[over:])
	clear(l.entries[n:])
	l.entries = l.entries[:n]
	return over
}

// Entries returns a copy of the log, oldest first.
func (l *TranscriptLog) Entries() []TranscriptEntry {
	out := make([]TranscriptEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of retained entries.
func (l *TranscriptLog) Len() int {
	return len(l.entries)
}
