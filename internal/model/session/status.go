package session

import "strings"

// Status is the call leg state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusInitiating Status = "initiating"
	StatusRinging    Status = "ringing"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusActive     Status = "active"
	StatusEnding     Status = "ending"
	StatusEnded      Status = "ended"
	StatusFailed     Status = "failed"
	StatusBusy       Status = "busy"
	StatusNoAnswer   Status = "no-answer"
	StatusCanceled   Status = "canceled"
)

var statusRank = map[Status]int{
	StatusIdle:       0,
	StatusInitiating: 1,
	StatusRinging:    2,
	StatusConnecting: 3,
	StatusConnected:  4,
	StatusActive:     5,
	StatusEnding:     6,
	StatusEnded:      7,
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusEnded, StatusFailed, StatusBusy, StatusNoAnswer, StatusCanceled:
		return true
	}
	return false
}

// Failure reports whether s is the failed state or one of its variants.
func (s Status) Failure() bool {
	switch s {
	case StatusFailed, StatusBusy, StatusNoAnswer, StatusCanceled:
		return true
	}
	return false
}

// Open reports whether the call leg has started and not yet reached a terminal state.
func (s Status) Open() bool {
	return s != StatusIdle && s != "" && !s.Terminal()
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	if _, ok := statusRank[s]; ok {
		return true
	}
	return s.Failure()
}

// Next resolves the state reached when `to` is requested from `from`.
// ok is false when the request must be ignored: backward moves, repeats and
// anything after a terminal state. A failure requested once the call is
// active resolves to ended.
func Next(from, to Status) (Status, bool) {
	if from == "" {
		from = StatusIdle
	}
	if from.Terminal() || from == to || !to.Valid() || to == StatusIdle {
		return from, false
	}

	if to.Failure() {
		if statusRank[from] >= statusRank[StatusActive] {
			return StatusEnded, true
		}
		return to, true
	}

	if statusRank[to] <= statusRank[from] {
		return from, false
	}
	return to, true
}

// FromCarrier maps a Twilio call status onto the state machine.
func FromCarrier(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "initiated":
		return StatusInitiating, true
	case "ringing":
		return StatusRinging, true
	case "in-progress", "answered":
		return StatusConnected, true
	case "completed":
		return StatusEnded, true
	case "busy":
		return StatusBusy, true
	case "no-answer":
		return StatusNoAnswer, true
	case "canceled":
		return StatusCanceled, true
	case "failed":
		return StatusFailed, true
	}
	return "", false
}
