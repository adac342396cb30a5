package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	model "github.com/zhouzirui/callbridge/internal/model/session"
)

// CallEnder hangs up a real telephony leg.
type CallEnder interface {
	EndCall(ctx context.Context, callSID string) error
}

// StatusChange describes one applied call status transition.
type StatusChange struct {
	SessionID string
	From      model.Status
	To        model.Status
	Reason    string
	Call      model.Call
	At        time.Time
}

// Terminal reports whether the transition ended the call.
func (c StatusChange) Terminal() bool {
	return c.To.Terminal()
}

// StatusListener is notified after every applied transition, outside all locks.
type StatusListener func(StatusChange)

const hangupTimeout = 10 * time.Second

// OnStatusChange registers a status listener.
func (s *Store) OnStatusChange(listener StatusListener) {
	s.hookMu.Lock()
	s.listeners = append(s.listeners, listener)
	s.hookMu.Unlock()
}

func (s *Store) emit(change StatusChange) {
	s.hookMu.RLock()
	listeners := append([]StatusListener(nil), s.listeners...)
	s.hookMu.RUnlock()
	for _, listener := range listeners {
		listener(change)
	}
}

// UpdateCall merges non-empty fields into the call. The first stream or call
// identifier marks the call as real. A stream identifier cannot be replaced.
func (s *Store) UpdateCall(id string, upd model.CallUpdate) (model.Session, error) {
	rec, ok := s.lookup(id)
	if !ok {
		return model.Session{}, ErrSessionNotFound
	}

	rec.mu.Lock()
	call := &rec.call
	if upd.StreamSID != "" && call.StreamSID != "" && call.StreamSID != upd.StreamSID {
		current := call.StreamSID
		rec.mu.Unlock()
		s.log.Warn("rejected stream sid change",
			zap.String("session", id), zap.String("current", current), zap.String("requested", upd.StreamSID))
		return model.Session{}, fmt.Errorf("%w: %s", ErrStreamSIDImmutable, current)
	}

	oldCallSID := call.CallSID
	if upd.StreamSID != "" && call.StreamSID == "" {
		call.StreamSID = upd.StreamSID
		call.IsReal = true
		rec.lazy = false
	}
	if upd.CallSID != "" && upd.CallSID != call.CallSID {
		call.CallSID = upd.CallSID
		call.IsReal = true
	}
	if upd.To != "" {
		call.To = upd.To
	}
	if upd.From != "" {
		call.From = upd.From
	}
	if upd.VoiceID != "" {
		call.VoiceID = upd.VoiceID
	}
	if upd.DisplayName != "" {
		call.DisplayName = upd.DisplayName
	}
	rec.lastActivity = s.opts.Now().UTC()

	terminal := call.Status.Terminal()
	streamSID, callSID := call.StreamSID, call.CallSID
	snap := rec.snapshot()
	rec.mu.Unlock()

	if !terminal {
		s.idxMu.Lock()
		if streamSID != "" {
			s.byStream[streamSID] = id
		}
		if oldCallSID != "" && oldCallSID != callSID && s.byCall[oldCallSID] == id {
			delete(s.byCall, oldCallSID)
		}
		if callSID != "" {
			s.byCall[callSID] = id
		}
		s.idxMu.Unlock()
	}
	return snap, nil
}

// StreamSID returns the carrier stream identifier of the session, if any.
func (s *Store) StreamSID(id string) string {
	rec, ok := s.lookup(id)
	if !ok {
		return ""
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.call.StreamSID
}

// CallStatus returns the current call status.
func (s *Store) CallStatus(id string) (model.Status, bool) {
	rec, ok := s.lookup(id)
	if !ok {
		return "", false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.call.Status, true
}

// LookupByStreamSID resolves the session owning a live carrier stream.
func (s *Store) LookupByStreamSID(streamSID string) (string, bool) {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	id, ok := s.byStream[streamSID]
	return id, ok
}

// LookupByCallSID resolves the session owning a live carrier call.
func (s *Store) LookupByCallSID(callSID string) (string, bool) {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	id, ok := s.byCall[callSID]
	return id, ok
}

func (s *Store) releaseIndex(id, streamSID, callSID string) {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	if streamSID != "" && s.byStream[streamSID] == id {
		delete(s.byStream, streamSID)
	}
	if callSID != "" && s.byCall[callSID] == id {
		delete(s.byCall, callSID)
	}
}

// transition applies a status change under the record lock. guard, when set,
// must accept the current status for the change to happen.
func (s *Store) transition(rec *record, to model.Status, reason string, guard func(model.Status) bool) (StatusChange, bool) {
	rec.mu.Lock()
	from := rec.call.Status
	if guard != nil && !guard(from) {
		rec.mu.Unlock()
		return StatusChange{}, false
	}
	next, ok := model.Next(from, to)
	if !ok {
		rec.mu.Unlock()
		return StatusChange{}, false
	}

	now := s.opts.Now().UTC()
	call := &rec.call
	call.Status = next
	if call.StartedAt == nil && (next == model.StatusConnected || next == model.StatusActive) {
		started := now
		call.StartedAt = &started
	}
	if next.Terminal() {
		ended := now
		call.EndedAt = &ended
		if call.StartedAt != nil {
			call.Duration = ended.Sub(*call.StartedAt)
		}
		call.EndReason = reason
		if call.EndReason == "" {
			call.EndReason = string(next)
		}
	}
	rec.lastActivity = now

	change := StatusChange{
		SessionID: rec.id,
		From:      from,
		To:        next,
		Reason:    reason,
		Call:      *call,
		At:        now,
	}
	rec.mu.Unlock()

	if next.Terminal() {
		s.releaseIndex(rec.id, change.Call.StreamSID, change.Call.CallSID)
		s.metrics.RecordCallEnded(string(next), change.Call.Duration)
	}

	s.log.Info("call status changed",
		zap.String("session", rec.id),
		zap.String("from", string(from)),
		zap.String("to", string(next)),
		zap.String("reason", reason))
	return change, true
}

// SetStatus requests a transition. applied is false for ignored requests
// (backward moves, repeats, anything after a terminal state).
func (s *Store) SetStatus(id string, to model.Status, reason string) (model.Status, bool, error) {
	if !to.Valid() {
		return "", false, fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}
	rec, ok := s.lookup(id)
	if !ok {
		return "", false, ErrSessionNotFound
	}

	change, applied := s.transition(rec, to, reason, nil)
	if !applied {
		status, _ := s.CallStatus(id)
		return status, false, nil
	}
	s.emit(change)
	return change.To, true, nil
}

// ApplyCarrierStatus maps a carrier status callback onto the state machine.
// Redelivered terminal statuses are no-ops.
func (s *Store) ApplyCarrierStatus(id, carrierStatus string) (model.Status, bool, error) {
	status, ok := model.FromCarrier(carrierStatus)
	if !ok {
		return "", false, fmt.Errorf("%w: %q", ErrInvalidStatus, carrierStatus)
	}
	return s.SetStatus(id, status, "carrier: "+carrierStatus)
}

// MarkActive moves a connected call to active once the agent stream is up.
// Sessions without a live carrier leg are left untouched.
func (s *Store) MarkActive(id string) bool {
	rec, ok := s.lookup(id)
	if !ok {
		return false
	}
	change, applied := s.transition(rec, model.StatusActive, "agent stream started", func(from model.Status) bool {
		return from == model.StatusConnecting || from == model.StatusConnected
	})
	if applied {
		s.emit(change)
	}
	return applied
}

// FailCall records a peer-reported failure. Calls that already went active
// are ended instead of failed.
func (s *Store) FailCall(id, reason string) bool {
	rec, ok := s.lookup(id)
	if !ok {
		s.log.Warn("failure reported for unknown session", zap.String("session", id), zap.String("reason", reason))
		return false
	}
	change, applied := s.transition(rec, model.StatusFailed, reason, nil)
	if applied {
		s.emit(change)
	}
	return applied
}

// EndCall ends the call leg and hangs up a real carrier call. Ending an
// already-ended call, or a session that never had a call, is a no-op.
func (s *Store) EndCall(ctx context.Context, id, reason string) (bool, error) {
	rec, ok := s.lookup(id)
	if !ok {
		return false, ErrSessionNotFound
	}
	return s.endCallCtx(ctx, id, rec, reason, true), nil
}

func (s *Store) endCall(id string, rec *record, reason string, hangup bool) bool {
	ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
	defer cancel()
	return s.endCallCtx(ctx, id, rec, reason, hangup)
}

func (s *Store) endCallCtx(ctx context.Context, id string, rec *record, reason string, hangup bool) bool {
	change, applied := s.transition(rec, model.StatusEnded, reason, func(from model.Status) bool {
		return from.Open()
	})
	if !applied {
		return false
	}

	if hangup && change.Call.IsReal && change.Call.CallSID != "" && s.opts.CallEnder != nil {
		if err := s.opts.CallEnder.EndCall(ctx, change.Call.CallSID); err != nil {
			s.log.Warn("carrier hangup failed",
				zap.String("session", id), zap.String("callSid", change.Call.CallSID), zap.Error(err))
		}
	}

	s.emit(change)
	return true
}
