// Package session is the single source of truth for call sessions: lifecycle,
// call leg state, transcript and takeover flag.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/callbridge/internal/audio"
	"github.com/zhouzirui/callbridge/internal/logger"
	"github.com/zhouzirui/callbridge/internal/metrics"
	model "github.com/zhouzirui/callbridge/internal/model/session"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrStreamSIDImmutable = errors.New("stream sid is already set for this session")
	ErrInvalidStatus      = errors.New("invalid call status")
)

// Removal reasons reported to hooks and metrics.
const (
	ReasonExplicit = "explicit"
	ReasonTimeout  = "timeout"
	ReasonCallEnd  = "call_end"
	ReasonShutdown = "shutdown"
)

// RemoveHook runs when a session is being destroyed, before the record is deleted.
// Hooks run outside every store lock.
type RemoveHook func(sessionID, reason string)

// Options configures a Store.
type Options struct {
	Timeout       time.Duration
	LazyTimeout   time.Duration
	TranscriptCap int
	LatencyWindow int
	CallEnder     CallEnder
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

// record is guarded by its own mutex; the store lock only guards the id map.
type record struct {
	mu sync.Mutex

	id            string
	createdAt     time.Time
	lastActivity  time.Time
	call          model.Call
	transcript    *model.TranscriptLog
	agentMode     bool
	takeoverCount int
	takeoverAt    *time.Time
	stats         model.AudioStats
	latency       *audio.LatencyWindow
	lazy          bool
	removing      bool
}

func (r *record) snapshot() model.Session {
	snap := model.Session{
		ID:            r.id,
		CreatedAt:     r.createdAt,
		LastActivity:  r.lastActivity,
		Call:          r.call,
		Transcript:    r.transcript.Entries(),
		AgentMode:     r.agentMode,
		TakeoverCount: r.takeoverCount,
		Audio:         r.stats,
		Lazy:          r.lazy,
	}
	if r.takeoverAt != nil {
		at := *r.takeoverAt
		snap.TakeoverAt = &at
	}
	return snap
}

// Store keeps every live session in memory.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*record

	idxMu    sync.Mutex
	byStream map[string]string
	byCall   map[string]string

	hookMu      sync.RWMutex
	removeHooks []RemoveHook
	listeners   []StatusListener

	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewStore bootstraps an empty in-memory store.
func NewStore(opts Options) *Store {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Minute
	}
	if opts.LazyTimeout <= 0 || opts.LazyTimeout > opts.Timeout {
		opts.LazyTimeout = opts.Timeout
	}
	if opts.TranscriptCap < 1 {
		opts.TranscriptCap = 200
	}
	if opts.LatencyWindow < 1 {
		opts.LatencyWindow = 50
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Store{
		sessions: make(map[string]*record),
		byStream: make(map[string]string),
		byCall:   make(map[string]string),
		opts:     opts,
		log:      logger.OrNop(opts.Logger).Named("session"),
		metrics:  opts.Metrics,
	}
}

// OnRemove registers a hook run during session destruction.
func (s *Store) OnRemove(hook RemoveHook) {
	s.hookMu.Lock()
	s.removeHooks = append(s.removeHooks, hook)
	s.hookMu.Unlock()
}

// Create returns the session with the given id, creating it when missing.
// An empty id generates a fresh one. created is false when the id already existed.
func (s *Store) Create(id string) (model.Session, bool) {
	return s.create(id, false)
}

// CreateLazy creates a session on behalf of an unexpected call-initiating message.
// Lazy sessions expire after the shorter lazy timeout until a carrier stream attaches.
func (s *Store) CreateLazy(id string) (model.Session, bool) {
	return s.create(id, true)
}

func (s *Store) create(id string, lazy bool) (model.Session, bool) {
	if id == "" {
		id = model.NewID()
	}

	s.mu.Lock()
	if rec, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		rec.mu.Lock()
		defer rec.mu.Unlock()
		if !lazy {
			rec.lazy = false
		}
		return rec.snapshot(), false
	}

	now := s.opts.Now().UTC()
	rec := &record{
		id:           id,
		createdAt:    now,
		lastActivity: now,
		call:         model.Call{Status: model.StatusIdle},
		transcript:   model.NewTranscriptLog(s.opts.TranscriptCap),
		latency:      audio.NewLatencyWindow(s.opts.LatencyWindow),
		lazy:         lazy,
	}
	s.sessions[id] = rec
	s.mu.Unlock()

	s.metrics.RecordSessionCreated(lazy)
	if lazy {
		s.log.Warn("session created lazily", zap.String("session", id))
	} else {
		s.log.Info("session created", zap.String("session", id))
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.snapshot(), true
}

func (s *Store) lookup(id string) (*record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	return rec, ok
}

// Get retrieves a copy of the session.
func (s *Store) Get(id string) (model.Session, error) {
	rec, ok := s.lookup(id)
	if !ok {
		return model.Session{}, ErrSessionNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.snapshot(), nil
}

// Exists reports whether the session is present.
func (s *Store) Exists(id string) bool {
	_, ok := s.lookup(id)
	return ok
}

// Touch refreshes last activity.
func (s *Store) Touch(id string) bool {
	rec, ok := s.lookup(id)
	if !ok {
		return false
	}
	rec.mu.Lock()
	rec.lastActivity = s.opts.Now().UTC()
	rec.mu.Unlock()
	return true
}

// AppendTranscript adds a transcript entry. A missing session is logged, never returned as an error.
func (s *Store) AppendTranscript(id, text string, speaker model.Speaker) bool {
	if text == "" {
		return false
	}
	rec, ok := s.lookup(id)
	if !ok {
		s.log.Warn("transcript dropped for unknown session", zap.String("session", id), zap.String("speaker", string(speaker)))
		return false
	}

	now := s.opts.Now().UTC()
	rec.mu.Lock()
	evicted := rec.transcript.Append(model.TranscriptEntry{Text: text, Speaker: speaker, Timestamp: now})
	rec.lastActivity = now
	rec.mu.Unlock()

	if evicted > 0 {
		s.log.Debug("transcript cap reached", zap.String("session", id), zap.Int("evicted", evicted))
	}
	return true
}

// Transcript returns the retained transcript entries, oldest first.
func (s *Store) Transcript(id string) ([]model.TranscriptEntry, error) {
	rec, ok := s.lookup(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.transcript.Entries(), nil
}

// SetAgentMode flips the human-takeover flag. changed is false when the flag already had that value.
func (s *Store) SetAgentMode(id string, on bool) (model.Session, bool, error) {
	rec, ok := s.lookup(id)
	if !ok {
		return model.Session{}, false, ErrSessionNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.agentMode == on {
		return rec.snapshot(), false, nil
	}

	now := s.opts.Now().UTC()
	rec.agentMode = on
	rec.lastActivity = now
	if on {
		rec.takeoverCount++
		rec.takeoverAt = &now
	}
	return rec.snapshot(), true, nil
}

// AgentMode reports whether a human operator controls the session.
func (s *Store) AgentMode(id string) bool {
	rec, ok := s.lookup(id)
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.agentMode
}

// RecordAudio accounts a media frame and its pipeline latency.
func (s *Store) RecordAudio(id string, dir audio.Direction, n int, latency time.Duration) {
	rec, ok := s.lookup(id)
	if !ok {
		return
	}

	rec.mu.Lock()
	if dir == audio.Inbound {
		rec.stats.FramesIn++
		rec.stats.BytesIn += uint64(n)
	} else {
		rec.stats.FramesOut++
		rec.stats.BytesOut += uint64(n)
	}
	if latency > 0 {
		rec.latency.Add(latency)
		rec.stats.AvgLatencyMs = audio.Millis(rec.latency.Average())
		rec.stats.LastLatencyMs = audio.Millis(rec.latency.Last())
	}
	rec.lastActivity = s.opts.Now().UTC()
	rec.mu.Unlock()

	s.metrics.RecordAudio(string(dir), n)
}

// RecordDrop accounts a frame dropped under backpressure or for lack of a route.
func (s *Store) RecordDrop(id string) {
	if rec, ok := s.lookup(id); ok {
		rec.mu.Lock()
		rec.stats.Dropped++
		rec.mu.Unlock()
	}
	s.metrics.RecordDrop("backpressure")
}

// RecordDuplicate accounts a suppressed duplicate frame.
func (s *Store) RecordDuplicate(id string) {
	if rec, ok := s.lookup(id); ok {
		rec.mu.Lock()
		rec.stats.Duplicates++
		rec.mu.Unlock()
	}
	s.metrics.RecordDrop("duplicate")
}

// Remove destroys a session: it force-ends an open call, runs the remove
// hooks (closing connections and clearing route overrides) and finally
// deletes the record. Safe to call re-entrantly; only the first call acts.
func (s *Store) Remove(id, reason string) bool {
	rec, ok := s.lookup(id)
	if !ok {
		return false
	}

	rec.mu.Lock()
	if rec.removing {
		rec.mu.Unlock()
		return false
	}
	rec.removing = true
	open := rec.call.Status.Open()
	rec.mu.Unlock()

	if open {
		endReason := "session removed: " + reason
		if reason == ReasonTimeout {
			endReason = "inactivity timeout"
		}
		s.endCall(id, rec, endReason, true)
	}

	s.hookMu.RLock()
	hooks := append([]RemoveHook(nil), s.removeHooks...)
	s.hookMu.RUnlock()
	for _, hook := range hooks {
		hook(id, reason)
	}

	s.mu.Lock()
	if s.sessions[id] == rec {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	rec.mu.Lock()
	streamSID, callSID := rec.call.StreamSID, rec.call.CallSID
	rec.mu.Unlock()
	s.releaseIndex(id, streamSID, callSID)

	s.metrics.RecordSessionRemoved(reason)
	s.log.Info("session removed", zap.String("session", id), zap.String("reason", reason))
	return true
}

// List returns summaries ordered by creation time.
func (s *Store) List() []model.Summary {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.sessions))
	for _, rec := range s.sessions {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	out := make([]model.Summary, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, model.Summary{
			ID:           rec.id,
			Status:       rec.call.Status,
			CallSID:      rec.call.CallSID,
			To:           rec.call.To,
			AgentMode:    rec.agentMode,
			CreatedAt:    rec.createdAt,
			LastActivity: rec.lastActivity,
		})
		rec.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// IDs returns every live session id.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}
