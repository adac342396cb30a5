// Package stream owns the live duplex connections of every session and
// dispatches standard messages to them.
package stream

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/callbridge/internal/audio"
	"github.com/zhouzirui/callbridge/internal/logger"
	"github.com/zhouzirui/callbridge/internal/metrics"
	"github.com/zhouzirui/callbridge/internal/model/message"
	model "github.com/zhouzirui/callbridge/internal/model/session"
	"github.com/zhouzirui/callbridge/internal/service/routing"
)

// ErrUnknownSession is returned by Register when the session does not exist.
var ErrUnknownSession = errors.New("unknown session")

// SessionState is the slice of the session store the registry needs.
type SessionState interface {
	Exists(sessionID string) bool
	StreamSID(sessionID string) string
	UpdateCall(sessionID string, upd model.CallUpdate) (model.Session, error)
	RecordAudio(sessionID string, dir audio.Direction, n int, latency time.Duration)
	RecordDrop(sessionID string)
	RecordDuplicate(sessionID string)
}

// Encoder renders a standard message in a peer's wire vocabulary.
// ok is false when the message cannot be translated and must be dropped.
type Encoder interface {
	FromStandard(msg *message.Message) (payload []byte, ok bool)
}

// EncoderFunc adapts a function to Encoder.
type EncoderFunc func(msg *message.Message) ([]byte, bool)

// FromStandard implements Encoder.
func (f EncoderFunc) FromStandard(msg *message.Message) ([]byte, bool) {
	return f(msg)
}

// InitialState is merged into the session when a connection registers.
type InitialState struct {
	StreamSID string
	CallSID   string
}

// Options configures a Manager.
type Options struct {
	AudioQueue   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	Dedup        *audio.Deduplicator
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// connSet holds at most one connection per role for one session.
type connSet struct {
	mu    sync.Mutex
	conns map[message.Role]*Connection
}

// Manager is the connection registry.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*connSet

	encMu    sync.RWMutex
	encoders map[message.Role]Encoder

	selector *routing.Selector
	state    SessionState
	opts     Options
	log      *zap.Logger
	metrics  *metrics.Metrics

	seq       atomic.Uint64
	routed    atomic.Uint64
	misses    atomic.Uint64
	discarded atomic.Uint64
	dropped   atomic.Uint64
	dupes     atomic.Uint64
}

// NewManager creates a registry routing through selector and reading
// addressing data from state.
func NewManager(selector *routing.Selector, state SessionState, opts Options) *Manager {
	if opts.AudioQueue < 1 {
		opts.AudioQueue = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if selector == nil {
		selector = routing.NewSelector(routing.NewDefaultRegistry())
	}

	return &Manager{
		sessions: make(map[string]*connSet),
		encoders: make(map[message.Role]Encoder),
		selector: selector,
		state:    state,
		opts:     opts,
		log:      logger.OrNop(opts.Logger).Named("stream"),
		metrics:  opts.Metrics,
	}
}

// SetEncoder installs the wire encoder used for connections of a role.
func (m *Manager) SetEncoder(role message.Role, enc Encoder) {
	m.encMu.Lock()
	m.encoders[role] = enc
	m.encMu.Unlock()
}

func (m *Manager) encoder(role message.Role) Encoder {
	m.encMu.RLock()
	defer m.encMu.RUnlock()
	return m.encoders[role]
}

func (m *Manager) set(sessionID string, create bool) *connSet {
	m.mu.RLock()
	set, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok || !create {
		return set
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok = m.sessions[sessionID]; ok {
		return set
	}
	set = &connSet{conns: make(map[message.Role]*Connection)}
	m.sessions[sessionID] = set
	return set
}

// Register attaches transport as the role's connection for the session. A
// previous connection for the same (role, session) is closed before the new
// one starts writing. Unknown sessions are refused and transport is closed.
func (m *Manager) Register(role message.Role, transport Transport, sessionID string, initial InitialState) (*Connection, error) {
	if m.state != nil && !m.state.Exists(sessionID) {
		_ = transport.Close()
		m.log.Warn("connection refused", zap.String("role", string(role)), zap.String("session", sessionID))
		return nil, ErrUnknownSession
	}

	conn := newConnection(m.seq.Add(1), role, sessionID, transport, m.opts, m.log)
	conn.onClose = m.unregister

	set := m.set(sessionID, true)
	set.mu.Lock()
	old := set.conns[role]
	set.conns[role] = conn
	set.mu.Unlock()

	if old != nil {
		m.log.Info("replacing connection",
			zap.String("role", string(role)),
			zap.String("session", sessionID),
			zap.Uint64("old", old.ID()),
			zap.Uint64("new", conn.ID()))
		_ = old.Close()
	}
	m.metrics.RecordConnectionOpened(string(role), old != nil)

	// The session may have been removed while the set was being updated.
	if m.state != nil && !m.state.Exists(sessionID) {
		_ = conn.Close()
		return nil, ErrUnknownSession
	}

	if m.state != nil && (initial.StreamSID != "" || initial.CallSID != "") {
		if _, err := m.state.UpdateCall(sessionID, model.CallUpdate{StreamSID: initial.StreamSID, CallSID: initial.CallSID}); err != nil {
			m.log.Warn("initial state not merged", zap.String("session", sessionID), zap.Error(err))
		}
	}

	go conn.run()
	m.log.Debug("connection registered", zap.String("role", string(role)), zap.String("session", sessionID), zap.Uint64("id", conn.ID()))
	return conn, nil
}

// unregister removes conn only if it is still the registered one.
func (m *Manager) unregister(conn *Connection) {
	m.metrics.RecordConnectionClosed(string(conn.role))

	set := m.set(conn.sessionID, false)
	if set == nil {
		return
	}

	set.mu.Lock()
	current := set.conns[conn.role] == conn
	if current {
		delete(set.conns, conn.role)
	}
	set.mu.Unlock()

	if current {
		m.log.Debug("connection unregistered", zap.String("role", string(conn.role)), zap.String("session", conn.sessionID), zap.Uint64("id", conn.ID()))
	}
}

// Connection returns the live connection for (role, session), or nil.
func (m *Manager) Connection(role message.Role, sessionID string) *Connection {
	set := m.set(sessionID, false)
	if set == nil {
		return nil
	}
	set.mu.Lock()
	conn := set.conns[role]
	set.mu.Unlock()
	if conn == nil || conn.Closed() {
		return nil
	}
	return conn
}

// Connections lists the live connections of a session.
func (m *Manager) Connections(sessionID string) []*Connection {
	set := m.set(sessionID, false)
	if set == nil {
		return nil
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	out := make([]*Connection, 0, len(set.conns))
	for _, conn := range set.conns {
		if !conn.Closed() {
			out = append(out, conn)
		}
	}
	return out
}

// Deliver sends an already-encoded payload to (role, session). It never
// blocks and returns false when there is no writable connection.
func (m *Manager) Deliver(role message.Role, sessionID string, payload []byte, class Class) bool {
	conn := m.Connection(role, sessionID)
	if conn == nil {
		return false
	}
	ok, dropped := conn.Send(payload, class)
	m.accountDrops(sessionID, dropped)
	return ok
}

// Route dispatches msg: to its explicit destination when that connection is
// live, otherwise to whatever the selector resolves. Unresolved messages are
// counted and dropped.
func (m *Manager) Route(msg *message.Message) bool {
	if msg == nil || msg.SessionID == "" {
		return false
	}

	if msg.Kind == message.KindAudio && m.opts.Dedup != nil &&
		m.opts.Dedup.Seen(msg.SessionID, string(msg.Source), msg.FrameID) {
		m.dupes.Add(1)
		if m.state != nil {
			m.state.RecordDuplicate(msg.SessionID)
		}
		return false
	}

	if msg.Destination != "" && msg.Destination != message.RoleNone {
		if conn := m.Connection(msg.Destination, msg.SessionID); conn != nil {
			return m.deliverTo(conn, msg)
		}
	}

	target, ok := m.selector.SelectTarget(msg)
	if !ok {
		return m.miss(msg, "no route")
	}
	if target == message.RoleNone {
		m.discarded.Add(1)
		m.metrics.RecordDiscard(string(msg.Source), string(msg.Kind))
		return false
	}

	conn := m.Connection(target, msg.SessionID)
	if conn == nil {
		return m.miss(msg, "no connection for "+string(target))
	}
	return m.deliverTo(conn, msg)
}

func (m *Manager) miss(msg *message.Message, reason string) bool {
	m.misses.Add(1)
	m.metrics.RecordMiss(string(msg.Source), string(msg.Kind))
	if msg.Kind == message.KindAudio && m.state != nil {
		m.state.RecordDrop(msg.SessionID)
	}
	m.log.Debug("routing miss",
		zap.String("session", msg.SessionID),
		zap.String("source", string(msg.Source)),
		zap.String("kind", string(msg.Kind)),
		zap.String("reason", reason))
	return false
}

func (m *Manager) deliverTo(conn *Connection, msg *message.Message) bool {
	out := msg.Clone()
	out.Destination = conn.role

	if conn.role == message.RoleTelephony {
		if m.state != nil {
			out.StreamSID = m.state.StreamSID(msg.SessionID)
		}
		if out.StreamSID == "" {
			return m.miss(msg, "telephony stream sid unknown")
		}
	}

	enc := m.encoder(conn.role)
	if enc == nil {
		return m.miss(msg, "no encoder for "+string(conn.role))
	}
	payload, ok := enc.FromStandard(out)
	if !ok {
		return m.miss(msg, "not translatable for "+string(conn.role))
	}

	class := classify(out.Kind)
	if class == ClassUrgent && (out.Kind == message.KindClear || out.Kind == message.KindInterruption) {
		if n := conn.FlushAudio(); n > 0 {
			m.log.Debug("flushed queued audio", zap.String("session", msg.SessionID), zap.Int("frames", n))
		}
	}

	sent, dropped := conn.Send(payload, class)
	m.accountDrops(msg.SessionID, dropped)
	if !sent {
		return m.miss(msg, "connection closed")
	}

	m.routed.Add(1)
	m.metrics.RecordRouted(string(msg.Source), string(conn.role), string(msg.Kind))

	if msg.Kind == message.KindAudio {
		m.recordAudio(msg, len(out.Audio))
		m.mirror(out, conn.role)
	}
	return true
}

func (m *Manager) recordAudio(msg *message.Message, n int) {
	if m.state == nil {
		return
	}
	dir := audio.Outbound
	if msg.Source == message.RoleTelephony {
		dir = audio.Inbound
	}
	var latency time.Duration
	if !msg.ReceivedAt.IsZero() {
		latency = time.Since(msg.ReceivedAt)
	}
	m.state.RecordAudio(msg.SessionID, dir, n, latency)
}

// mirror copies a delivered audio frame to the monitoring roles of the
// session, skipping the connection that was the primary destination.
func (m *Manager) mirror(msg *message.Message, primary message.Role) {
	for _, role := range []message.Role{message.RoleHuman, message.RoleObserver} {
		if role == primary || role == msg.Source {
			continue
		}
		conn := m.Connection(role, msg.SessionID)
		if conn == nil {
			continue
		}
		enc := m.encoder(role)
		if enc == nil {
			continue
		}
		copyMsg := msg.Clone()
		copyMsg.Destination = role
		payload, ok := enc.FromStandard(copyMsg)
		if !ok {
			continue
		}
		_, dropped := conn.Send(payload, ClassAudio)
		m.accountDrops(msg.SessionID, dropped)
	}
}

// Broadcast sends msg to the human and observer connections of one session
// and returns how many accepted it.
func (m *Manager) Broadcast(sessionID string, msg *message.Message) int {
	if msg == nil {
		return 0
	}
	sent := 0
	for _, role := range []message.Role{message.RoleHuman, message.RoleObserver} {
		conn := m.Connection(role, sessionID)
		if conn == nil {
			continue
		}
		enc := m.encoder(role)
		if enc == nil {
			continue
		}
		out := msg.Clone()
		out.SessionID = sessionID
		out.Destination = role
		payload, ok := enc.FromStandard(out)
		if !ok {
			continue
		}
		if ok, _ := conn.Send(payload, ClassControl); ok {
			sent++
		}
	}
	return sent
}

// CloseSession closes and forgets every connection of a session.
func (m *Manager) CloseSession(sessionID string) int {
	conns := m.take(sessionID)
	for _, conn := range conns {
		_ = conn.Close()
	}
	return len(conns)
}

// DrainSession forgets every connection of a session and closes each one
// after its queued control frames are written.
func (m *Manager) DrainSession(sessionID string) int {
	conns := m.take(sessionID)
	for _, conn := range conns {
		conn.Drain()
	}
	return len(conns)
}

func (m *Manager) take(sessionID string) []*Connection {
	m.mu.Lock()
	set, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	set.mu.Lock()
	defer set.mu.Unlock()
	conns := make([]*Connection, 0, len(set.conns))
	for _, conn := range set.conns {
		conns = append(conns, conn)
	}
	return conns
}

// CloseAll closes every connection of every session.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.CloseSession(id)
	}
}

func (m *Manager) accountDrops(sessionID string, n int) {
	if n <= 0 {
		return
	}
	m.dropped.Add(uint64(n))
	for i := 0; i < n; i++ {
		if m.state != nil {
			m.state.RecordDrop(sessionID)
		}
	}
}

// Stats is a registry-wide counter snapshot.
type Stats struct {
	Sessions    int                  `json:"sessions"`
	Connections int                  `json:"connections"`
	ByRole      map[message.Role]int `json:"byRole"`
	Routed      uint64               `json:"routed"`
	Misses      uint64               `json:"misses"`
	Discarded   uint64               `json:"discarded"`
	Dropped     uint64               `json:"dropped"`
	Duplicates  uint64               `json:"duplicates"`
}

// Stats returns counters and live connection counts.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	sets := make([]*connSet, 0, len(m.sessions))
	for _, set := range m.sessions {
		sets = append(sets, set)
	}
	m.mu.RUnlock()

	stats := Stats{ByRole: make(map[message.Role]int)}
	for _, set := range sets {
		set.mu.Lock()
		live := 0
		for role, conn := range set.conns {
			if conn.Closed() {
				continue
			}
			live++
			stats.ByRole[role]++
		}
		set.mu.Unlock()
		if live > 0 {
			stats.Sessions++
			stats.Connections += live
		}
	}

	stats.Routed = m.routed.Load()
	stats.Misses = m.misses.Load()
	stats.Discarded = m.discarded.Load()
	stats.Dropped = m.dropped.Load()
	stats.Duplicates = m.dupes.Load()
	return stats
}

func classify(kind message.Kind) Class {
	switch kind {
	case message.KindAudio:
		return ClassAudio
	case message.KindClear, message.KindInterruption:
		return ClassUrgent
	}
	return ClassControl
}
