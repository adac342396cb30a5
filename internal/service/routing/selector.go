package routing

import (
	"sync"

	"github.com/zhouzirui/callbridge/internal/model/message"
)

// Key identifies a (source, kind) pair.
type Key struct {
	Source message.Role
	Kind   message.Kind
}

// Override is one session-scoped route.
type Override struct {
	Key
	Destination message.Role
}

// sessionRoutes is the per-session two-level lookup state.
type sessionRoutes struct {
	mu        sync.Mutex
	overrides map[Key]message.Role
	last      map[Key]message.Role
}

// Selector resolves destinations: session override first, then the registry.
type Selector struct {
	registry *Registry

	mu       sync.RWMutex
	sessions map[string]*sessionRoutes
}

// NewSelector wraps a registry.
func NewSelector(registry *Registry) *Selector {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Selector{
		registry: registry,
		sessions: make(map[string]*sessionRoutes),
	}
}

// Registry returns the wrapped rule table.
func (s *Selector) Registry() *Registry {
	return s.registry
}

func (s *Selector) state(sessionID string, create bool) *sessionRoutes {
	s.mu.RLock()
	st, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok || !create {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.sessions[sessionID]; ok {
		return st
	}
	st = &sessionRoutes{
		overrides: make(map[Key]message.Role),
		last:      make(map[Key]message.Role),
	}
	s.sessions[sessionID] = st
	return st
}

// SetSessionRoute installs an override. message.RoleNone discards matching messages.
func (s *Selector) SetSessionRoute(sessionID string, source message.Role, kind message.Kind, destination message.Role) {
	st := s.state(sessionID, true)
	st.mu.Lock()
	st.overrides[Key{Source: source, Kind: kind}] = destination
	st.mu.Unlock()
}

// ClearSessionRoute removes one override.
func (s *Selector) ClearSessionRoute(sessionID string, source message.Role, kind message.Kind) {
	st := s.state(sessionID, false)
	if st == nil {
		return
	}
	st.mu.Lock()
	delete(st.overrides, Key{Source: source, Kind: kind})
	st.mu.Unlock()
}

// ClearAllSessionRoutes drops every override and memo held for a session.
func (s *Selector) ClearAllSessionRoutes(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

// HasOverrides reports whether any override is installed for the session.
func (s *Selector) HasOverrides(sessionID string) bool {
	st := s.state(sessionID, false)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.overrides) > 0
}

// SessionRoutes lists the overrides of a session.
func (s *Selector) SessionRoutes(sessionID string) []Override {
	st := s.state(sessionID, false)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]Override, 0, len(st.overrides))
	for key, dest := range st.overrides {
		out = append(out, Override{Key: key, Destination: dest})
	}
	return out
}

// SelectTarget resolves the destination for msg. A session override wins over
// registry rules; an override to message.RoleNone returns (RoleNone, true).
// The result is remembered as the session's last selection for (source, kind).
func (s *Selector) SelectTarget(msg *message.Message) (message.Role, bool) {
	if msg == nil {
		return "", false
	}
	key := Key{Source: msg.Source, Kind: msg.Kind}

	if st := s.state(msg.SessionID, false); st != nil {
		st.mu.Lock()
		dest, ok := st.overrides[key]
		if ok {
			st.last[key] = dest
		}
		st.mu.Unlock()
		if ok {
			return dest, true
		}
	}

	routes := s.registry.FindRoutes(msg.Source, msg.Kind, msg)
	if len(routes) == 0 {
		return "", false
	}

	dest := routes[0].Destination
	if msg.SessionID != "" {
		st := s.state(msg.SessionID, true)
		st.mu.Lock()
		st.last[key] = dest
		st.mu.Unlock()
	}
	return dest, true
}

// LastSelected returns the destination most recently chosen for (source, kind).
func (s *Selector) LastSelected(sessionID string, source message.Role, kind message.Kind) (message.Role, bool) {
	st := s.state(sessionID, false)
	if st == nil {
		return "", false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	dest, ok := st.last[Key{Source: source, Kind: kind}]
	return dest, ok
}

// Sessions returns the number of sessions holding selector state.
func (s *Selector) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
