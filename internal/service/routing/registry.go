// Package routing maps (source role, message kind) to a destination role, with
// per-session overrides layered over process-wide rules.
package routing

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/zhouzirui/callbridge/internal/model/message"
)

var ErrUnknownRoute = errors.New("unknown route")

// Predicate filters a rule against the full message.
type Predicate func(msg *message.Message) bool

// Route is one declarative rule.
type Route struct {
	ID          string
	Source      message.Role
	Destination message.Role
	Kind        message.Kind
	Priority    int
	Predicate   Predicate
	Active      bool
	Description string
}

func (r Route) matches(source message.Role, kind message.Kind, msg *message.Message) bool {
	if !r.Active || r.Source != source || r.Kind != kind {
		return false
	}
	return r.Predicate == nil || msg == nil || r.Predicate(msg)
}

// Registry is an ordered rule list, highest priority first.
type Registry struct {
	mu     sync.RWMutex
	routes []Route
	seq    int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// NewDefaultRegistry creates a registry preloaded with DefaultRoutes.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, route := range DefaultRoutes() {
		r.Add(route)
	}
	return r
}

// Add inserts an active rule and returns its id. A rule reusing an existing id replaces it.
// Rules of equal priority keep insertion order.
func (r *Registry) Add(route Route) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if route.ID == "" {
		r.seq++
		route.ID = "route-" + strconv.Itoa(r.seq)
	}
	route.Active = true

	for i := range r.routes {
		if r.routes[i].ID == route.ID {
			r.routes = append(r.routes[:i], r.routes[i+1:]...)
			break
		}
	}

	r.routes = append(r.routes, route)
	sort.SliceStable(r.routes, func(i, j int) bool {
		return r.routes[i].Priority > r.routes[j].Priority
	})
	return route.ID
}

// Enable activates a rule.
func (r *Registry) Enable(id string) error {
	return r.setActive(id, true)
}

// Disable deactivates a rule without removing it.
func (r *Registry) Disable(id string) error {
	return r.setActive(id, false)
}

func (r *Registry) setActive(id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.routes {
		if r.routes[i].ID == id {
			r.routes[i].Active = active
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownRoute, id)
}

// Remove deletes a rule.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.routes {
		if r.routes[i].ID == id {
			r.routes = append(r.routes[:i], r.routes[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownRoute, id)
}

// FindRoutes returns every active rule matching source and kind whose
// predicate accepts msg, highest priority first.
func (r *Registry) FindRoutes(source message.Role, kind message.Kind, msg *message.Message) []Route {
	r.mu.RLock()
	candidates := make([]Route, 0, 2)
	for _, route := range r.routes {
		if route.Active && route.Source == source && route.Kind == kind {
			candidates = append(candidates, route)
		}
	}
	r.mu.RUnlock()

	// Predicates run outside the lock; they may consult other services.
	matched := candidates[:0]
	for _, route := range candidates {
		if route.matches(source, kind, msg) {
			matched = append(matched, route)
		}
	}
	return matched
}

// Routes returns a copy of all rules in priority order.
func (r *Registry) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Route, len(r.routes))
	copy(out, r.routes)
	return out
}
