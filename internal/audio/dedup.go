package audio

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultDedupCapacity = 8192

// Deduplicator suppresses re-delivery of the same frame identifier within a
// short window. Keys are (session, source, frame id).
type Deduplicator struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, struct{}]
}

// NewDeduplicator creates a deduplicator with the given window.
func NewDeduplicator(window time.Duration) *Deduplicator {
	if window <= 0 {
		window = 3 * time.Second
	}
	return &Deduplicator{
		seen: expirable.NewLRU[string, struct{}](defaultDedupCapacity, nil, window),
	}
}

// Seen records the frame and reports whether it was already seen inside the window.
// Frames without an identifier are never treated as duplicates.
func (d *Deduplicator) Seen(sessionID, source, frameID string) bool {
	if frameID == "" {
		return false
	}
	key := sessionID + "|" + source + "|" + frameID

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen.Contains(key) {
		return true
	}
	d.seen.Add(key, struct{}{})
	return false
}

// Len returns the number of tracked identifiers.
func (d *Deduplicator) Len() int {
	return d.seen.Len()
}
