package execute

import (
	"strings"
	"sync"
	"time"
)

// fallbackFanModes is used when a device does not advertise its
// supported fan modes.
var fallbackFanModes = []string{"auto", "low", "medium", "high"}

type fanModeEntry struct {
	modes     []string
	fetchedAt time.Time
}

// fanModeCache caches each climate entity's advertised fan modes so a
// burst of speed commands does not re-read device attributes every time.
type fanModeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]fanModeEntry
	now     func() time.Time
}

func newFanModeCache(ttl time.Duration, now func() time.Time) *fanModeCache {
	return &fanModeCache{
		ttl:     ttl,
		entries: make(map[string]fanModeEntry),
		now:     now,
	}
}

// get returns the cached modes for an entity if still fresh.
func (c *fanModeCache) get(entityKey string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[entityKey]
	if !ok || c.now().Sub(entry.fetchedAt) > c.ttl {
		return nil, false
	}
	return entry.modes, true
}

func (c *fanModeCache) put(entityKey string, modes []string) {
	c.mu.Lock()
	c.entries[entityKey] = fanModeEntry{modes: modes, fetchedAt: c.now()}
	c.mu.Unlock()
}

// matchFanMode resolves a requested speed name against the modes a
// device supports, case-insensitively. With no advertised modes the
// fallback set applies.
func matchFanMode(requested string, modes []string) (string, bool) {
	if len(modes) == 0 {
		modes = fallbackFanModes
	}
	for _, m := range modes {
		if strings.EqualFold(m, requested) {
			return m, true
		}
	}
	return "", false
}
