package orchestrator

import (
	"sync"
	"time"

	"github.com/use-agent/fetchd/models"
)

// memoryEntry stores the strategy that last worked for a host.
type memoryEntry struct {
	strategy  models.Strategy
	expiresAt time.Time
}

// StrategyMemory remembers which strategy worked for each host so that auto
// targets on hosts known to need a browser skip the doomed HTTP attempt.
// Entries expire after the configured TTL.
type StrategyMemory struct {
	store sync.Map // host (string) -> memoryEntry
	ttl   time.Duration
	now   func() time.Time
}

// NewStrategyMemory creates a StrategyMemory. now may be nil.
func NewStrategyMemory(ttl time.Duration, now func() time.Time) *StrategyMemory {
	if now == nil {
		now = time.Now
	}
	return &StrategyMemory{ttl: ttl, now: now}
}

// Get returns the remembered strategy for host, or "" if unknown or expired.
func (m *StrategyMemory) Get(host string) models.Strategy {
	val, ok := m.store.Load(host)
	if !ok {
		return ""
	}
	entry := val.(memoryEntry)
	if !m.now().Before(entry.expiresAt) {
		m.store.CompareAndDelete(host, entry)
		return ""
	}
	return entry.strategy
}

// Remember records the strategy that succeeded for host.
func (m *StrategyMemory) Remember(host string, s models.Strategy) {
	m.store.Store(host, memoryEntry{strategy: s, expiresAt: m.now().Add(m.ttl)})
}

// Forget removes the memory for host.
func (m *StrategyMemory) Forget(host string) {
	m.store.Delete(host)
}

// Prune deletes expired entries and returns how many were removed.
func (m *StrategyMemory) Prune() int {
	now := m.now()
	removed := 0
	m.store.Range(func(key, value any) bool {
		if !now.Before(value.(memoryEntry).expiresAt) {
			m.store.Delete(key)
			removed++
		}
		return true
	})
	return removed
}
