package orchestrator

import (
	"github.com/use-agent/fetchd/cache"
	"github.com/use-agent/fetchd/models"
)

// Plan is the selector's proposal for how to fetch a target that missed the
// cache.
type Plan struct {
	Strategy models.Strategy
	// Escalate allows the orchestrator to fall back from HTTP to the browser.
	Escalate bool
}

// Resolution is either a cache hit or a plan.
type Resolution struct {
	Hit  bool
	Data models.Extracted
	Plan Plan
}

// Selector proposes the initial strategy for a target. The decision to
// escalate after an HTTP fetch belongs to the orchestrator.
type Selector struct {
	cache   *cache.Cache
	memory  *StrategyMemory // nil disables strategy memory
	browser bool
}

// NewSelector creates a Selector. browser reports whether a browser engine is
// available; memory may be nil.
func NewSelector(c *cache.Cache, memory *StrategyMemory, browser bool) *Selector {
	return &Selector{cache: c, memory: memory, browser: browser}
}

// Resolve checks the cache and otherwise honours the target's render hint.
// Auto targets start with HTTP unless the host is remembered as needing a
// browser.
func (s *Selector) Resolve(t models.Target) Resolution {
	if data, ok := s.cache.Get(t.Key()); ok {
		return Resolution{Hit: true, Data: data}
	}

	switch t.Render {
	case models.RenderHTTP:
		return Resolution{Plan: Plan{Strategy: models.StrategyHTTP}}
	case models.RenderBrowser:
		return Resolution{Plan: Plan{Strategy: models.StrategyBrowser}}
	}

	if s.browser && s.memory != nil && s.memory.Get(t.Host) == models.StrategyBrowser {
		return Resolution{Plan: Plan{Strategy: models.StrategyBrowser}}
	}
	return Resolution{Plan: Plan{Strategy: models.StrategyHTTP, Escalate: s.browser}}
}
