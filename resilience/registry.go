// Package resilience owns the per-host circuit breakers and rate limiters
// that gate every outbound fetch.
package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrRateLimited is returned by Acquire when the host's token bucket is empty.
	ErrRateLimited = errors.New("host rate limit exceeded")
	// ErrCircuitOpen is returned by Acquire when the host's circuit rejects calls.
	ErrCircuitOpen = errors.New("host circuit is open")
)

// BreakerConfig configures the per-host circuit breaker.
type BreakerConfig struct {
	// FailureRateThreshold opens the circuit when the window's failure rate
	// exceeds it (0.0-1.0).
	FailureRateThreshold float64
	// WindowSize is the number of most recent outcomes considered.
	WindowSize int
	// MinimumSamples is the number of outcomes required before the failure
	// rate is evaluated.
	MinimumSamples int
	// Cooldown is how long the circuit stays open before a trial is allowed.
	Cooldown time.Duration
}

// Config configures a Registry.
type Config struct {
	// RatePerSecond is the token refill rate per host. <= 0 disables limiting.
	RatePerSecond float64
	// Burst is the token bucket capacity per host.
	Burst int

	Breaker BreakerConfig

	// IdleTTL evicts closed, idle hosts after this long. 0 keeps hosts forever.
	IdleTTL time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
	// OnStateChange is an optional callback invoked on every breaker transition.
	// It runs with the host's lock held and must not call back into the Registry.
	OnStateChange func(host string, from, to State)
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		RatePerSecond: 5,
		Burst:         10,
		Breaker: BreakerConfig{
			FailureRateThreshold: 0.5,
			WindowSize:           10,
			MinimumSamples:       6,
			Cooldown:             30 * time.Second,
		},
		IdleTTL: time.Hour,
	}
}

// Permit is the right to make one call to a host. Every permit must be
// returned through RecordOutcome or Release.
type Permit struct {
	Host       string
	generation uint64
	trial      bool
}

// Trial reports whether the permit is the half-open probe.
func (p Permit) Trial() bool { return p.trial }

// hostState is everything the registry knows about one host.
type hostState struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	breaker  *breaker
	lastSeen time.Time
	evicted  bool

	successes    uint64
	failures     uint64
	latencyTotal time.Duration
}

// Registry owns one circuit breaker and one token bucket per host. Each host
// has its own lock; there is no lock shared across hosts.
type Registry struct {
	cfg   Config
	hosts sync.Map // host (string) -> *hostState
	done  chan struct{}
	once  sync.Once
}

// New creates a Registry. When cfg.IdleTTL > 0 a background goroutine sweeps
// idle hosts; call Stop to terminate it.
func New(cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Breaker.WindowSize <= 0 {
		cfg.Breaker.WindowSize = def.Breaker.WindowSize
	}
	if cfg.Breaker.MinimumSamples <= 0 {
		cfg.Breaker.MinimumSamples = cfg.Breaker.WindowSize/2 + 1
	}
	if cfg.Breaker.MinimumSamples > cfg.Breaker.WindowSize {
		cfg.Breaker.MinimumSamples = cfg.Breaker.WindowSize
	}
	if cfg.Breaker.FailureRateThreshold <= 0 || cfg.Breaker.FailureRateThreshold > 1 {
		cfg.Breaker.FailureRateThreshold = def.Breaker.FailureRateThreshold
	}
	if cfg.Breaker.Cooldown <= 0 {
		cfg.Breaker.Cooldown = def.Breaker.Cooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	r := &Registry{cfg: cfg, done: make(chan struct{})}
	if cfg.IdleTTL > 0 {
		go r.sweepLoop()
	}
	return r
}

// Acquire asks permission to call host. The token bucket is consulted first;
// a rate-limited call never touches the breaker. A consumed token is not
// refunded when the breaker then rejects the call.
func (r *Registry) Acquire(host string) (Permit, error) {
	for {
		hs := r.state(host)
		hs.mu.Lock()
		if hs.evicted {
			hs.mu.Unlock()
			continue
		}
		now := r.cfg.Now()
		hs.lastSeen = now

		if !hs.limiter.AllowN(now, 1) {
			hs.mu.Unlock()
			return Permit{}, fmt.Errorf("%w: %s", ErrRateLimited, host)
		}

		ok, trial := hs.breaker.allow(now)
		if !ok {
			hs.mu.Unlock()
			return Permit{}, fmt.Errorf("%w: %s", ErrCircuitOpen, host)
		}
		p := Permit{Host: host, generation: hs.breaker.generation, trial: trial}
		hs.mu.Unlock()
		return p, nil
	}
}

// RecordOutcome reports the result of a call made under p.
func (r *Registry) RecordOutcome(p Permit, success bool, latency time.Duration) {
	v, ok := r.hosts.Load(p.Host)
	if !ok {
		return
	}
	hs := v.(*hostState)
	hs.mu.Lock()
	defer hs.mu.Unlock()

	now := r.cfg.Now()
	hs.lastSeen = now
	if success {
		hs.successes++
	} else {
		hs.failures++
	}
	hs.latencyTotal += latency
	hs.breaker.record(p.generation, p.trial, success, now)
}

// Release returns a permit whose call produced no verdict about the host
// (caller cancellation, exhausted browser pool). A half-open trial slot is
// freed so the next request can probe.
func (r *Registry) Release(p Permit) {
	v, ok := r.hosts.Load(p.Host)
	if !ok {
		return
	}
	hs := v.(*hostState)
	hs.mu.Lock()
	hs.breaker.release(p.generation, p.trial)
	hs.mu.Unlock()
}

// HostSnapshot is a point-in-time view of one host's resilience state.
type HostSnapshot struct {
	Host            string
	State           State
	StateChangedAt  time.Time
	WindowSamples   int
	WindowFailures  int
	TokensAvailable float64
	Successes       uint64
	Failures        uint64
	AvgLatency      time.Duration
	LastSeen        time.Time
}

// Snapshot returns the current state for host, if the registry knows it.
func (r *Registry) Snapshot(host string) (HostSnapshot, bool) {
	v, ok := r.hosts.Load(host)
	if !ok {
		return HostSnapshot{}, false
	}
	return r.snapshot(host, v.(*hostState)), true
}

// Hosts returns snapshots of all known hosts sorted by name.
func (r *Registry) Hosts() []HostSnapshot {
	var out []HostSnapshot
	r.hosts.Range(func(key, value any) bool {
		out = append(out, r.snapshot(key.(string), value.(*hostState)))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

func (r *Registry) snapshot(host string, hs *hostState) HostSnapshot {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	snap := HostSnapshot{
		Host:            host,
		State:           hs.breaker.state,
		StateChangedAt:  hs.breaker.changedAt,
		WindowSamples:   hs.breaker.window.filled,
		WindowFailures:  hs.breaker.window.failures,
		TokensAvailable: hs.limiter.TokensAt(r.cfg.Now()),
		Successes:       hs.successes,
		Failures:        hs.failures,
		LastSeen:        hs.lastSeen,
	}
	if calls := hs.successes + hs.failures; calls > 0 {
		snap.AvgLatency = hs.latencyTotal / time.Duration(calls)
	}
	return snap
}

// Sweep evicts closed hosts idle for longer than IdleTTL and returns the
// number removed. Hosts with an open or half-open circuit are kept so that
// eviction never forgets an unhealthy host.
func (r *Registry) Sweep() int {
	if r.cfg.IdleTTL <= 0 {
		return 0
	}
	cutoff := r.cfg.Now().Add(-r.cfg.IdleTTL)
	removed := 0
	r.hosts.Range(func(key, value any) bool {
		hs := value.(*hostState)
		hs.mu.Lock()
		if hs.breaker.state == StateClosed && hs.lastSeen.Before(cutoff) {
			hs.evicted = true
			r.hosts.Delete(key)
			removed++
		}
		hs.mu.Unlock()
		return true
	})
	return removed
}

// Stop terminates the background sweep goroutine.
func (r *Registry) Stop() {
	r.once.Do(func() { close(r.done) })
}

func (r *Registry) state(host string) *hostState {
	if v, ok := r.hosts.Load(host); ok {
		return v.(*hostState)
	}
	now := r.cfg.Now()
	limit := rate.Limit(r.cfg.RatePerSecond)
	if r.cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	limiter := rate.NewLimiter(limit, r.cfg.Burst)
	// A new limiter starts full; pin its clock to ours.
	limiter.SetLimitAt(now, limit)

	var onChange func(from, to State)
	if r.cfg.OnStateChange != nil {
		onChange = func(from, to State) { r.cfg.OnStateChange(host, from, to) }
	}
	hs := &hostState{
		limiter:  limiter,
		breaker:  newBreaker(r.cfg.Breaker, now, onChange),
		lastSeen: now,
	}
	actual, _ := r.hosts.LoadOrStore(host, hs)
	return actual.(*hostState)
}

// sweepLoop evicts idle hosts every IdleTTL/4 (at least once a minute).
func (r *Registry) sweepLoop() {
	interval := min(r.cfg.IdleTTL/4, time.Minute)
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				slog.Debug("resilience: swept idle hosts", "removed", n)
			}
		}
	}
}
