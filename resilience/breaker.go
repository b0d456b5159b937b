package resilience

import "time"

// State represents the state of a host's circuit breaker.
type State int

const (
	// StateClosed means calls are allowed.
	StateClosed State = iota
	// StateOpen means calls are rejected until the cooldown elapses.
	StateOpen
	// StateHalfOpen means a single trial call is probing the host.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// window is a count-based rolling window of call outcomes.
type window struct {
	outcomes []bool // true = failure
	next     int
	filled   int
	failures int
}

func newWindow(size int) window {
	return window{outcomes: make([]bool, size)}
}

func (w *window) add(failed bool) {
	if w.filled == len(w.outcomes) {
		if w.outcomes[w.next] {
			w.failures--
		}
	} else {
		w.filled++
	}
	w.outcomes[w.next] = failed
	if failed {
		w.failures++
	}
	w.next = (w.next + 1) % len(w.outcomes)
}

func (w *window) reset() {
	clear(w.outcomes)
	w.next, w.filled, w.failures = 0, 0, 0
}

func (w *window) failureRate() float64 {
	if w.filled == 0 {
		return 0
	}
	return float64(w.failures) / float64(w.filled)
}

// breaker is the per-host state machine. It is not safe for concurrent use;
// the owning hostState serializes access.
type breaker struct {
	cfg           BreakerConfig
	state         State
	window        window
	generation    uint64
	changedAt     time.Time
	trialInFlight bool
	onChange      func(from, to State)
}

func newBreaker(cfg BreakerConfig, now time.Time, onChange func(from, to State)) *breaker {
	return &breaker{
		cfg:       cfg,
		state:     StateClosed,
		window:    newWindow(cfg.WindowSize),
		changedAt: now,
		onChange:  onChange,
	}
}

// allow decides whether a call may proceed and whether it is the half-open
// trial. An elapsed cooldown moves Open to HalfOpen here, on the next request.
func (b *breaker) allow(now time.Time) (ok, trial bool) {
	switch b.state {
	case StateOpen:
		if now.Sub(b.changedAt) < b.cfg.Cooldown {
			return false, false
		}
		b.transitionTo(StateHalfOpen, now)
		b.trialInFlight = true
		return true, true
	case StateHalfOpen:
		if b.trialInFlight {
			return false, false
		}
		b.trialInFlight = true
		return true, true
	default:
		return true, false
	}
}

// record applies an outcome. Outcomes from permits issued in an earlier
// generation are ignored so that late results cannot corrupt a newer state.
func (b *breaker) record(generation uint64, trial, success bool, now time.Time) {
	if generation != b.generation {
		return
	}
	switch b.state {
	case StateClosed:
		b.window.add(!success)
		if b.window.filled >= b.cfg.MinimumSamples && b.window.failureRate() > b.cfg.FailureRateThreshold {
			b.transitionTo(StateOpen, now)
		}
	case StateHalfOpen:
		if !trial {
			return
		}
		b.trialInFlight = false
		if success {
			b.transitionTo(StateClosed, now)
		} else {
			b.transitionTo(StateOpen, now)
		}
	}
}

// release frees the half-open trial slot without recording an outcome.
func (b *breaker) release(generation uint64, trial bool) {
	if trial && generation == b.generation && b.state == StateHalfOpen {
		b.trialInFlight = false
	}
}

func (b *breaker) transitionTo(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.changedAt = now
	b.generation++
	b.trialInFlight = false
	if to == StateClosed {
		b.window.reset()
	}
	if b.onChange != nil {
		b.onChange(from, to)
	}
}
