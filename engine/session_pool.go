package engine

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/use-agent/fetchd/models"
)

// ErrSessionUnavailable means no browser session could be obtained before
// the acquire timeout. It reflects local pool exhaustion, not the target host.
var ErrSessionUnavailable = errors.New("browser session unavailable")

// ErrSessionCrashed is returned by a Session whose browser target died.
var ErrSessionCrashed = errors.New("browser session crashed")

// RenderRequest is what a Session needs to render one page.
type RenderRequest struct {
	URL     string
	Headers map[string]string
	Wait    models.WaitCondition
}

// Rendered is the DOM snapshot of a rendered page.
type Rendered struct {
	HTML       string
	StatusCode int
	FinalURL   string
}

// Session is one reusable browser context.
type Session interface {
	Render(ctx context.Context, req RenderRequest) (*Rendered, error)
	// Reset returns the session to a blank state for the next borrower.
	Reset() error
	Close() error
}

// SessionFactory creates a new Session.
type SessionFactory func(ctx context.Context) (Session, error)

// sessionOutcome tells the pool how a borrowed session behaved.
type sessionOutcome int

const (
	sessionOK sessionOutcome = iota
	sessionFailed
	// sessionBroken retires the session immediately (crash or hang).
	sessionBroken
)

// sessionHandle wraps a Session with health tracking metadata.
type sessionHandle struct {
	id       int64
	session  Session
	errScore float64
	useCount int
	created  time.Time
}

// recordSuccess decreases the error score (min 0).
func (h *sessionHandle) recordSuccess() {
	h.useCount++
	h.errScore = math.Max(0, h.errScore-0.5)
}

// recordFailure increases the error score.
func (h *sessionHandle) recordFailure() {
	h.useCount++
	h.errScore += 1.0
}

// shouldRetire returns true if the session should be retired based on health metrics.
func (h *sessionHandle) shouldRetire(cfg PoolConfig, now time.Time) bool {
	if h.errScore >= cfg.MaxErrorScore {
		return true
	}
	if h.useCount >= cfg.MaxUses {
		return true
	}
	return now.Sub(h.created) >= cfg.MaxAge
}

// PoolConfig holds configuration for the session pool.
type PoolConfig struct {
	// Min sessions are created eagerly and kept through memory-pressure shrinks.
	Min int
	// Max is the hard bound on live sessions.
	Max int
	// AcquireTimeout bounds how long Acquire waits for a free slot.
	AcquireTimeout time.Duration

	MaxErrorScore float64
	MaxUses       int
	MaxAge        time.Duration

	// MemThreshold is the heap pressure (0.0-1.0) above which idle sessions
	// are closed down to Min. ScaleInterval 0 disables the check.
	MemThreshold  float64
	ScaleInterval time.Duration

	Now func() time.Time
}

// PoolStats is a snapshot of the pool.
type PoolStats struct {
	Max     int   `json:"max"`
	Live    int   `json:"live"`
	Idle    int   `json:"idle"`
	InUse   int   `json:"in_use"`
	Retired int64 `json:"retired"`
}

// SessionPool bounds the number of live browser sessions. Borrowers wait
// for a slot with a timeout instead of spawning unbounded sessions.
type SessionPool struct {
	cfg     PoolConfig
	factory SessionFactory

	slots chan struct{} // one token per borrowed session

	mu     sync.Mutex
	idle   []*sessionHandle
	live   int
	nextID int64
	closed bool

	retired atomic.Int64
	stopped chan struct{}
	once    sync.Once

	// memPressure is swappable for tests.
	memPressure func() float64
	onRetire    func(reason string)
}

// NewSessionPool creates a pool and pre-creates cfg.Min sessions.
func NewSessionPool(cfg PoolConfig, factory SessionFactory) *SessionPool {
	if cfg.Max < 1 {
		cfg.Max = 1
	}
	if cfg.Min < 0 {
		cfg.Min = 0
	}
	if cfg.Min > cfg.Max {
		cfg.Min = cfg.Max
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 10 * time.Second
	}
	if cfg.MaxErrorScore <= 0 {
		cfg.MaxErrorScore = 3.0
	}
	if cfg.MaxUses <= 0 {
		cfg.MaxUses = 50
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 50 * time.Minute
	}
	if cfg.MemThreshold <= 0 {
		cfg.MemThreshold = 0.9
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	p := &SessionPool{
		cfg:         cfg,
		factory:     factory,
		slots:       make(chan struct{}, cfg.Max),
		stopped:     make(chan struct{}),
		memPressure: heapPressure,
	}

	for i := 0; i < cfg.Min; i++ {
		h, err := p.create(context.Background())
		if err != nil {
			slog.Warn("session_pool: failed to pre-create session", "error", err)
			continue
		}
		p.mu.Lock()
		p.idle = append(p.idle, h)
		p.mu.Unlock()
	}

	if cfg.ScaleInterval > 0 {
		go p.scalingLoop()
	}
	return p
}

// OnRetire registers a callback invoked with the reason whenever a session
// is retired. Must be set before the pool is used.
func (p *SessionPool) OnRetire(fn func(reason string)) {
	p.onRetire = fn
}

// acquire borrows a session, waiting up to AcquireTimeout for a free slot.
// The caller must return it with release.
func (p *SessionPool) acquire(ctx context.Context) (*sessionHandle, error) {
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, models.NewFetchError(models.KindCanceled, "canceled while waiting for a browser session", ctx.Err())
		}
		return nil, models.NewFetchError(models.KindSessionUnavailable, "deadline passed while waiting for a browser session", ErrSessionUnavailable)
	case <-timer.C:
		return nil, models.NewFetchError(models.KindSessionUnavailable, "browser pool exhausted", ErrSessionUnavailable)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, models.NewFetchError(models.KindSessionUnavailable, "browser pool closed", ErrSessionUnavailable)
	}
	if n := len(p.idle); n > 0 {
		h := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return h, nil
	}
	p.mu.Unlock()

	h, err := p.create(ctx)
	if err != nil {
		<-p.slots
		return nil, models.NewFetchError(models.KindSessionUnavailable, "failed to create browser session", errors.Join(ErrSessionUnavailable, err))
	}
	return h, nil
}

// release returns a borrowed session. Unhealthy sessions are closed and
// their slot freed for a fresh one.
func (p *SessionPool) release(h *sessionHandle, outcome sessionOutcome) {
	defer func() { <-p.slots }()

	switch outcome {
	case sessionOK:
		h.recordSuccess()
	default:
		h.recordFailure()
	}

	reason := ""
	switch {
	case outcome == sessionBroken:
		reason = "broken"
	case h.shouldRetire(p.cfg, p.cfg.Now()):
		reason = "unhealthy"
	}
	if reason == "" {
		if err := h.session.Reset(); err != nil {
			slog.Debug("session_pool: reset failed", "id", h.id, "error", err)
			reason = "reset_failed"
		}
	}

	p.mu.Lock()
	if reason == "" && !p.closed {
		p.idle = append(p.idle, h)
		p.mu.Unlock()
		return
	}
	if reason == "" {
		reason = "pool_closed"
	}
	p.mu.Unlock()
	p.destroy(h, reason)
}

// Stats returns a snapshot of the pool.
func (p *SessionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Max:     p.cfg.Max,
		Live:    p.live,
		Idle:    len(p.idle),
		InUse:   len(p.slots),
		Retired: p.retired.Load(),
	}
}

// Close destroys idle sessions; borrowed ones are destroyed on release.
func (p *SessionPool) Close() {
	p.once.Do(func() { close(p.stopped) })

	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, h := range idle {
		p.destroy(h, "pool_closed")
	}
}

func (p *SessionPool) create(ctx context.Context) (*sessionHandle, error) {
	s, err := p.factory(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.nextID++
	p.live++
	h := &sessionHandle{id: p.nextID, session: s, created: p.cfg.Now()}
	p.mu.Unlock()
	return h, nil
}

func (p *SessionPool) destroy(h *sessionHandle, reason string) {
	slog.Debug("session_pool: retiring session", "id", h.id,
		"reason", reason, "errScore", h.errScore, "useCount", h.useCount)
	if err := h.session.Close(); err != nil {
		slog.Debug("session_pool: close failed", "id", h.id, "error", err)
	}
	p.mu.Lock()
	p.live--
	p.mu.Unlock()
	p.retired.Add(1)
	if p.onRetire != nil {
		p.onRetire(reason)
	}
}

// scalingLoop periodically samples memory and sheds idle sessions.
func (p *SessionPool) scalingLoop() {
	ticker := time.NewTicker(p.cfg.ScaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopped:
			return
		case <-ticker.C:
			p.shrinkUnderPressure()
		}
	}
}

// shrinkUnderPressure closes idle sessions down to Min when heap pressure
// is above the threshold. It returns the number of sessions closed.
func (p *SessionPool) shrinkUnderPressure() int {
	if p.memPressure() <= p.cfg.MemThreshold {
		return 0
	}
	var victims []*sessionHandle
	p.mu.Lock()
	for len(p.idle) > 0 && p.live-len(victims) > p.cfg.Min {
		victims = append(victims, p.idle[0])
		p.idle = p.idle[1:]
	}
	p.mu.Unlock()

	for _, h := range victims {
		p.destroy(h, "memory_pressure")
	}
	return len(victims)
}

// heapPressure estimates memory pressure as HeapInuse / HeapSys.
func heapPressure() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if m.HeapSys == 0 {
		return 0
	}
	return float64(m.HeapInuse) / float64(m.HeapSys)
}
