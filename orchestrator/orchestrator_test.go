package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/fetchd/cache"
	"github.com/use-agent/fetchd/engine"
	"github.com/use-agent/fetchd/extractor"
	"github.com/use-agent/fetchd/models"
	"github.com/use-agent/fetchd/resilience"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeEngine answers with fn and counts invocations.
type fakeEngine struct {
	name  string
	calls atomic.Int32
	fn    func(ctx context.Context, req *engine.FetchRequest, call int) (*engine.FetchResponse, error)
}

func (e *fakeEngine) Name() string { return e.name }

func (e *fakeEngine) Fetch(ctx context.Context, req *engine.FetchRequest) (*engine.FetchResponse, error) {
	n := int(e.calls.Add(1))
	return e.fn(ctx, req, n)
}

func page(body string) func(context.Context, *engine.FetchRequest, int) (*engine.FetchResponse, error) {
	return func(_ context.Context, req *engine.FetchRequest, _ int) (*engine.FetchResponse, error) {
		return ok(req, body), nil
	}
}

func fails(fe *models.FetchError) func(context.Context, *engine.FetchRequest, int) (*engine.FetchResponse, error) {
	return func(context.Context, *engine.FetchRequest, int) (*engine.FetchResponse, error) {
		return nil, fe
	}
}

func ok(req *engine.FetchRequest, body string) *engine.FetchResponse {
	return &engine.FetchResponse{
		Body:        []byte(body),
		StatusCode:  200,
		FinalURL:    req.URL,
		ContentType: "text/html; charset=utf-8",
	}
}

// article is a server-rendered page that passes the SPA heuristics.
func article(title string, extra string) string {
	return `<html><head><title>` + title + `</title></head><body><h1>` + title + `</h1><p>` +
		strings.Repeat("Plenty of server rendered text lives on this page. ", 8) + `</p>` + extra + `</body></html>`
}

const spaShell = `<html><head><title>App</title></head><body><div id="root"></div><script src="/app.js"></script></body></html>`

const testRules = `
rulesets:
  - id: solution
    fields:
      - name: solution
        selector: .solution
        required: true
`

type harness struct {
	clock    *fakeClock
	registry *resilience.Registry
	cache    *cache.Cache
	http     *fakeEngine
	browser  *fakeEngine
	memory   *StrategyMemory
	sleeps   []time.Duration
	mu       sync.Mutex
	orch     *Orchestrator
}

type harnessOption func(*resilience.Config, *Deps)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		clock:   newFakeClock(),
		http:    &fakeEngine{name: "http", fn: page(article("Hello", ""))},
		browser: &fakeEngine{name: "browser", fn: page(article("Rendered", `<div class="solution">42</div>`))},
	}
	rcfg := resilience.Config{Burst: 1, Now: h.clock.Now}
	rules, err := extractor.ParseRuleBook([]byte(testRules))
	require.NoError(t, err)
	h.cache = cache.New(cache.Config{Capacity: 100, DefaultTTL: time.Hour, Now: h.clock.Now})
	deps := Deps{
		Cache:   h.cache,
		HTTP:    h.http,
		Browser: h.browser,
		Rules:   rules,
	}
	for _, opt := range opts {
		opt(&rcfg, &deps)
	}
	h.registry = resilience.New(rcfg)
	deps.Registry = h.registry
	h.memory = deps.Memory

	h.orch = New(deps, Config{
		Policy:  DefaultPolicy(),
		Backoff: Backoff{Base: 100 * time.Millisecond, Cap: 5 * time.Second, Rand: func() float64 { return 0 }},
		Now:     h.clock.Now,
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.mu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.mu.Unlock()
			return ctx.Err()
		},
	})
	t.Cleanup(func() {
		h.registry.Stop()
		h.cache.Stop()
	})
	return h
}

func withoutBrowser() harnessOption {
	return func(_ *resilience.Config, d *Deps) { d.Browser = nil }
}

func withMemory(m *StrategyMemory) harnessOption {
	return func(_ *resilience.Config, d *Deps) { d.Memory = m }
}

func withHostRate(rps float64, burst int) harnessOption {
	return func(c *resilience.Config, _ *Deps) {
		c.RatePerSecond = rps
		c.Burst = burst
	}
}

func target(t *testing.T, rawURL string, render models.RenderHint, rules string) models.Target {
	t.Helper()
	tg, err := models.NewTarget(rawURL, models.TargetOptions{Render: render, Rules: rules})
	require.NoError(t, err)
	return tg
}

func TestFetchOne_SuccessIsCached(t *testing.T) {
	h := newHarness(t)
	tg := target(t, "https://example.com/a", models.RenderHTTP, "")

	res := h.orch.FetchOne(context.Background(), tg, DefaultPolicy())
	require.True(t, res.OK(), "%+v", res.Err)
	assert.Equal(t, models.StrategyHTTP, res.Strategy)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "Hello", res.Extracted["title"])
	assert.NotEmpty(t, res.RawContent)
	assert.NotEmpty(t, res.RequestID)

	again := h.orch.FetchOne(context.Background(), tg, DefaultPolicy())
	require.True(t, again.OK())
	assert.Equal(t, models.StrategyCache, again.Strategy)
	assert.Equal(t, 0, again.Attempts)
	assert.Equal(t, res.Extracted, again.Extracted)
	assert.NotEqual(t, res.RequestID, again.RequestID)
	assert.Equal(t, int32(1), h.http.calls.Load())
}

func TestFetchOne_RetryBound(t *testing.T) {
	h := newHarness(t)
	h.http.fn = fails(models.NewHTTPError(503, 0))
	h.browser.fn = fails(models.NewHTTPError(503, 0))

	res := h.orch.FetchOne(context.Background(), target(t, "https://example.com/a", models.RenderHTTP, ""), DefaultPolicy())
	assert.Equal(t, models.StatusTransientFailure, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), h.http.calls.Load())
	require.NotNil(t, res.Err)
	assert.Equal(t, 503, res.Err.StatusCode)
	assert.Len(t, h.sleeps, 2)
}

func TestFetchOne_AutoEscalationStaysWithinAttempts(t *testing.T) {
	h := newHarness(t)
	h.http.fn = fails(models.NewFetchError(models.KindTimeout, "timed out", nil))
	h.browser.fn = fails(models.NewFetchError(models.KindRenderTimeout, "render timed out", nil))

	for _, maxAttempts := range []int{1, 2, 3, 5} {
		h.http.calls.Store(0)
		h.browser.calls.Store(0)
		p := DefaultPolicy()
		p.MaxAttempts = maxAttempts
		tg := target(t, fmt.Sprintf("https://a%d.example.com/", maxAttempts), models.RenderAuto, "")

		res := h.orch.FetchOne(context.Background(), tg, p)
		total := h.http.calls.Load() + h.browser.calls.Load()
		assert.Equal(t, int32(maxAttempts), total, "max attempts %d", maxAttempts)
		assert.Equal(t, maxAttempts, res.Attempts)
		if maxAttempts > 1 {
			assert.Equal(t, int32(1), h.browser.calls.Load())
			assert.Equal(t, models.StrategyBrowser, res.Strategy)
		}
	}
}

func TestFetchOne_NoRetryAfterPermanentFailure(t *testing.T) {
	h := newHarness(t)
	h.http.fn = fails(models.NewHTTPError(404, 0))

	res := h.orch.FetchOne(context.Background(), target(t, "https://example.com/missing", models.RenderAuto, ""), DefaultPolicy())
	assert.Equal(t, models.StatusPermanentFailure, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), h.http.calls.Load())
	assert.Equal(t, int32(0), h.browser.calls.Load())
	assert.False(t, res.Err.Retryable())
}

func TestFetchOne_EscalatesWhenRequiredFieldsMissing(t *testing.T) {
	h := newHarness(t)

	res := h.orch.FetchOne(context.Background(), target(t, "https://example.com/p/1", models.RenderAuto, "solution"), DefaultPolicy())
	require.True(t, res.OK(), "%+v", res.Err)
	assert.Equal(t, models.StrategyBrowser, res.Strategy)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, "42", res.Extracted["solution"])
	assert.Empty(t, h.sleeps, "content escalation does not back off")
}

func TestFetchOne_ExtractionFailedWithoutEscalation(t *testing.T) {
	h := newHarness(t)

	res := h.orch.FetchOne(context.Background(), target(t, "https://example.com/p/1", models.RenderHTTP, "solution"), DefaultPolicy())
	assert.Equal(t, models.StatusPermanentFailure, res.Status)
	assert.Equal(t, models.KindExtractionFailed, res.Err.Kind)
	assert.ErrorIs(t, res.Err, extractor.ErrExtractionFailed)
	assert.Equal(t, int32(0), h.browser.calls.Load())
}

func TestFetchOne_EscalatesOnClientRenderedShell(t *testing.T) {
	h := newHarness(t)
	h.http.fn = page(spaShell)

	res := h.orch.FetchOne(context.Background(), target(t, "https://spa.example.com/", models.RenderAuto, ""), DefaultPolicy())
	require.True(t, res.OK())
	assert.Equal(t, models.StrategyBrowser, res.Strategy)
	assert.Equal(t, "Rendered", res.Extracted["title"])
}

func TestFetchOne_FallsBackToShellWhenBrowserFails(t *testing.T) {
	h := newHarness(t)
	h.http.fn = page(spaShell)
	h.browser.fn = fails(models.NewFetchError(models.KindRenderTimeout, "render timed out", nil))

	res := h.orch.FetchOne(context.Background(), target(t, "https://spa.example.com/", models.RenderAuto, ""), DefaultPolicy())
	require.True(t, res.OK())
	assert.Equal(t, models.StrategyHTTP, res.Strategy)
	assert.Equal(t, "App", res.Extracted["title"])
	assert.Equal(t, 3, res.Attempts)
}

func TestFetchOne_CacheTTL(t *testing.T) {
	h := newHarness(t)
	tg := target(t, "https://example.com/a", models.RenderHTTP, "")
	p := DefaultPolicy()
	p.TTL = 60 * time.Second

	require.True(t, h.orch.FetchOne(context.Background(), tg, p).OK())

	h.clock.Advance(30 * time.Second)
	res := h.orch.selector.Resolve(tg)
	assert.True(t, res.Hit)

	h.clock.Advance(31 * time.Second)
	res = h.orch.selector.Resolve(tg)
	assert.False(t, res.Hit)
	assert.Equal(t, models.StrategyHTTP, res.Plan.Strategy)

	again := h.orch.FetchOne(context.Background(), tg, p)
	assert.Equal(t, models.StrategyHTTP, again.Strategy)
	assert.Equal(t, int32(2), h.http.calls.Load())
}

func TestFetchOne_RateLimitedIsFinal(t *testing.T) {
	h := newHarness(t, withHostRate(0.001, 1))

	first := h.orch.FetchOne(context.Background(), target(t, "https://example.com/a", models.RenderHTTP, ""), DefaultPolicy())
	require.True(t, first.OK())

	res := h.orch.FetchOne(context.Background(), target(t, "https://example.com/b", models.RenderHTTP, ""), DefaultPolicy())
	assert.Equal(t, models.StatusRateLimited, res.Status)
	assert.Equal(t, 0, res.Attempts)
	assert.Equal(t, int32(1), h.http.calls.Load())
	assert.ErrorIs(t, res.Err, resilience.ErrRateLimited)

	other := h.orch.FetchOne(context.Background(), target(t, "https://other.example.com/", models.RenderHTTP, ""), DefaultPolicy())
	assert.True(t, other.OK(), "hosts are limited independently")
}

func TestFetchOne_CircuitOpensAfterFailures(t *testing.T) {
	h := newHarness(t)
	h.http.fn = fails(models.NewHTTPError(502, 0))
	p := DefaultPolicy()
	p.MaxAttempts = 1

	for i := range 6 {
		res := h.orch.FetchOne(context.Background(), target(t, fmt.Sprintf("https://x.example.com/%d", i), models.RenderHTTP, ""), p)
		require.Equal(t, models.StatusTransientFailure, res.Status)
	}

	res := h.orch.FetchOne(context.Background(), target(t, "https://x.example.com/7", models.RenderHTTP, ""), p)
	assert.Equal(t, models.StatusCircuitOpen, res.Status)
	assert.Equal(t, models.KindCircuitOpen, res.Err.Kind)
	assert.Equal(t, int32(6), h.http.calls.Load())
}

func TestFetchOne_RetryAfterStretchesBackoff(t *testing.T) {
	h := newHarness(t)
	h.http.fn = func(_ context.Context, req *engine.FetchRequest, call int) (*engine.FetchResponse, error) {
		if call == 1 {
			return nil, models.NewHTTPError(429, 2*time.Second)
		}
		return ok(req, article("Hello", "")), nil
	}

	res := h.orch.FetchOne(context.Background(), target(t, "https://example.com/a", models.RenderHTTP, ""), DefaultPolicy())
	require.True(t, res.OK())
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []time.Duration{2 * time.Second}, h.sleeps)
}

func TestFetchOne_DeduplicatesConcurrentCalls(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.http.fn = func(ctx context.Context, req *engine.FetchRequest, _ int) (*engine.FetchResponse, error) {
		<-release
		return ok(req, article("Hello", "")), nil
	}
	tg := target(t, "https://example.com/a", models.RenderHTTP, "")

	const callers = 5
	results := make([]models.FetchResult, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.orch.FetchOne(context.Background(), tg, DefaultPolicy())
		}()
	}

	require.Eventually(t, func() bool {
		h.orch.mu.Lock()
		defer h.orch.mu.Unlock()
		f := h.orch.flights[tg.Key()]
		return f != nil && f.refs == callers
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), h.http.calls.Load())
	deduped := 0
	ids := map[string]bool{}
	for _, res := range results {
		assert.True(t, res.OK())
		ids[res.RequestID] = true
		if res.Deduplicated {
			deduped++
		}
	}
	assert.Equal(t, callers-1, deduped)
	assert.Len(t, ids, callers)
}

func TestFetchOne_CancellationReleasesPermit(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.browser.fn = func(ctx context.Context, _ *engine.FetchRequest, _ int) (*engine.FetchResponse, error) {
		close(started)
		<-ctx.Done()
		return nil, models.NewFetchError(models.KindCanceled, "canceled", ctx.Err())
	}
	tg := target(t, "https://example.com/slow", models.RenderBrowser, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan models.FetchResult)
	go func() { done <- h.orch.FetchOne(ctx, tg, DefaultPolicy()) }()
	<-started
	cancel()
	res := <-done

	assert.Equal(t, models.KindCanceled, res.Err.Kind)
	snap, ok := h.registry.Snapshot("example.com")
	require.True(t, ok)
	assert.Zero(t, snap.Failures, "cancellation is not a host failure")
	assert.Zero(t, snap.WindowSamples)
	assert.Equal(t, int32(1), h.browser.calls.Load())
}

func TestFetchOne_CancelledCallerDoesNotAbortSharedFetch(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	started := make(chan struct{})
	var aborted atomic.Bool
	h.http.fn = func(ctx context.Context, req *engine.FetchRequest, _ int) (*engine.FetchResponse, error) {
		close(started)
		select {
		case <-release:
			return ok(req, article("Hello", "")), nil
		case <-ctx.Done():
			aborted.Store(true)
			return nil, models.NewFetchError(models.KindCanceled, "canceled", ctx.Err())
		}
	}
	tg := target(t, "https://example.com/a", models.RenderHTTP, "")

	ctxA, cancelA := context.WithCancel(context.Background())
	doneA := make(chan models.FetchResult)
	go func() { doneA <- h.orch.FetchOne(ctxA, tg, DefaultPolicy()) }()
	<-started

	doneB := make(chan models.FetchResult)
	go func() { doneB <- h.orch.FetchOne(context.Background(), tg, DefaultPolicy()) }()
	require.Eventually(t, func() bool {
		h.orch.mu.Lock()
		defer h.orch.mu.Unlock()
		f := h.orch.flights[tg.Key()]
		return f != nil && f.refs == 2
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	cancelA()
	resA := <-doneA
	assert.Equal(t, models.KindCanceled, resA.Err.Kind)

	close(release)
	resB := <-doneB
	assert.True(t, resB.OK())
	assert.True(t, resB.Deduplicated)
	assert.False(t, aborted.Load())
}

func TestFetchOne_SessionUnavailableIsNotAHostFailure(t *testing.T) {
	h := newHarness(t)
	h.browser.fn = fails(models.NewFetchError(models.KindSessionUnavailable, "browser pool exhausted", engine.ErrSessionUnavailable))

	res := h.orch.FetchOne(context.Background(), target(t, "https://example.com/a", models.RenderBrowser, ""), DefaultPolicy())
	assert.Equal(t, models.StatusTransientFailure, res.Status)
	assert.Equal(t, models.KindSessionUnavailable, res.Err.Kind)
	assert.True(t, errors.Is(res.Err, engine.ErrSessionUnavailable))

	snap, ok := h.registry.Snapshot("example.com")
	require.True(t, ok)
	assert.Zero(t, snap.Failures)
	assert.Equal(t, resilience.StateClosed, snap.State)
}

func TestFetchOne_BrowserDisabled(t *testing.T) {
	h := newHarness(t, withoutBrowser())

	res := h.orch.FetchOne(context.Background(), target(t, "https://example.com/a", models.RenderBrowser, ""), DefaultPolicy())
	assert.Equal(t, models.StatusPermanentFailure, res.Status)
	assert.Equal(t, models.KindInvalidInput, res.Err.Kind)

	// Auto targets never escalate without a browser.
	h.http.fn = page(spaShell)
	res = h.orch.FetchOne(context.Background(), target(t, "https://example.com/spa", models.RenderAuto, ""), DefaultPolicy())
	assert.True(t, res.OK())
	assert.Equal(t, models.StrategyHTTP, res.Strategy)
}

func TestFetchOne_UnknownRuleset(t *testing.T) {
	h := newHarness(t)
	res := h.orch.FetchOne(context.Background(), target(t, "https://example.com/a", models.RenderHTTP, "nope"), DefaultPolicy())
	assert.Equal(t, models.StatusPermanentFailure, res.Status)
	assert.ErrorIs(t, res.Err, extractor.ErrUnknownRuleset)
	assert.Equal(t, int32(0), h.http.calls.Load())
}

func TestFetchOne_StrategyMemory(t *testing.T) {
	clock := newFakeClock()
	mem := NewStrategyMemory(time.Hour, clock.Now)
	h := newHarness(t, withMemory(mem))
	h.http.fn = page(spaShell)

	res := h.orch.FetchOne(context.Background(), target(t, "https://spa.example.com/one", models.RenderAuto, ""), DefaultPolicy())
	require.Equal(t, models.StrategyBrowser, res.Strategy)
	assert.Equal(t, models.StrategyBrowser, mem.Get("spa.example.com"))

	res = h.orch.FetchOne(context.Background(), target(t, "https://spa.example.com/two", models.RenderAuto, ""), DefaultPolicy())
	assert.Equal(t, models.StrategyBrowser, res.Strategy)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), h.http.calls.Load(), "remembered host skips HTTP")

	clock.Advance(time.Hour)
	assert.Equal(t, models.Strategy(""), mem.Get("spa.example.com"))
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Cap: time.Second, Rand: func() float64 { return 0 }}
	assert.Equal(t, 50*time.Millisecond, b.Delay(1, 0))
	assert.Equal(t, 100*time.Millisecond, b.Delay(2, 0))
	assert.Equal(t, 200*time.Millisecond, b.Delay(3, 0))
	assert.Equal(t, 500*time.Millisecond, b.Delay(10, 0), "capped")
	assert.Equal(t, 800*time.Millisecond, b.Delay(1, 800*time.Millisecond), "Retry-After stretches")
	assert.Equal(t, time.Second, b.Delay(1, time.Minute), "Retry-After is capped")

	b.Rand = func() float64 { return 0.999999 }
	d := b.Delay(2, 0)
	assert.True(t, d > 190*time.Millisecond && d <= 200*time.Millisecond, "got %v", d)
}

func TestStrategyMemory_Prune(t *testing.T) {
	clock := newFakeClock()
	mem := NewStrategyMemory(time.Minute, clock.Now)
	mem.Remember("a.example.com", models.StrategyBrowser)
	clock.Advance(30 * time.Second)
	mem.Remember("b.example.com", models.StrategyBrowser)
	clock.Advance(31 * time.Second)

	assert.Equal(t, 1, mem.Prune())
	assert.Equal(t, models.StrategyBrowser, mem.Get("b.example.com"))
	mem.Forget("b.example.com")
	assert.Equal(t, models.Strategy(""), mem.Get("b.example.com"))
}
