// Package orchestrator composes the host registry, cache, fetchers and
// extractor into the end-to-end "fetch one target" operation.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/use-agent/fetchd/cache"
	"github.com/use-agent/fetchd/engine"
	"github.com/use-agent/fetchd/extractor"
	"github.com/use-agent/fetchd/metrics"
	"github.com/use-agent/fetchd/models"
	"github.com/use-agent/fetchd/resilience"
)

// Policy bounds one FetchOne call.
type Policy struct {
	// MaxAttempts is the maximum number of fetcher invocations, escalation
	// included.
	MaxAttempts int
	// Timeout bounds each fetcher invocation.
	Timeout time.Duration
	// TTL is the cache lifetime of the extracted result. A ruleset TTL takes
	// precedence; 0 uses the cache default.
	TTL time.Duration
	// Escalate allows auto targets to fall back from HTTP to the browser.
	Escalate bool
}

// DefaultPolicy returns the default policy.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Timeout: 30 * time.Second, Escalate: true}
}

// Deps are the collaborators of an Orchestrator. Browser, Memory and Metrics
// may be nil.
type Deps struct {
	Registry  *resilience.Registry
	Cache     *cache.Cache
	HTTP      engine.Engine
	Browser   engine.Engine
	Extractor *extractor.Extractor
	Rules     *extractor.RuleBook
	Memory    *StrategyMemory
	Metrics   *metrics.Metrics
}

// Config tunes an Orchestrator.
type Config struct {
	Policy  Policy
	Backoff Backoff

	// Now and Sleep override the clock, for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Orchestrator runs FetchOne. It is safe for concurrent use; concurrent calls
// for the same target share one upstream fetch.
type Orchestrator struct {
	deps     Deps
	selector *Selector
	policy   Policy
	backoff  Backoff
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	group   singleflight.Group
	mu      sync.Mutex
	flights map[string]*flight
}

// flight is one shared upstream fetch and the callers waiting on it.
type flight struct {
	ctx    context.Context
	cancel context.CancelFunc
	refs   int
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = 200 * time.Millisecond
	}
	if cfg.Backoff.Cap < cfg.Backoff.Base {
		cfg.Backoff.Cap = max(5*time.Second, cfg.Backoff.Base)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if deps.Extractor == nil {
		deps.Extractor = extractor.New()
	}
	if deps.Rules == nil {
		deps.Rules, _ = extractor.NewRuleBook()
	}
	return &Orchestrator{
		deps:     deps,
		selector: NewSelector(deps.Cache, deps.Memory, deps.Browser != nil),
		policy:   cfg.Policy,
		backoff:  cfg.Backoff,
		now:      cfg.Now,
		sleep:    cfg.Sleep,
		flights:  make(map[string]*flight),
	}
}

// Policy returns the default policy callers start from.
func (o *Orchestrator) Policy() Policy { return o.policy }

// Rules returns the loaded rulesets.
func (o *Orchestrator) Rules() *extractor.RuleBook { return o.deps.Rules }

// FetchOne fetches, extracts and caches one target. It always returns exactly
// one terminal result. Concurrent calls with the same target key are served
// by a single upstream fetch; the fetch is aborted only when every caller
// waiting on it has gone away.
func (o *Orchestrator) FetchOne(ctx context.Context, t models.Target, p Policy) models.FetchResult {
	start := o.now()
	requestID := uuid.NewString()
	key := t.Key()

	o.mu.Lock()
	f := o.flights[key]
	if f == nil {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		o.flights[key] = f
	}
	f.refs++
	o.mu.Unlock()

	var led bool
	ch := o.group.DoChan(key, func() (any, error) {
		led = true
		return o.run(f.ctx, t, p), nil
	})

	var res models.FetchResult
	select {
	case r := <-ch:
		o.leave(key, f)
		res = r.Val.(models.FetchResult)
		res.Deduplicated = r.Shared && !led
		if res.Deduplicated {
			o.deps.Metrics.RecordDeduplicated()
		}
	case <-ctx.Done():
		if o.leave(key, f) {
			// Last waiter: wait for the aborted fetch so its permit and
			// browser session are returned before we report.
			<-ch
		}
		res = models.FetchResult{
			Status: models.StatusTransientFailure,
			Err:    models.NewFetchError(models.KindCanceled, "request canceled", ctx.Err()),
		}
	}

	res.RequestID = requestID
	res.Latency = o.now().Sub(start)
	strategy := res.Strategy
	if strategy == "" {
		strategy = models.Strategy("none")
	}
	o.deps.Metrics.RecordResult(string(res.Status), string(strategy), res.Latency.Seconds())
	return res
}

// leave drops one waiter from f and reports whether it was the last. The last
// waiter cancels the shared fetch and forgets it so later callers start fresh.
func (o *Orchestrator) leave(key string, f *flight) bool {
	o.mu.Lock()
	f.refs--
	last := f.refs == 0
	if last && o.flights[key] == f {
		delete(o.flights, key)
	}
	o.mu.Unlock()
	if last {
		o.group.Forget(key)
		f.cancel()
	}
	return last
}

// run is the attempt loop for one shared fetch.
func (o *Orchestrator) run(ctx context.Context, t models.Target, p Policy) models.FetchResult {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = o.policy.MaxAttempts
	}
	if p.Timeout <= 0 {
		p.Timeout = o.policy.Timeout
	}

	rs, err := o.deps.Rules.Get(t.Rules)
	if err != nil {
		return failure(models.NewFetchError(models.KindInvalidInput, err.Error(), err), "", 0)
	}

	res := o.selector.Resolve(t)
	if res.Hit {
		return models.FetchResult{
			Status:    models.StatusSuccess,
			Strategy:  models.StrategyCache,
			Extracted: res.Data,
			FinalURL:  t.URL,
		}
	}

	strategy := res.Plan.Strategy
	if strategy == models.StrategyBrowser && o.deps.Browser == nil {
		return failure(models.NewFetchError(models.KindInvalidInput, "browser rendering is disabled", nil), "", 0)
	}
	canEscalate := res.Plan.Escalate && p.Escalate && p.MaxAttempts > 1
	// Auto mode keeps the last attempt in reserve for the browser.
	httpBudget := p.MaxAttempts
	if canEscalate {
		httpBudget = max(1, p.MaxAttempts-1)
	}
	remembered := t.Render == models.RenderAuto && !res.Plan.Escalate && strategy == models.StrategyBrowser

	req := engine.RequestFromTarget(t)
	log := slog.With("url", t.URL, "host", t.Host)
	var (
		attempts     int
		httpAttempts int
		retries      int
		lastErr      *models.FetchError
		// fallback holds a usable HTTP result kept while the browser is
		// tried on a page that merely looked client-rendered.
		fallback *models.FetchResult
	)

	for attempts < p.MaxAttempts {
		permit, err := o.deps.Registry.Acquire(t.Host)
		if err != nil {
			if fallback != nil {
				return o.finish(t, rs, p, *fallback, attempts)
			}
			return o.rejected(err, strategy, attempts)
		}
		attempts++
		if strategy == models.StrategyHTTP {
			httpAttempts++
		}

		resp, fe, latency := o.attempt(ctx, strategy, req, p.Timeout)
		if fe != nil {
			switch {
			case ctx.Err() != nil || fe.Kind == models.KindCanceled:
				o.deps.Registry.Release(permit)
				o.deps.Metrics.RecordAttempt(string(strategy), "canceled")
				fe := models.NewFetchError(models.KindCanceled, "request canceled", ctx.Err())
				return failure(fe, strategy, attempts)
			case fe.Kind == models.KindSessionUnavailable:
				// The browser pool, not the host, is the problem.
				o.deps.Registry.Release(permit)
			default:
				o.deps.Registry.RecordOutcome(permit, false, latency)
			}
			o.deps.Metrics.RecordAttempt(string(strategy), string(fe.Status()))
			lastErr = fe

			if fe.Status() == models.StatusPermanentFailure {
				if fallback != nil {
					return o.finish(t, rs, p, *fallback, attempts)
				}
				return failure(fe, strategy, attempts)
			}
			if attempts >= p.MaxAttempts {
				break
			}
			if canEscalate && strategy == models.StrategyHTTP && httpAttempts >= httpBudget {
				strategy = models.StrategyBrowser
				canEscalate = false
				o.deps.Metrics.RecordEscalation()
				log.Info("escalating to browser after HTTP failures", "attempts", attempts, "error", fe)
			}

			retries++
			delay := o.backoff.Delay(retries, fe.RetryAfter)
			log.Debug("retrying fetch", "attempt", attempts, "strategy", strategy, "delay", delay, "error", fe)
			if err := o.sleep(ctx, delay); err != nil {
				fe := models.NewFetchError(models.KindCanceled, "request canceled", err)
				return failure(fe, strategy, attempts)
			}
			continue
		}

		o.deps.Registry.RecordOutcome(permit, true, latency)
		o.deps.Metrics.RecordAttempt(string(strategy), string(models.StatusSuccess))

		data, xerr := o.deps.Extractor.Extract(resp.Body, rs, resp.FinalURL)
		ok := models.FetchResult{
			Status:      models.StatusSuccess,
			Strategy:    strategy,
			RawContent:  resp.Body,
			Extracted:   data,
			StatusCode:  resp.StatusCode,
			FinalURL:    resp.FinalURL,
			ContentType: resp.ContentType,
		}
		if canEscalate && strategy == models.StrategyHTTP && (xerr != nil || engine.NeedsBrowser(resp.Body)) {
			if xerr == nil {
				fallback = &ok
			}
			strategy = models.StrategyBrowser
			canEscalate = false
			o.deps.Metrics.RecordEscalation()
			log.Info("escalating to browser", "reason", escalationReason(xerr))
			continue
		}
		if xerr != nil {
			if fallback != nil {
				return o.finish(t, rs, p, *fallback, attempts)
			}
			o.deps.Metrics.RecordExtractionFailure()
			if remembered {
				o.deps.Memory.Forget(t.Host)
			}
			fe := models.NewFetchError(models.KindExtractionFailed, xerr.Error(), xerr)
			return failure(fe, strategy, attempts)
		}
		return o.finish(t, rs, p, ok, attempts)
	}

	if fallback != nil {
		return o.finish(t, rs, p, *fallback, attempts)
	}
	if remembered {
		o.deps.Memory.Forget(t.Host)
	}
	if lastErr == nil {
		lastErr = models.NewFetchError(models.KindInternal, "no attempt was made", nil)
	}
	return failure(lastErr, strategy, attempts)
}

// finish caches a successful result and returns it.
func (o *Orchestrator) finish(t models.Target, rs *extractor.Ruleset, p Policy, res models.FetchResult, attempts int) models.FetchResult {
	ttl := p.TTL
	if rs.TTL > 0 {
		ttl = rs.TTL
	}
	o.deps.Cache.Set(t.Key(), res.Extracted, ttl)
	o.rememberStrategy(t, res.Strategy)
	res.Attempts = attempts
	return res
}

// attempt invokes the fetcher for strategy under a per-attempt deadline.
func (o *Orchestrator) attempt(ctx context.Context, strategy models.Strategy, req *engine.FetchRequest, timeout time.Duration) (*engine.FetchResponse, *models.FetchError, time.Duration) {
	eng := o.deps.HTTP
	if strategy == models.StrategyBrowser {
		eng = o.deps.Browser
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	began := o.now()
	resp, err := eng.Fetch(actx, req)
	latency := o.now().Sub(began)
	if err != nil {
		var fe *models.FetchError
		if !errors.As(err, &fe) {
			fe = models.NewFetchError(models.KindInternal, "fetcher failed", err)
		}
		return nil, fe, latency
	}
	return resp, nil, latency
}

// rememberStrategy updates strategy memory after a successful auto fetch.
func (o *Orchestrator) rememberStrategy(t models.Target, s models.Strategy) {
	if o.deps.Memory == nil || t.Render != models.RenderAuto {
		return
	}
	if s == models.StrategyBrowser {
		o.deps.Memory.Remember(t.Host, s)
		return
	}
	o.deps.Memory.Forget(t.Host)
}

func (o *Orchestrator) rejected(err error, strategy models.Strategy, attempts int) models.FetchResult {
	kind, reason := models.KindCircuitOpen, "circuit_open"
	if errors.Is(err, resilience.ErrRateLimited) {
		kind, reason = models.KindRateLimited, "rate_limited"
	}
	o.deps.Metrics.RecordRejection(reason)
	return failure(models.NewFetchError(kind, err.Error(), err), strategy, attempts)
}

func failure(fe *models.FetchError, strategy models.Strategy, attempts int) models.FetchResult {
	return models.FetchResult{
		Status:   fe.Status(),
		Strategy: strategy,
		Attempts: attempts,
		Err:      fe,
	}
}

func escalationReason(xerr error) string {
	switch {
	case xerr == nil:
		return "page looks client-rendered"
	case errors.Is(xerr, extractor.ErrMarkersMissing):
		return "content markers missing"
	default:
		return "extraction failed"
	}
}
