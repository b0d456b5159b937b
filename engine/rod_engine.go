package engine

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/use-agent/fetchd/models"
	"github.com/ysmood/gson"
)

// BrowserConfig configures the Chromium process and its sessions.
type BrowserConfig struct {
	Headless  bool
	NoSandbox bool
	Bin       string
	Proxy     string
	// Stealth injects the stealth script once per session.
	Stealth              bool
	BlockedResourceTypes []string
	BlockTrackers        bool
}

// BrowserEngine renders pages in pooled headless browser sessions.
type BrowserEngine struct {
	pool    *SessionPool
	browser *rod.Browser
}

// NewBrowserEngine creates a BrowserEngine on top of an existing pool.
func NewBrowserEngine(pool *SessionPool) *BrowserEngine {
	return &BrowserEngine{pool: pool}
}

// StartBrowser launches Chromium and returns an engine whose pool creates
// rod-backed sessions.
func StartBrowser(cfg BrowserConfig, poolCfg PoolConfig) (*BrowserEngine, error) {
	browser, err := launchBrowser(cfg)
	if err != nil {
		return nil, err
	}
	bp := newBlockPolicy(cfg.BlockedResourceTypes, cfg.BlockTrackers)
	factory := func(ctx context.Context) (Session, error) {
		s, err := newRodSession(browser, cfg.Stealth, bp)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	pool := NewSessionPool(poolCfg, factory)
	slog.Info("session pool created", "min", poolCfg.Min, "max", poolCfg.Max)
	return &BrowserEngine{pool: pool, browser: browser}, nil
}

func (e *BrowserEngine) Name() string { return string(models.StrategyBrowser) }

// Pool exposes the session pool for stats.
func (e *BrowserEngine) Pool() *SessionPool { return e.pool }

// Fetch borrows a session, renders the page and returns the session to the
// pool. Cancellation of ctx aborts the render and still returns the session.
func (e *BrowserEngine) Fetch(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
	if req.Method != "" && req.Method != http.MethodGet {
		return nil, models.NewFetchError(models.KindInvalidInput, "browser fetches support GET only", nil)
	}

	h, err := e.pool.acquire(ctx)
	if err != nil {
		return nil, err
	}

	rendered, err := h.session.Render(ctx, RenderRequest{URL: req.URL, Headers: req.Headers, Wait: req.Wait})
	if err != nil {
		fe, outcome := classifyRenderError(ctx, err)
		e.pool.release(h, outcome)
		return nil, fe
	}
	e.pool.release(h, sessionOK)

	status := rendered.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	if status >= 400 {
		return nil, models.NewHTTPError(status, 0)
	}
	finalURL := rendered.FinalURL
	if finalURL == "" {
		finalURL = req.URL
	}
	return &FetchResponse{
		Body:        []byte(rendered.HTML),
		Header:      http.Header{},
		StatusCode:  status,
		FinalURL:    finalURL,
		ContentType: "text/html; charset=utf-8",
	}, nil
}

// Close shuts the pool down and kills the browser process.
func (e *BrowserEngine) Close() {
	slog.Info("browser engine shutting down: draining session pool")
	e.pool.Close()
	if e.browser != nil {
		if err := e.browser.Close(); err != nil {
			slog.Warn("browser close failed", "error", err)
		}
	}
}

// classifyRenderError maps a session error to a FetchError plus the verdict
// on the session's health. Errors caused by the target leave the session
// healthy; a render that ran into our own deadline is treated as a hang.
func classifyRenderError(ctx context.Context, err error) (*models.FetchError, sessionOutcome) {
	var fe *models.FetchError
	if errors.As(err, &fe) {
		return fe, outcomeForKind(fe.Kind)
	}

	var navErr *rod.NavigationError
	if errors.As(err, &navErr) {
		kind := classifyNavigationReason(navErr.Reason)
		return models.NewFetchError(kind, "navigation failed", err), sessionOK
	}

	if errors.Is(err, ErrSessionCrashed) || isTargetGone(err) {
		return models.NewFetchError(models.KindSessionUnavailable, "browser session crashed", err), sessionBroken
	}

	fe = classifyNetError(ctx, err, models.KindRenderTimeout)
	if fe.Kind == models.KindNetwork {
		return fe, sessionFailed
	}
	return fe, outcomeForKind(fe.Kind)
}

func outcomeForKind(kind models.ErrorKind) sessionOutcome {
	switch kind {
	case models.KindRenderTimeout:
		return sessionBroken
	case models.KindMalformed, models.KindInternal:
		return sessionFailed
	default:
		return sessionOK
	}
}

// isTargetGone recognises CDP errors for a page whose renderer died.
func isTargetGone(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Target closed") ||
		strings.Contains(msg, "No target with given id") ||
		strings.Contains(msg, "Session with given id not found")
}

// launchBrowser starts Chromium with flags that reduce automation tells.
func launchBrowser(cfg BrowserConfig) (*rod.Browser, error) {
	l := launcher.New().
		Headless(cfg.Headless).
		NoSandbox(cfg.NoSandbox)

	if cfg.Bin != "" {
		l = l.Bin(cfg.Bin)
	}
	if cfg.Proxy != "" {
		l = l.Proxy(cfg.Proxy)
	}

	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		return nil, models.NewFetchError(models.KindSessionUnavailable, "failed to launch browser", err)
	}
	slog.Info("browser launched", "controlURL", controlURL)

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, models.NewFetchError(models.KindSessionUnavailable, "failed to connect to browser", err)
	}
	return browser, nil
}

// rodSession is one browser tab reused across renders.
type rodSession struct {
	page         *rod.Page
	router       *rod.HijackRouter
	dirtyHeaders bool
}

func newRodSession(browser *rod.Browser, useStealth bool, bp blockPolicy) (*rodSession, error) {
	var (
		page *rod.Page
		err  error
	)
	if useStealth {
		page, err = stealth.Page(browser)
	} else {
		page, err = browser.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return nil, err
	}
	return &rodSession{page: page, router: mountHijack(page, bp)}, nil
}

// Render navigates, waits for the readiness condition and snapshots the DOM.
// The original page reference (without ctx) is kept for Reset so cleanup
// works after ctx expires.
func (s *rodSession) Render(ctx context.Context, req RenderRequest) (*Rendered, error) {
	p := s.page.Context(ctx)

	if len(req.Headers) > 0 {
		if err := (proto.NetworkSetExtraHTTPHeaders{Headers: toNetworkHeaders(req.Headers)}).Call(p); err != nil {
			return nil, err
		}
		s.dirtyHeaders = true
	}

	// The idle listener must exist before Navigate or in-flight requests are
	// missed. It uses the Fetch domain, which conflicts with the hijack
	// router, so sessions that block resources wait for DOM stability instead.
	var waitIdle func()
	if req.Wait.Type == "" || req.Wait.Type == models.WaitNetworkIdle {
		if s.router == nil {
			waitIdle = p.WaitRequestIdle(300*time.Millisecond, nil, nil, nil)
		}
	}

	if err := p.Navigate(req.URL); err != nil {
		return nil, err
	}

	switch req.Wait.Type {
	case models.WaitSelector:
		if _, err := p.Element(req.Wait.Selector); err != nil {
			return nil, err
		}
	case models.WaitDelay:
		timer := time.NewTimer(req.Wait.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	default:
		if waitIdle != nil {
			waitIdle()
		} else if err := p.WaitDOMStable(300*time.Millisecond, 0.1); err != nil {
			slog.Debug("WaitDOMStable did not converge, proceeding with current DOM", "error", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rawHTML, err := p.HTML()
	if err != nil {
		return nil, err
	}

	out := &Rendered{HTML: rawHTML}
	// Status code without CDP event listeners, which also clash with hijacking.
	if res, err := p.Eval(`() => {
		try {
			const entries = performance.getEntriesByType("navigation");
			if (entries.length > 0) return entries[0].responseStatus || 0;
		} catch(e) {}
		return 0;
	}`); err == nil {
		out.StatusCode = res.Value.Int()
	}
	if res, err := p.Eval(`() => window.location.href`); err == nil {
		out.FinalURL = res.Value.Str()
	}
	return out, nil
}

func (s *rodSession) Reset() error {
	page := s.page.Timeout(5 * time.Second)
	if s.dirtyHeaders {
		if err := (proto.NetworkSetExtraHTTPHeaders{Headers: proto.NetworkHeaders{}}).Call(page); err != nil {
			return err
		}
		s.dirtyHeaders = false
	}
	return page.Navigate("about:blank")
}

func (s *rodSession) Close() error {
	if s.router != nil {
		_ = s.router.Stop()
	}
	return s.page.Close()
}

// toNetworkHeaders converts a plain string map to the protocol header type.
func toNetworkHeaders(h map[string]string) proto.NetworkHeaders {
	out := make(proto.NetworkHeaders, len(h))
	for k, v := range h {
		out[k] = gson.New(v)
	}
	return out
}
