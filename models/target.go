package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// RenderHint tells the selector whether a target needs a browser.
type RenderHint string

const (
	RenderAuto    RenderHint = "auto"
	RenderHTTP    RenderHint = "http"
	RenderBrowser RenderHint = "browser"
)

// ParseRenderHint accepts the wire spelling of a hint; "" means auto.
func ParseRenderHint(s string) (RenderHint, error) {
	switch RenderHint(strings.ToLower(strings.TrimSpace(s))) {
	case "", RenderAuto:
		return RenderAuto, nil
	case RenderHTTP:
		return RenderHTTP, nil
	case RenderBrowser:
		return RenderBrowser, nil
	default:
		return "", fmt.Errorf("unknown render hint %q", s)
	}
}

// Target is a request to fetch one URL. It is immutable once built by NewTarget.
type Target struct {
	// URL is the normalized absolute URL.
	URL string
	// Host is the lower-cased hostname (with a non-default port) and keys the
	// per-host resilience state.
	Host string

	Method  string
	Body    []byte
	Headers map[string]string

	Render RenderHint
	// Rules names the extraction ruleset; empty selects the default ruleset.
	Rules string
	Wait  WaitCondition

	key string
}

// TargetOptions carries the optional parts of a Target.
type TargetOptions struct {
	Method  string
	Body    []byte
	Headers map[string]string
	Render  RenderHint
	Rules   string
	Wait    WaitCondition
}

// NewTarget normalizes rawURL and validates the combination of options.
func NewTarget(rawURL string, opts TargetOptions) (Target, error) {
	u, err := NormalizeURL(rawURL)
	if err != nil {
		return Target{}, err
	}

	method := strings.ToUpper(strings.TrimSpace(opts.Method))
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodPost {
		return Target{}, NewFetchError(KindInvalidInput, "method must be GET or POST", nil)
	}

	render := opts.Render
	if render == "" {
		render = RenderAuto
	}
	if method == http.MethodPost {
		if render == RenderBrowser {
			return Target{}, NewFetchError(KindInvalidInput, "POST targets cannot be rendered in a browser", nil)
		}
		render = RenderHTTP
	}

	t := Target{
		URL:     u.String(),
		Host:    u.Host,
		Method:  method,
		Body:    opts.Body,
		Headers: opts.Headers,
		Render:  render,
		Rules:   opts.Rules,
		Wait:    opts.Wait,
	}
	t.key = computeKey(t.URL, t.Method, t.Rules, t.Body)
	return t, nil
}

// Key identifies the target for caching and in-flight deduplication.
func (t Target) Key() string {
	if t.key == "" {
		return computeKey(t.URL, t.Method, t.Rules, t.Body)
	}
	return t.key
}

// computeKey hashes the parts of a target that change the extracted result.
func computeKey(u, method, rules string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(u))
	h.Write([]byte("|"))
	h.Write([]byte(method))
	h.Write([]byte("|"))
	h.Write([]byte(rules))
	h.Write([]byte("|"))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeURL canonicalizes rawURL: lower-case scheme and host, default port
// stripped, empty path as "/", fragment dropped, query keys sorted.
func NormalizeURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, NewFetchError(KindMalformed, "unparseable URL", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, NewFetchError(KindMalformed, fmt.Sprintf("unsupported scheme %q", u.Scheme), nil)
	}
	if u.Hostname() == "" {
		return nil, NewFetchError(KindMalformed, "URL has no host", nil)
	}

	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}
	u.Host = host
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	if u.RawQuery != "" {
		// Encode sorts by key.
		u.RawQuery = u.Query().Encode()
	}
	return u, nil
}
