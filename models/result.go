package models

import "time"

// Status is the terminal outcome of one FetchOne call.
type Status string

const (
	StatusSuccess          Status = "success"
	StatusTransientFailure Status = "transient_failure"
	StatusPermanentFailure Status = "permanent_failure"
	StatusRateLimited      Status = "rate_limited"
	StatusCircuitOpen      Status = "circuit_open"
)

// Strategy records how the content was obtained.
type Strategy string

const (
	StrategyHTTP    Strategy = "http"
	StrategyBrowser Strategy = "browser"
	StrategyCache   Strategy = "cache"
)

// WaitType selects the browser readiness signal.
type WaitType string

const (
	WaitNetworkIdle WaitType = "network_idle"
	WaitSelector    WaitType = "selector"
	WaitDelay       WaitType = "delay"
)

// WaitCondition tells the browser fetcher when a rendered page is ready.
// The zero value waits for network idle.
type WaitCondition struct {
	Type     WaitType
	Selector string
	Delay    time.Duration
}

// Extracted is the structured output of a ruleset. Values are string,
// []string, or []map[string]any for nested item groups.
// Once stored in a FetchResult or the cache it must be treated as read-only.
type Extracted map[string]any

// FetchResult is the outcome of one FetchOne call. It is never mutated
// after the orchestrator returns it.
type FetchResult struct {
	RequestID string
	Status    Status
	Strategy  Strategy
	Attempts  int
	Latency   time.Duration

	// RawContent and Extracted are set on success only. RawContent is empty
	// for cache hits, which store extracted data only.
	RawContent  []byte
	Extracted   Extracted
	StatusCode  int
	FinalURL    string
	ContentType string

	// Deduplicated is true when the result was produced by another caller's
	// in-flight fetch of the same target.
	Deduplicated bool

	// Err is set for every non-success status.
	Err *FetchError
}

// OK reports whether the fetch succeeded.
func (r FetchResult) OK() bool {
	return r.Status == StatusSuccess
}
