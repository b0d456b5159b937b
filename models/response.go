package models

import "time"

// FetchResponse is the response for POST /api/v1/fetch and one entry of a
// batch response.
type FetchResponse struct {
	// Success indicates whether the fetch produced extracted data.
	Success bool `json:"success"`

	RequestID string `json:"request_id,omitempty"`

	// Status is the terminal status: success, transient_failure,
	// permanent_failure, rate_limited or circuit_open.
	Status string `json:"status"`

	// Strategy is how the content was obtained: http, browser or cache.
	Strategy string `json:"strategy,omitempty"`

	Attempts  int   `json:"attempts"`
	LatencyMs int64 `json:"latency_ms"`

	// StatusCode is the upstream HTTP status of the fetched page.
	StatusCode  int    `json:"status_code,omitempty"`
	FinalURL    string `json:"final_url,omitempty"`
	ContentType string `json:"content_type,omitempty"`

	// Data is the extracted structure.
	Data Extracted `json:"data,omitempty"`

	// Raw is the fetched document, present when include_raw was set.
	Raw string `json:"raw,omitempty"`

	// Deduplicated is true when another request's in-flight fetch was reused.
	Deduplicated bool `json:"deduplicated,omitempty"`

	// Error is populated only when Success is false.
	Error *ErrorDetail `json:"error,omitempty"`
}

// BatchResponse is the response for POST /api/v1/fetch/batch. Results are in
// request order.
type BatchResponse struct {
	Results   []FetchResponse `json:"results"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
}

// ErrorResponse is returned when a request is rejected before any fetch.
type ErrorResponse struct {
	Success bool         `json:"success"`
	Error   *ErrorDetail `json:"error"`
}

// HostStatus is the wire form of a host's resilience state.
type HostStatus struct {
	Host            string    `json:"host"`
	State           string    `json:"state"`
	StateChangedAt  time.Time `json:"state_changed_at"`
	WindowSamples   int       `json:"window_samples"`
	WindowFailures  int       `json:"window_failures"`
	TokensAvailable float64   `json:"tokens_available"`
	Successes       uint64    `json:"successes"`
	Failures        uint64    `json:"failures"`
	AvgLatencyMs    int64     `json:"avg_latency_ms"`
	LastSeen        time.Time `json:"last_seen"`
}

// CacheStats is the response for GET /api/v1/cache/stats.
type CacheStats struct {
	Entries     int     `json:"entries"`
	Capacity    int     `json:"capacity"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
}
