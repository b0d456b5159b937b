package models

import "encoding/json"

// FetchRequest is the payload for POST /api/v1/fetch.
type FetchRequest struct {
	// URL is the target page. Required.
	URL string `json:"url" binding:"required"`

	// Method is GET (default) or POST. POST targets are fetched over plain
	// HTTP only.
	Method string `json:"method,omitempty" binding:"omitempty,oneof=GET POST get post"`

	// Body is sent with POST targets. A JSON string is sent as its decoded
	// text; any other JSON value is sent verbatim.
	Body json.RawMessage `json:"body,omitempty"`

	// Headers are added to the outbound request.
	Headers map[string]string `json:"headers,omitempty"`

	// Render selects the strategy.
	// "auto" (default): HTTP first, escalate to the browser when the page
	// needs JavaScript. "http": plain HTTP only. "browser": always render.
	Render string `json:"render,omitempty" binding:"omitempty,oneof=auto http browser"`

	// Rules names the extraction ruleset. Default: "default".
	Rules string `json:"rules,omitempty"`

	// Wait tells the browser when the page is ready. Default: network idle.
	Wait *WaitSpec `json:"wait,omitempty"`

	// MaxAttempts bounds fetcher invocations, escalation included.
	MaxAttempts int `json:"max_attempts,omitempty" binding:"omitempty,min=1,max=10"`

	// TimeoutMs bounds each fetcher invocation.
	TimeoutMs int `json:"timeout_ms,omitempty" binding:"omitempty,min=1"`

	// IncludeRaw returns the fetched document alongside the extracted data.
	IncludeRaw bool `json:"include_raw,omitempty"`
}

// WaitSpec is the wire form of WaitCondition.
type WaitSpec struct {
	Type     string `json:"type,omitempty" binding:"omitempty,oneof=network_idle selector delay"`
	Selector string `json:"selector,omitempty"`
	DelayMs  int    `json:"delay_ms,omitempty" binding:"omitempty,min=0,max=60000"`
}

// BatchRequest is the payload for POST /api/v1/fetch/batch.
type BatchRequest struct {
	Targets []FetchRequest `json:"targets" binding:"required,min=1"`
}
