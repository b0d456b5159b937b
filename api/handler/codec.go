package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/use-agent/fetchd/cache"
	"github.com/use-agent/fetchd/models"
	"github.com/use-agent/fetchd/orchestrator"
	"github.com/use-agent/fetchd/resilience"
)

// decodeFetchRequest turns the wire request into a target and the policy for
// this call. Errors are INVALID_INPUT or MALFORMED FetchErrors.
func decodeFetchRequest(req models.FetchRequest, base orchestrator.Policy, maxTimeout time.Duration) (models.Target, orchestrator.Policy, error) {
	render, err := models.ParseRenderHint(req.Render)
	if err != nil {
		return models.Target{}, base, models.NewFetchError(models.KindInvalidInput, err.Error(), err)
	}

	body, err := decodeBody(req.Body)
	if err != nil {
		return models.Target{}, base, err
	}

	wait, err := decodeWait(req.Wait)
	if err != nil {
		return models.Target{}, base, err
	}

	t, err := models.NewTarget(req.URL, models.TargetOptions{
		Method:  req.Method,
		Body:    body,
		Headers: req.Headers,
		Render:  render,
		Rules:   req.Rules,
		Wait:    wait,
	})
	if err != nil {
		return models.Target{}, base, err
	}

	p := base
	if req.MaxAttempts > 0 {
		p.MaxAttempts = req.MaxAttempts
	}
	if req.TimeoutMs > 0 {
		p.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	if maxTimeout > 0 && p.Timeout > maxTimeout {
		p.Timeout = maxTimeout
	}
	return t, p, nil
}

func decodeBody(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, models.NewFetchError(models.KindInvalidInput, "body is not a valid JSON string", err)
		}
		return []byte(s), nil
	}
	return []byte(raw), nil
}

func decodeWait(w *models.WaitSpec) (models.WaitCondition, error) {
	if w == nil {
		return models.WaitCondition{}, nil
	}
	switch models.WaitType(w.Type) {
	case "", models.WaitNetworkIdle:
		return models.WaitCondition{Type: models.WaitNetworkIdle}, nil
	case models.WaitSelector:
		if w.Selector == "" {
			return models.WaitCondition{}, models.NewFetchError(models.KindInvalidInput, "wait.selector is required for selector waits", nil)
		}
		return models.WaitCondition{Type: models.WaitSelector, Selector: w.Selector}, nil
	case models.WaitDelay:
		return models.WaitCondition{Type: models.WaitDelay, Delay: time.Duration(w.DelayMs) * time.Millisecond}, nil
	default:
		return models.WaitCondition{}, models.NewFetchError(models.KindInvalidInput, "unknown wait type "+w.Type, nil)
	}
}

// encodeFetchResult converts a FetchResult to its wire form.
func encodeFetchResult(res models.FetchResult, includeRaw bool) models.FetchResponse {
	out := models.FetchResponse{
		Success:      res.OK(),
		RequestID:    res.RequestID,
		Status:       string(res.Status),
		Strategy:     string(res.Strategy),
		Attempts:     res.Attempts,
		LatencyMs:    res.Latency.Milliseconds(),
		StatusCode:   res.StatusCode,
		FinalURL:     res.FinalURL,
		ContentType:  res.ContentType,
		Data:         res.Extracted,
		Deduplicated: res.Deduplicated,
	}
	if includeRaw && len(res.RawContent) > 0 {
		out.Raw = string(res.RawContent)
	}
	if res.Err != nil {
		out.Error = res.Err.ToDetail()
	}
	return out
}

// errorResult wraps an input error as a failed FetchResponse.
func errorResult(err error) models.FetchResponse {
	fe := asFetchError(err)
	return models.FetchResponse{
		Success: false,
		Status:  string(fe.Status()),
		Error:   fe.ToDetail(),
	}
}

func encodeHost(s resilience.HostSnapshot) models.HostStatus {
	return models.HostStatus{
		Host:            s.Host,
		State:           s.State.String(),
		StateChangedAt:  s.StateChangedAt,
		WindowSamples:   s.WindowSamples,
		WindowFailures:  s.WindowFailures,
		TokensAvailable: s.TokensAvailable,
		Successes:       s.Successes,
		Failures:        s.Failures,
		AvgLatencyMs:    s.AvgLatency.Milliseconds(),
		LastSeen:        s.LastSeen,
	}
}

func encodeCacheStats(s cache.Stats) models.CacheStats {
	return models.CacheStats{
		Entries:     s.Entries,
		Capacity:    s.Capacity,
		Hits:        s.Hits,
		Misses:      s.Misses,
		HitRate:     s.HitRate,
		Evictions:   s.Evictions,
		Expirations: s.Expirations,
	}
}

// httpStatusFor maps a terminal result onto the API response status.
func httpStatusFor(res models.FetchResult) int {
	if res.OK() {
		return http.StatusOK
	}
	return mapErrorToStatus(res.Err)
}

// mapErrorToStatus translates error kinds to HTTP status codes.
func mapErrorToStatus(e *models.FetchError) int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case models.KindRateLimited:
		return http.StatusTooManyRequests // 429
	case models.KindCircuitOpen, models.KindSessionUnavailable:
		return http.StatusServiceUnavailable // 503
	case models.KindTimeout, models.KindRenderTimeout:
		return http.StatusGatewayTimeout // 504
	case models.KindExtractionFailed:
		return http.StatusUnprocessableEntity // 422
	case models.KindInvalidInput, models.KindMalformed:
		return http.StatusBadRequest // 400
	case models.KindUnauthorized:
		return http.StatusUnauthorized // 401
	case models.KindCanceled:
		return http.StatusRequestTimeout // 408
	case models.KindInternal:
		return http.StatusInternalServerError // 500
	default:
		return http.StatusBadGateway // 502
	}
}

func asFetchError(err error) *models.FetchError {
	if fe, ok := err.(*models.FetchError); ok {
		return fe
	}
	return models.NewFetchError(models.KindInvalidInput, err.Error(), err)
}
