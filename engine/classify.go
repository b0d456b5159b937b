package engine

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/use-agent/fetchd/models"
)

// classifyNetError maps a transport-level error to a FetchError. A canceled
// caller context wins over everything else so that aborts are never charged
// to the host.
func classifyNetError(ctx context.Context, err error, timeoutKind models.ErrorKind) *models.FetchError {
	var fe *models.FetchError
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		return models.NewFetchError(models.KindCanceled, "request canceled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewFetchError(timeoutKind, "deadline exceeded", err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return models.NewFetchError(timeoutKind, "DNS lookup timed out", err)
		}
		return models.NewFetchError(models.KindDNSFailure, "DNS lookup failed", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.NewFetchError(timeoutKind, "network timeout", err)
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return models.NewFetchError(models.KindConnectionRefused, "connection refused", err)
	}

	return models.NewFetchError(models.KindNetwork, "network error", err)
}

// classifyStatus returns a FetchError for error statuses and nil otherwise.
func classifyStatus(resp *http.Response) *models.FetchError {
	if resp.StatusCode < 400 {
		return nil
	}
	return models.NewHTTPError(resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
}

// parseRetryAfter understands both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// classifyNavigationReason maps a Chromium net:: error string to a kind.
func classifyNavigationReason(reason string) models.ErrorKind {
	switch {
	case strings.Contains(reason, "ERR_NAME_NOT_RESOLVED"),
		strings.Contains(reason, "ERR_NAME_RESOLUTION_FAILED"):
		return models.KindDNSFailure
	case strings.Contains(reason, "ERR_CONNECTION_REFUSED"):
		return models.KindConnectionRefused
	case strings.Contains(reason, "ERR_TIMED_OUT"),
		strings.Contains(reason, "ERR_CONNECTION_TIMED_OUT"):
		return models.KindTimeout
	case strings.Contains(reason, "ERR_INVALID_URL"):
		return models.KindMalformed
	default:
		return models.KindNetwork
	}
}
