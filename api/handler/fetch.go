package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/fetchd/models"
	"github.com/use-agent/fetchd/orchestrator"
)

// Fetcher is the orchestrator as seen by the handlers.
type Fetcher interface {
	FetchOne(ctx context.Context, t models.Target, p orchestrator.Policy) models.FetchResult
	Policy() orchestrator.Policy
}

// Options bound what a client may ask for.
type Options struct {
	// MaxTimeout caps a request's timeout_ms.
	MaxTimeout time.Duration
	// MaxBatchSize caps the number of targets per batch.
	MaxBatchSize int
}

// Fetch returns a handler for POST /api/v1/fetch.
//
// Flow:
//  1. Bind and decode the request into a Target and Policy.
//  2. Orchestrator.FetchOne (cache, registry, fetchers, extraction).
//  3. Encode the terminal result; the HTTP status follows its error kind.
func Fetch(f Fetcher, opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		// ── 1. Parse request ────────────────────────────────────────
		var req models.FetchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondInvalid(c, err)
			return
		}
		t, p, err := decodeFetchRequest(req, f.Policy(), opts.MaxTimeout)
		if err != nil {
			out := errorResult(err)
			c.JSON(mapErrorToStatus(asFetchError(err)), out)
			return
		}

		// ── 2. Fetch ────────────────────────────────────────────────
		res := f.FetchOne(c.Request.Context(), t, p)
		if !res.OK() {
			slog.Debug("fetch failed",
				"request_id", res.RequestID,
				"url", t.URL,
				"status", res.Status,
				"attempts", res.Attempts,
				"error", res.Err,
			)
		}

		// ── 3. Respond ──────────────────────────────────────────────
		c.JSON(httpStatusFor(res), encodeFetchResult(res, req.IncludeRaw))
	}
}

// respondInvalid writes a 400 for a request that failed binding.
func respondInvalid(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Success: false,
		Error: &models.ErrorDetail{
			Code:    string(models.KindInvalidInput),
			Message: err.Error(),
		},
	})
}
