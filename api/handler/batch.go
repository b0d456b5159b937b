package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/fetchd/models"
	"golang.org/x/sync/errgroup"
)

// batchConcurrency bounds the targets of one batch fetched at the same time.
const batchConcurrency = 10

// Batch returns a handler for POST /api/v1/fetch/batch. Targets are fetched
// concurrently through the orchestrator and results are returned in request
// order. An invalid target yields an error entry in its slot; the batch
// itself still succeeds.
func Batch(f Fetcher, opts Options) gin.HandlerFunc {
	maxSize := opts.MaxBatchSize
	if maxSize <= 0 {
		maxSize = 50
	}
	return func(c *gin.Context) {
		var req models.BatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondInvalid(c, err)
			return
		}
		if len(req.Targets) > maxSize {
			respondInvalid(c, fmt.Errorf("maximum %d targets per batch", maxSize))
			return
		}

		results := make([]models.FetchResponse, len(req.Targets))
		base := f.Policy()
		ctx := c.Request.Context()

		var g errgroup.Group
		g.SetLimit(batchConcurrency)
		for i, tr := range req.Targets {
			t, p, err := decodeFetchRequest(tr, base, opts.MaxTimeout)
			if err != nil {
				results[i] = errorResult(err)
				continue
			}
			g.Go(func() error {
				results[i] = encodeFetchResult(f.FetchOne(ctx, t, p), tr.IncludeRaw)
				return nil
			})
		}
		_ = g.Wait()

		resp := models.BatchResponse{Results: results}
		for _, r := range results {
			if r.Success {
				resp.Succeeded++
			} else {
				resp.Failed++
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}
