package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/fetchd/cache"
)

// CacheStats returns a handler for GET /api/v1/cache/stats.
func CacheStats(cc *cache.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, encodeCacheStats(cc.Stats()))
	}
}

// CacheClear returns a handler for POST /api/v1/cache/clear.
func CacheClear(cc *cache.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		removed := cc.Len()
		cc.Clear()
		c.JSON(http.StatusOK, gin.H{"removed": removed})
	}
}

// CacheCleanup returns a handler for POST /api/v1/cache/cleanup, which purges
// expired entries only.
func CacheCleanup(cc *cache.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"removed": cc.Cleanup()})
	}
}
