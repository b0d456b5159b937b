package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/fetchd/models"
	"github.com/use-agent/fetchd/resilience"
)

// Hosts returns a handler for GET /api/v1/hosts.
func Hosts(reg *resilience.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		snaps := reg.Hosts()
		out := make([]models.HostStatus, 0, len(snaps))
		for _, s := range snaps {
			out = append(out, encodeHost(s))
		}
		c.JSON(http.StatusOK, gin.H{"hosts": out})
	}
}

// Host returns a handler for GET /api/v1/hosts/:host.
func Host(reg *resilience.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		host := strings.ToLower(c.Param("host"))
		snap, ok := reg.Snapshot(host)
		if !ok {
			c.JSON(http.StatusNotFound, models.ErrorResponse{
				Error: &models.ErrorDetail{
					Code:    string(models.KindInvalidInput),
					Message: "unknown host " + host,
				},
			})
			return
		}
		c.JSON(http.StatusOK, encodeHost(snap))
	}
}
