package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type healthResponse struct {
	Status      string `json:"status"`
	Database    string `json:"database"`
	Cache       string `json:"cache"`
	Environment string `json:"environment"`
}

func (h HandlerSet) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Database: "ok", Cache: "disabled", Environment: h.environment}
	code := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		h.log.Error().Err(err).Msg("database ping failed")
		resp.Status, resp.Database = "degraded", "error"
		code = http.StatusServiceUnavailable
	}

	if h.cache != nil {
		resp.Cache = "ok"
		if err := h.cache.Ping(ctx).Err(); err != nil {
			h.log.Error().Err(err).Msg("redis ping failed")
			resp.Status, resp.Cache = "degraded", "error"
		}
	}

	c.JSON(code, resp)
}
