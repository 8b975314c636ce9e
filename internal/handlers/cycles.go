package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"tagmanager/internal/middleware"
	"tagmanager/internal/queue"
	"tagmanager/internal/service"
)

func (h HandlerSet) LastCycle(c *gin.Context) {
	summary, ok, err := h.cycles.LastCycle(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("load last cycle failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_cycle_yet"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// TriggerCycle starts an ingestion cycle. With ?wait=true the request blocks
// until the cycle ends and returns its summary.
func (h HandlerSet) TriggerCycle(c *gin.Context) {
	trigger := "http:" + middleware.Operator(c)

	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		summary, err := h.cycles.RunCycle(c.Request.Context(), trigger)
		if errors.Is(err, service.ErrCycleRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": "cycle_running"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "cycle": summary})
			return
		}
		c.JSON(http.StatusOK, summary)
		return
	}

	h.dispatch(c, queue.TaskIngest, trigger, func(ctx context.Context) error {
		_, err := h.cycles.RunCycle(ctx, trigger)
		return err
	})
}

func (h HandlerSet) TriggerBackfill(c *gin.Context) {
	trigger := "http:" + middleware.Operator(c)

	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		report, err := h.cycles.RunBackfill(c.Request.Context(), trigger)
		if errors.Is(err, service.ErrCycleRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": "cycle_running"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, report)
		return
	}

	h.dispatch(c, queue.TaskThumbnail, trigger, func(ctx context.Context) error {
		_, err := h.cycles.RunBackfill(ctx, trigger)
		return err
	})
}

// dispatch hands the task to the stream when one is configured, otherwise
// runs it in this process after the response is written.
func (h HandlerSet) dispatch(c *gin.Context, task, trigger string, run func(context.Context) error) {
	if h.queue != nil {
		if err := h.queue.Enqueue(c.Request.Context(), task, trigger); err != nil {
			h.log.Error().Err(err).Str("task", task).Msg("enqueue failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue_unavailable"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "task": task})
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	h.background(func() {
		if err := run(ctx); err != nil {
			if errors.Is(err, service.ErrCycleRunning) {
				h.log.Info().Str("task", task).Msg("cycle already running")
				return
			}
			h.log.Error().Err(err).Str("task", task).Msg("background task failed")
		}
	})
	c.JSON(http.StatusAccepted, gin.H{"status": "started", "task": task})
}
