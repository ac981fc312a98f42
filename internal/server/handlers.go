package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/mcpbench/mcpbench/internal/common/errors"
	"github.com/mcpbench/mcpbench/internal/common/logger"
	"github.com/mcpbench/mcpbench/internal/store"
)

// runHandler serves the read-only run API.
type runHandler struct {
	store  store.Store
	logger *logger.Logger
}

func registerRunRoutes(router *gin.RouterGroup, st store.Store, log *logger.Logger) {
	h := &runHandler{store: st, logger: log}

	runs := router.Group("/runs")
	{
		runs.GET("/:runId", h.GetRun)
		runs.GET("/:runId/tasks", h.ListTasks)
		runs.GET("/:runId/tasks/:taskId/benchmark", h.GetBenchmark)
	}
}

// GetRun returns one run with its tallies.
// GET /api/v1/runs/:runId
func (h *runHandler) GetRun(c *gin.Context) {
	runID, ok := h.pathID(c, "runId")
	if !ok {
		return
	}

	run, err := h.store.GetRun(c.Request.Context(), runID)
	if err != nil {
		h.renderError(c, err, "failed to load run")
		return
	}
	c.JSON(http.StatusOK, run)
}

// ListTasks returns the run's tasks with verdicts.
// GET /api/v1/runs/:runId/tasks
func (h *runHandler) ListTasks(c *gin.Context) {
	runID, ok := h.pathID(c, "runId")
	if !ok {
		return
	}

	tasks, err := h.store.ListTasks(c.Request.Context(), runID)
	if err != nil {
		h.renderError(c, err, "failed to list tasks")
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

// GetBenchmark returns a task's benchmark header and its steps.
// GET /api/v1/runs/:runId/tasks/:taskId/benchmark
func (h *runHandler) GetBenchmark(c *gin.Context) {
	runID, ok := h.pathID(c, "runId")
	if !ok {
		return
	}
	taskID, ok := h.pathID(c, "taskId")
	if !ok {
		return
	}

	bench, err := h.store.GetBenchmark(c.Request.Context(), runID, taskID)
	if err != nil {
		h.renderError(c, err, "failed to load benchmark")
		return
	}
	steps, err := h.store.ListSteps(c.Request.Context(), bench.ID)
	if err != nil {
		h.renderError(c, err, "failed to load steps")
		return
	}
	c.JSON(http.StatusOK, gin.H{"benchmark": bench, "steps": steps})
}

func (h *runHandler) pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		appErr := apperrors.Config(name + " must be an integer")
		c.JSON(appErr.HTTPStatus, appErr)
		return 0, false
	}
	return id, true
}

func (h *runHandler) renderError(c *gin.Context, err error, message string) {
	if apperrors.IsNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	h.logger.Error(message, zap.Error(err))
	appErr := apperrors.InternalError(message, err)
	c.JSON(appErr.HTTPStatus, appErr)
}
