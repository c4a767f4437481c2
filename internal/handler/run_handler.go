package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"satei-lead-relay/internal/model"
	"satei-lead-relay/internal/repository"
)

// GetRuns returns ingestion runs with pagination
func (h *Handlers) GetRuns(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 50
	}

	runs, total, err := h.repo.Runs.List(c.Request.Context(), page, limit)
	if err != nil {
		logrus.Errorf("Failed to list ingest runs: %v", err)
		errorJSON(c, http.StatusInternalServerError, "database_error", "Failed to fetch ingest runs")
		return
	}
	if runs == nil {
		runs = []model.IngestRun{}
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"runs":    runs,
		"pagination": gin.H{
			"page":  page,
			"limit": limit,
			"total": total,
		},
	})
}

// GetRun returns a single ingestion run by its run id
func (h *Handlers) GetRun(c *gin.Context) {
	run, err := h.repo.Runs.Get(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			errorJSON(c, http.StatusNotFound, "not_found", "Ingest run not found")
			return
		}
		logrus.Errorf("Failed to fetch ingest run: %v", err)
		errorJSON(c, http.StatusInternalServerError, "database_error", "Failed to fetch ingest run")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"run":     run,
	})
}
