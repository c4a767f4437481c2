package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"satei-lead-relay/internal/config"
	"satei-lead-relay/internal/kv"
	metricsPkg "satei-lead-relay/internal/metrics"
	"satei-lead-relay/internal/repository"
	"satei-lead-relay/internal/trigger"
)

const healthTimeout = 3 * time.Second

// PushTrigger handles one decoded push notification.
type PushTrigger interface {
	Handle(ctx context.Context, n trigger.Notification) (trigger.Outcome, error)
}

// Handlers contains all HTTP handlers
type Handlers struct {
	db       *gorm.DB
	repo     *repository.Repository
	push     PushTrigger
	store    kv.Store
	metrics  *metricsPkg.Metrics
	gatherer prometheus.Gatherer
	query    config.QueryConfig
	now      func() time.Time
}

// NewHandlers creates new HTTP handlers. gatherer backs /metrics.
func NewHandlers(db *gorm.DB, repo *repository.Repository, push PushTrigger, store kv.Store, metrics *metricsPkg.Metrics, gatherer prometheus.Gatherer, query config.QueryConfig) *Handlers {
	return &Handlers{
		db:       db,
		repo:     repo,
		push:     push,
		store:    store,
		metrics:  metrics,
		gatherer: gatherer,
		query:    query,
		now:      time.Now,
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	router.POST("/webhook/gmail-push/", h.GmailPush)

	api := router.Group("/api")
	{
		api.GET("/assessments/", h.ListAssessments)
		api.GET("/assessments/:id/detail/", h.GetAssessment)
		api.POST("/assessments/:id/claim/", h.ClaimAssessment)
		api.POST("/assessments/:id/update/", h.UpdateAssessment)
		api.GET("/latest-id/", h.LatestID)
		api.GET("/check-new/", h.CheckNew)

		api.GET("/ingest-runs/", h.GetRuns)
		api.GET("/ingest-runs/:run_id/", h.GetRun)
	}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	response := HealthResponse{
		Status:    "ok",
		Timestamp: h.now().UTC(),
		Database:  "ok",
		KVStore:   "ok",
	}

	if err := h.db.WithContext(ctx).Exec("SELECT 1").Error; err != nil {
		response.Status = "error"
		response.Database = "error"
		logrus.Errorf("Database health check failed: %v", err)
	}
	if err := h.store.Ping(ctx); err != nil {
		response.Status = "error"
		response.KVStore = "error"
		logrus.Errorf("Key-value store health check failed: %v", err)
	}

	if latest, err := h.repo.Leads.LatestID(ctx); err == nil {
		response.LatestLeadID = latest
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}

func errorJSON(c *gin.Context, code int, errType, message string) {
	c.JSON(code, ErrorResponse{
		Success: false,
		Error:   errType,
		Message: message,
		Code:    code,
	})
}
