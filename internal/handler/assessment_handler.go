package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"satei-lead-relay/internal/model"
	"satei-lead-relay/internal/repository"
)

// actorHeader carries the signed-in dashboard user, set by the auth proxy.
const actorHeader = "X-Forwarded-User"

// ListAssessments returns leads newest first. Without any search condition
// only the newest leads up to the configured cap are listed.
func (h *Handlers) ListAssessments(c *gin.Context) {
	filter := repository.Filter{
		ApplicationNumber: strings.TrimSpace(c.Query("application_number")),
		DateFrom:          strings.TrimSpace(c.Query("date_from")),
		DateTo:            strings.TrimSpace(c.Query("date_to")),
		Address:           strings.TrimSpace(c.Query("address")),
	}

	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	perPage, err := strconv.Atoi(c.Query("per_page"))
	if err != nil || perPage < 1 {
		perPage = h.query.DefaultPerPage
	}
	if h.query.MaxPerPage > 0 && perPage > h.query.MaxPerPage {
		perPage = h.query.MaxPerPage
	}

	result, err := h.repo.Leads.Search(c.Request.Context(), filter, repository.SearchOptions{
		Page:    page,
		PerPage: perPage,
		Cap:     h.query.DefaultCap,
	})
	if err != nil {
		logrus.Errorf("Failed to search leads: %v", err)
		errorJSON(c, http.StatusInternalServerError, "database_error", "Failed to fetch assessments")
		return
	}

	data := make([]LeadResponse, 0, len(result.Leads))
	for _, lead := range result.Leads {
		data = append(data, toLeadResponse(lead))
	}

	c.JSON(http.StatusOK, LeadListResponse{
		Success:     true,
		TotalCount:  result.TotalCount,
		Page:        result.Page,
		TotalPages:  result.TotalPages,
		PerPage:     result.PerPage,
		Count:       len(data),
		HasPrevious: result.HasPrevious,
		HasNext:     result.HasNext,
		Data:        data,
	})
}

// GetAssessment returns one lead including its follow-up state
func (h *Handlers) GetAssessment(c *gin.Context) {
	id, ok := leadID(c)
	if !ok {
		return
	}

	lead, err := h.repo.Leads.Get(c.Request.Context(), id)
	if err != nil {
		h.leadError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    toLeadDetailResponse(*lead),
	})
}

// LatestID returns the highest lead id so a client can start polling check-new
func (h *Handlers) LatestID(c *gin.Context) {
	latest, err := h.repo.Leads.LatestID(c.Request.Context())
	if err != nil {
		logrus.Errorf("Failed to fetch latest lead id: %v", err)
		errorJSON(c, http.StatusInternalServerError, "database_error", "Failed to fetch latest id")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"latest_id": latest,
	})
}

// CheckNew returns every lead with an id above last_id. A missing or
// invalid last_id is treated as 0.
func (h *Handlers) CheckNew(c *gin.Context) {
	lastID, err := strconv.ParseUint(c.Query("last_id"), 10, 64)
	if err != nil {
		lastID = 0
	}

	leads, err := h.repo.Leads.NewSince(c.Request.Context(), uint(lastID))
	if err != nil {
		logrus.Errorf("Failed to check new leads: %v", err)
		errorJSON(c, http.StatusInternalServerError, "database_error", "Failed to check new assessments")
		return
	}

	data := make([]NewLeadResponse, 0, len(leads))
	for _, lead := range leads {
		data = append(data, toNewLeadResponse(lead))
	}

	c.JSON(http.StatusOK, CheckNewResponse{
		Success: true,
		HasNew:  len(data) > 0,
		Count:   len(data),
		Data:    data,
	})
}

// ClaimAssessment assigns the lead to the calling user
func (h *Handlers) ClaimAssessment(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	id, ok := leadID(c)
	if !ok {
		return
	}

	lead, err := h.repo.Leads.Claim(c.Request.Context(), id, actor, h.now())
	if err != nil {
		h.leadError(c, err)
		return
	}

	logrus.WithFields(logrus.Fields{"lead_id": id, "actor": actor}).Info("Lead claimed")
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    toLeadDetailResponse(*lead),
	})
}

// UpdateAssessment changes the follow status and optionally the note
func (h *Handlers) UpdateAssessment(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	id, ok := leadID(c)
	if !ok {
		return
	}

	var req UpdateFollowStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	lead, err := h.repo.Leads.UpdateFollowStatus(c.Request.Context(), id,
		model.FollowStatus(strings.TrimSpace(req.FollowStatus)), req.FollowNote, actor, h.now())
	if err != nil {
		h.leadError(c, err)
		return
	}

	logrus.WithFields(logrus.Fields{
		"lead_id":       id,
		"actor":         actor,
		"follow_status": lead.FollowStatus,
	}).Info("Lead follow status updated")
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    toLeadDetailResponse(*lead),
	})
}

func (h *Handlers) leadError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		errorJSON(c, http.StatusNotFound, "not_found", "Assessment not found")
	case errors.Is(err, repository.ErrAlreadyClaimed):
		errorJSON(c, http.StatusConflict, "already_claimed", "Assessment is already assigned to another user")
	case errors.Is(err, repository.ErrInvalidFollowStatus):
		errorJSON(c, http.StatusBadRequest, "invalid_follow_status", err.Error())
	default:
		logrus.Errorf("Lead operation failed: %v", err)
		errorJSON(c, http.StatusInternalServerError, "database_error", "Failed to access assessment")
	}
}

func leadID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		errorJSON(c, http.StatusBadRequest, "invalid_id", "Invalid assessment ID")
		return 0, false
	}
	return uint(id), true
}

func requireActor(c *gin.Context) (string, bool) {
	actor := strings.TrimSpace(c.GetHeader(actorHeader))
	if actor == "" {
		errorJSON(c, http.StatusUnauthorized, "unauthenticated", "A signed-in user is required")
		return "", false
	}
	return actor, true
}
