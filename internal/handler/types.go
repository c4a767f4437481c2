package handler

import (
	"time"

	"satei-lead-relay/internal/model"
	"satei-lead-relay/internal/parser"
)

// Dashboard timestamps are rendered in JST
const (
	datetimeLayout  = "2006-01-02 15:04"
	timestampLayout = "2006-01-02 15:04:05"
)

// LeadResponse is one lead as listed on the dashboard
type LeadResponse struct {
	ID                  uint   `json:"id"`
	ApplicationNumber   string `json:"application_number"`
	ApplicationDatetime string `json:"application_datetime"`
	DesiredSaleTiming   string `json:"desired_sale_timing"`
	Maker               string `json:"maker"`
	CarModel            string `json:"car_model"`
	Year                string `json:"year"`
	Mileage             string `json:"mileage"`
	CustomerName        string `json:"customer_name"`
	PhoneNumber         string `json:"phone_number"`
	PostalCode          string `json:"postal_code"`
	Address             string `json:"address"`
	Email               string `json:"email"`
	AssignedOwner       string `json:"assigned_owner"`
	FollowStatus        string `json:"follow_status"`
	CreatedAt           string `json:"created_at"`
}

// LeadDetailResponse adds the follow-up history to LeadResponse
type LeadDetailResponse struct {
	LeadResponse
	AssignedAt      string `json:"assigned_at"`
	FollowNote      string `json:"follow_note"`
	StatusUpdatedAt string `json:"status_updated_at"`
	StatusUpdatedBy string `json:"status_updated_by"`
}

// NewLeadResponse is the short form returned by check-new
type NewLeadResponse struct {
	ID                  uint   `json:"id"`
	ApplicationNumber   string `json:"application_number"`
	ApplicationDatetime string `json:"application_datetime"`
	CustomerName        string `json:"customer_name"`
	Maker               string `json:"maker"`
	CarModel            string `json:"car_model"`
}

// LeadListResponse is one page of the lead list
type LeadListResponse struct {
	Success     bool           `json:"success"`
	TotalCount  int64          `json:"total_count"`
	Page        int            `json:"page"`
	TotalPages  int            `json:"total_pages"`
	PerPage     int            `json:"per_page"`
	Count       int            `json:"count"`
	HasPrevious bool           `json:"has_previous"`
	HasNext     bool           `json:"has_next"`
	Data        []LeadResponse `json:"data"`
}

// CheckNewResponse lists the leads created after the caller's last id
type CheckNewResponse struct {
	Success bool              `json:"success"`
	HasNew  bool              `json:"has_new"`
	Count   int               `json:"count"`
	Data    []NewLeadResponse `json:"data"`
}

// UpdateFollowStatusRequest represents the request structure for follow status updates
type UpdateFollowStatusRequest struct {
	FollowStatus string  `json:"follow_status" binding:"required"`
	FollowNote   *string `json:"follow_note"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
	Database     string    `json:"database"`
	KVStore      string    `json:"kv_store"`
	LatestLeadID uint      `json:"latest_lead_id"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func jstFormat(t time.Time, layout string) string {
	if t.IsZero() {
		return ""
	}
	return t.In(parser.JST).Format(layout)
}

func jstFormatPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return jstFormat(*t, timestampLayout)
}

func toLeadResponse(l model.Lead) LeadResponse {
	return LeadResponse{
		ID:                  l.ID,
		ApplicationNumber:   l.ApplicationNumber,
		ApplicationDatetime: jstFormat(l.ApplicationDatetime, datetimeLayout),
		DesiredSaleTiming:   l.DesiredSaleTiming,
		Maker:               l.Maker,
		CarModel:            l.CarModel,
		Year:                l.Year,
		Mileage:             l.Mileage,
		CustomerName:        l.CustomerName,
		PhoneNumber:         l.PhoneNumber,
		PostalCode:          l.PostalCode,
		Address:             l.Address,
		Email:               l.Email,
		AssignedOwner:       l.AssignedOwner,
		FollowStatus:        string(l.FollowStatus),
		CreatedAt:           jstFormat(l.CreatedAt, timestampLayout),
	}
}

func toLeadDetailResponse(l model.Lead) LeadDetailResponse {
	return LeadDetailResponse{
		LeadResponse:    toLeadResponse(l),
		AssignedAt:      jstFormatPtr(l.AssignedAt),
		FollowNote:      l.FollowNote,
		StatusUpdatedAt: jstFormatPtr(l.StatusUpdatedAt),
		StatusUpdatedBy: l.StatusUpdatedBy,
	}
}

func toNewLeadResponse(l model.Lead) NewLeadResponse {
	return NewLeadResponse{
		ID:                  l.ID,
		ApplicationNumber:   l.ApplicationNumber,
		ApplicationDatetime: jstFormat(l.ApplicationDatetime, datetimeLayout),
		CustomerName:        l.CustomerName,
		Maker:               l.Maker,
		CarModel:            l.CarModel,
	}
}
