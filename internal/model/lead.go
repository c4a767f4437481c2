package model

import (
	"time"

	"gorm.io/gorm"
)

// FollowStatus is the sales follow-up state of a lead.
type FollowStatus string

const (
	FollowStatusNew         FollowStatus = "未対応"
	FollowStatusInProgress  FollowStatus = "対応中"
	FollowStatusFollowingUp FollowStatus = "追客中"
	FollowStatusNegotiating FollowStatus = "商談中"
	FollowStatusWon         FollowStatus = "成約"
	FollowStatusLost        FollowStatus = "失注"
	FollowStatusExcluded    FollowStatus = "対象外"
)

// FollowStatuses lists the valid follow statuses in display order.
var FollowStatuses = []FollowStatus{
	FollowStatusNew,
	FollowStatusInProgress,
	FollowStatusFollowingUp,
	FollowStatusNegotiating,
	FollowStatusWon,
	FollowStatusLost,
	FollowStatusExcluded,
}

// Valid reports whether s is one of FollowStatuses.
func (s FollowStatus) Valid() bool {
	for _, v := range FollowStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Lead is one extracted car assessment request (車査定申込).
//
// ApplicationNumber is the write-side dedup key. The follow-up fields are only
// changed by dashboard users, never by ingestion.
type Lead struct {
	ID                  uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	ApplicationNumber   string    `json:"application_number" gorm:"type:varchar(50);not null;uniqueIndex"`
	ApplicationDatetime time.Time `json:"application_datetime" gorm:"not null;index:idx_app_datetime,sort:desc"`
	DesiredSaleTiming   string    `json:"desired_sale_timing" gorm:"type:varchar(100)"`

	Maker    string `json:"maker" gorm:"type:varchar(100)"`
	CarModel string `json:"car_model" gorm:"type:varchar(100)"`
	Year     string `json:"year" gorm:"type:varchar(100)"`
	Mileage  string `json:"mileage" gorm:"type:varchar(100)"`

	CustomerName string `json:"customer_name" gorm:"type:varchar(100);index"`
	PhoneNumber  string `json:"phone_number" gorm:"type:varchar(20);index"`
	PostalCode   string `json:"postal_code" gorm:"type:varchar(10)"`
	Address      string `json:"address" gorm:"type:varchar(255)"`
	Email        string `json:"email" gorm:"type:varchar(255)"`

	SourceMessageID *uint       `json:"source_message_id" gorm:"index"`
	SourceMessage   *RawMessage `json:"-" gorm:"foreignKey:SourceMessageID;constraint:OnDelete:SET NULL"`

	AssignedOwner   string       `json:"assigned_owner" gorm:"type:varchar(150)"`
	AssignedAt      *time.Time   `json:"assigned_at"`
	FollowStatus    FollowStatus `json:"follow_status" gorm:"type:varchar(20);not null;default:'未対応';index"`
	FollowNote      string       `json:"follow_note" gorm:"type:text"`
	StatusUpdatedAt *time.Time   `json:"status_updated_at"`
	StatusUpdatedBy string       `json:"status_updated_by" gorm:"type:varchar(150)"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for Lead
func (Lead) TableName() string {
	return "leads"
}

// BeforeSave normalizes timestamps to UTC and fills the default follow status.
func (l *Lead) BeforeSave(tx *gorm.DB) error {
	l.ApplicationDatetime = l.ApplicationDatetime.UTC()
	if l.FollowStatus == "" {
		l.FollowStatus = FollowStatusNew
	}
	return nil
}
