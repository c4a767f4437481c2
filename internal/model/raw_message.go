package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RawMessage is one ingested provider message, retained verbatim.
// Rows are created once per ProviderMessageID and never updated.
type RawMessage struct {
	ID                uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	ProviderMessageID string         `json:"provider_message_id" gorm:"type:varchar(255);not null;uniqueIndex"`
	ThreadID          string         `json:"thread_id" gorm:"type:varchar(255);index"`
	FromAddress       string         `json:"from_address" gorm:"type:varchar(255)"`
	ToAddress         string         `json:"to_address" gorm:"type:varchar(255)"`
	Subject           string         `json:"subject" gorm:"type:varchar(500)"`
	ReceivedAt        time.Time      `json:"received_at" gorm:"index:idx_received_at,sort:desc"`
	Snippet           string         `json:"snippet" gorm:"type:text"`
	BodyText          string         `json:"body_text" gorm:"type:text"`
	RawPayload        datatypes.JSON `json:"-"`
	CreatedAt         time.Time      `json:"created_at"`
}

// TableName specifies the table name for RawMessage
func (RawMessage) TableName() string {
	return "raw_messages"
}

// BeforeSave normalizes timestamps to UTC so range queries compare consistently
// across drivers that store times as text.
func (m *RawMessage) BeforeSave(tx *gorm.DB) error {
	m.ReceivedAt = m.ReceivedAt.UTC()
	return nil
}
