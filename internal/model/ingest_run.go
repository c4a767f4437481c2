package model

import (
	"time"
)

// IngestRun records the outcome of one ingestion run for diagnostics.
type IngestRun struct {
	ID                uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	RunID             string    `json:"run_id" gorm:"type:varchar(36);not null;uniqueIndex"`
	Source            string    `json:"source" gorm:"type:varchar(50);not null;index"`
	Status            string    `json:"status" gorm:"type:varchar(50);not null"`
	Fetched           int       `json:"fetched"`
	StoredNew         int       `json:"stored_new"`
	SkippedDuplicate  int       `json:"skipped_duplicate"`
	Extracted         int       `json:"extracted"`
	ExtractionSkipped int       `json:"extraction_skipped"`
	Failed            int       `json:"failed"`
	ErrorMsg          string    `json:"error_msg" gorm:"type:text"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
	CreatedAt         time.Time `json:"created_at" gorm:"index"`
}

// TableName specifies the table name for IngestRun
func (IngestRun) TableName() string {
	return "ingest_runs"
}

// Ingest run statuses
const (
	RunStatusSuccess = "success"
	RunStatusFailure = "failure"
)
