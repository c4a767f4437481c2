package repository

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound            = errors.New("record not found")
	ErrAlreadyClaimed      = errors.New("lead already claimed by another owner")
	ErrInvalidFollowStatus = errors.New("invalid follow status")
)

// Repository bundles the stores backed by one database handle.
type Repository struct {
	Messages *MessageRepository
	Leads    *LeadRepository
	Runs     *RunRepository
}

func New(db *gorm.DB) *Repository {
	return &Repository{
		Messages: &MessageRepository{db: db},
		Leads:    &LeadRepository{db: db},
		Runs:     &RunRepository{db: db},
	}
}

// insertIfAbsent inserts value unless a row with the same unique column exists.
// It reports whether a row was created; an existing row is never updated.
func insertIfAbsent(tx *gorm.DB, column string, value interface{}) (bool, error) {
	result := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: column}},
		DoNothing: true,
	}).Create(value)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
