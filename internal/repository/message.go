package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"satei-lead-relay/internal/model"
)

// MessageRepository persists raw provider messages.
type MessageRepository struct {
	db *gorm.DB
}

// InsertIfAbsent stores msg keyed by its provider message id. It returns
// false without touching the existing row when the id was already ingested.
func (r *MessageRepository) InsertIfAbsent(ctx context.Context, msg *model.RawMessage) (bool, error) {
	created, err := insertIfAbsent(r.db.WithContext(ctx), "provider_message_id", msg)
	if err != nil {
		return false, fmt.Errorf("failed to store message %s: %w", msg.ProviderMessageID, err)
	}
	return created, nil
}

func (r *MessageRepository) GetByProviderID(ctx context.Context, providerMessageID string) (*model.RawMessage, error) {
	var msg model.RawMessage
	err := r.db.WithContext(ctx).Where("provider_message_id = ?", providerMessageID).First(&msg).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &msg, nil
}

func (r *MessageRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.RawMessage{}).Count(&n).Error
	return n, err
}
