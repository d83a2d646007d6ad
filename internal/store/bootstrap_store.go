package store

import (
	"context"
	"time"

	"chorus/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type BootstrapStore struct{ db *gorm.DB }

func (s *Store) Bootstraps() *BootstrapStore { return &BootstrapStore{db: s.DB} }

func (b *BootstrapStore) Create(ctx context.Context, row *domain.BootstrapRequest) error {
	return b.db.WithContext(ctx).Create(row).Error
}

func (b *BootstrapStore) ListPending(ctx context.Context, guildID, channelID uuid.UUID) ([]domain.BootstrapRequest, error) {
	var rows []domain.BootstrapRequest
	err := b.db.WithContext(ctx).
		Where("guild_id = ? AND channel_id = ? AND resolved_at IS NULL", guildID, channelID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ResolveForTarget clears open requests once a welcome for the tuple lands.
func (b *BootstrapStore) ResolveForTarget(ctx context.Context, guildID, channelID, userID uuid.UUID, deviceID *uuid.UUID, at time.Time) error {
	tx := b.db.WithContext(ctx).
		Model(&domain.BootstrapRequest{}).
		Where("guild_id = ? AND channel_id = ? AND user_id = ? AND resolved_at IS NULL",
			guildID, channelID, userID)
	if deviceID != nil {
		tx = tx.Where("device_id = ?", *deviceID)
	}
	return tx.Update("resolved_at", at).Error
}
