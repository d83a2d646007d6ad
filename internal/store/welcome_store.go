package store

import (
	"context"
	"time"

	"chorus/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WelcomeStore struct{ db *gorm.DB }

func (s *Store) Welcomes() *WelcomeStore { return &WelcomeStore{db: s.DB} }

func (w *WelcomeStore) Create(ctx context.Context, row *domain.PendingWelcome) error {
	return w.db.WithContext(ctx).Create(row).Error
}

// TakeLatestPending claims the newest unconsumed welcome for the target and
// stamps consumed_at exactly once. The row lock skips rows another consumer
// already holds, and the guarded update makes the claim exact even where the
// driver ignores row locks. Returns nil when nothing is pending.
func (w *WelcomeStore) TakeLatestPending(ctx context.Context, guildID, channelID, userID uuid.UUID, deviceID *uuid.UUID) (*domain.PendingWelcome, error) {
	for {
		var row domain.PendingWelcome
		tx := w.db.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("guild_id = ? AND channel_id = ? AND target_user_id = ? AND consumed_at IS NULL",
				guildID, channelID, userID).
			Order("id DESC")
		if deviceID != nil {
			tx = tx.Where("target_device_id IS NULL OR target_device_id = ?", *deviceID)
		}
		if err := tx.First(&row).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil, nil
			}
			return nil, err
		}
		now := time.Now().UTC()
		res := w.db.WithContext(ctx).
			Model(&domain.PendingWelcome{}).
			Where("id = ? AND consumed_at IS NULL", row.ID).
			Update("consumed_at", now)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race for this row; try the next candidate.
			continue
		}
		row.ConsumedAt = &now
		return &row, nil
	}
}
