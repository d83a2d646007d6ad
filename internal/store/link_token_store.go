package store

import (
	"context"
	"time"

	"chorus/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type LinkTokenStore struct{ db *gorm.DB }

func (s *Store) LinkTokens() *LinkTokenStore { return &LinkTokenStore{db: s.DB} }

func (l *LinkTokenStore) Create(ctx context.Context, row domain.LinkToken) error {
	return l.db.WithContext(ctx).Create(&row).Error
}

func (l *LinkTokenStore) Get(ctx context.Context, id uuid.UUID) (*domain.LinkToken, error) {
	var row domain.LinkToken
	if err := l.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &row, nil
}

// GetForUpdate locks the row for the duration of the surrounding transaction.
func (l *LinkTokenStore) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.LinkToken, error) {
	var row domain.LinkToken
	err := l.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&row, "id = ?", id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &row, nil
}

// SetBundle records the sealed bundle exactly once.
func (l *LinkTokenStore) SetBundle(ctx context.Context, id uuid.UUID, bundle string, at time.Time) (bool, error) {
	res := l.db.WithContext(ctx).
		Model(&domain.LinkToken{}).
		Where("id = ? AND uploaded_at IS NULL", id).
		Updates(map[string]any{"bundle": bundle, "uploaded_at": at})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkConsumed stamps consumed_at exactly once; the guarded update keeps the
// claim exact even where the driver ignores row locks.
func (l *LinkTokenStore) MarkConsumed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res := l.db.WithContext(ctx).
		Model(&domain.LinkToken{}).
		Where("id = ? AND consumed_at IS NULL", id).
		Update("consumed_at", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
