package store

import (
	"context"
	"time"

	"chorus/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type DeviceStore struct{ db *gorm.DB }

func (s *Store) Devices() *DeviceStore { return &DeviceStore{db: s.DB} }

func (d *DeviceStore) Create(ctx context.Context, device domain.Device) error {
	return d.db.WithContext(ctx).Create(&device).Error
}

func (d *DeviceStore) Get(ctx context.Context, id uuid.UUID) (*domain.Device, error) {
	var device domain.Device
	if err := d.db.WithContext(ctx).First(&device, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &device, nil
}

func (d *DeviceStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Device, error) {
	var devices []domain.Device
	err := d.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&devices).Error
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// Revoke is one-way: it only ever sets revoked_at on a live row, so a second
// revocation keeps the original timestamp.
func (d *DeviceStore) Revoke(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res := d.db.WithContext(ctx).
		Model(&domain.Device{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (d *DeviceStore) TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error {
	return d.db.WithContext(ctx).
		Model(&domain.Device{}).
		Where("id = ?", id).
		Update("last_seen_at", at).Error
}
