package store

import (
	"context"

	"chorus/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type KeyPackageStore struct{ db *gorm.DB }

func (s *Store) KeyPackages() *KeyPackageStore { return &KeyPackageStore{db: s.DB} }

// Upsert replaces the stored artifact for the (guild, user, device) tuple.
// Republishing the same package is a no-op from the caller's point of view.
func (k *KeyPackageStore) Upsert(ctx context.Context, kp domain.KeyPackage) error {
	return k.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "guild_id"}, {Name: "user_id"}, {Name: "device_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"payload":    kp.Payload,
				"updated_at": gorm.Expr("CURRENT_TIMESTAMP"),
			}),
		}).
		Create(&kp).Error
}

func (k *KeyPackageStore) GetByDevice(ctx context.Context, guildID, userID, deviceID uuid.UUID) (*domain.KeyPackage, error) {
	var kp domain.KeyPackage
	err := k.db.WithContext(ctx).
		First(&kp, "guild_id = ? AND user_id = ? AND device_id = ?", guildID, userID, deviceID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &kp, nil
}

// ListLiveForUser returns the user's packages whose devices are not revoked,
// freshest first.
func (k *KeyPackageStore) ListLiveForUser(ctx context.Context, guildID, userID uuid.UUID) ([]domain.KeyPackage, error) {
	var kps []domain.KeyPackage
	err := k.db.WithContext(ctx).
		Joins("JOIN devices ON devices.id = key_packages.device_id AND devices.revoked_at IS NULL").
		Where("key_packages.guild_id = ? AND key_packages.user_id = ?", guildID, userID).
		Order("key_packages.updated_at DESC").
		Find(&kps).Error
	if err != nil {
		return nil, err
	}
	return kps, nil
}
