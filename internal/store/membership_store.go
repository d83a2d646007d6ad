package store

import (
	"context"

	"chorus/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MembershipStore struct{ db *gorm.DB }

func (s *Store) Memberships() *MembershipStore { return &MembershipStore{db: s.DB} }

func (m *MembershipStore) Get(ctx context.Context, guildID, userID uuid.UUID) (*domain.Membership, error) {
	var row domain.Membership
	err := m.db.WithContext(ctx).
		First(&row, "guild_id = ? AND user_id = ?", guildID, userID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (m *MembershipStore) Upsert(ctx context.Context, row domain.Membership) error {
	return m.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "guild_id"}, {Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"role":   row.Role,
				"banned": row.Banned,
				"muted":  row.Muted,
			}),
		}).
		Create(&row).Error
}

func (m *MembershipStore) GetChannel(ctx context.Context, channelID uuid.UUID) (*domain.Channel, error) {
	var ch domain.Channel
	if err := m.db.WithContext(ctx).First(&ch, "id = ?", channelID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &ch, nil
}

func (m *MembershipStore) UpsertGuild(ctx context.Context, g domain.Guild) error {
	return m.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]any{"name": g.Name}),
		}).
		Create(&g).Error
}

func (m *MembershipStore) UpsertChannel(ctx context.Context, ch domain.Channel) error {
	return m.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]any{"name": ch.Name, "guild_id": ch.GuildID}),
		}).
		Create(&ch).Error
}
