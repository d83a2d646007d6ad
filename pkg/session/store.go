package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chorus/groupcrypto"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// identityRecord and channelRecord are the device-local persistence rows.
// They hold private key material and never leave the device except inside a
// sealed link bundle.
type identityRecord struct {
	UserID        string    `gorm:"primaryKey"`
	DeviceID      string    `gorm:"primaryKey"`
	SchemaVersion int       `gorm:"not null"`
	State         string    `gorm:"type:text;not null"`
	UpdatedAt     time.Time `gorm:"not null;autoUpdateTime"`
}

type channelRecord struct {
	UserID        string    `gorm:"primaryKey"`
	DeviceID      string    `gorm:"primaryKey"`
	GuildID       string    `gorm:"primaryKey"`
	ChannelID     string    `gorm:"primaryKey"`
	SchemaVersion int       `gorm:"not null"`
	Snapshot      string    `gorm:"type:text;not null"`
	UpdatedAt     time.Time `gorm:"not null;autoUpdateTime"`
}

func (identityRecord) TableName() string { return "local_identities" }
func (channelRecord) TableName() string  { return "local_channel_states" }

// LocalStore is the device-local database backing the session manager.
type LocalStore struct {
	db *gorm.DB
}

// OpenLocalStore opens (or creates) the sqlite file at path.
func OpenLocalStore(path string) (*LocalStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("session: open local store: %w", err)
	}
	return NewLocalStore(db)
}

func NewLocalStore(db *gorm.DB) (*LocalStore, error) {
	if err := db.AutoMigrate(&identityRecord{}, &channelRecord{}); err != nil {
		return nil, fmt.Errorf("session: migrate local store: %w", err)
	}
	return &LocalStore{db: db}, nil
}

func (s *LocalStore) SaveIdentity(id *groupcrypto.Identity) error {
	state, err := id.Export()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	rec := identityRecord{
		UserID:        id.UserID(),
		DeviceID:      id.DeviceID(),
		SchemaVersion: groupcrypto.SchemaVersion,
		State:         string(raw),
	}
	return s.db.Save(&rec).Error
}

// LoadIdentity returns nil when the device has no stored identity.
func (s *LocalStore) LoadIdentity(userID, deviceID string) (*groupcrypto.Identity, error) {
	var rec identityRecord
	err := s.db.First(&rec, "user_id = ? AND device_id = ?", userID, deviceID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var state groupcrypto.IdentityState
	if err := json.Unmarshal([]byte(rec.State), &state); err != nil {
		return nil, fmt.Errorf("session: corrupt identity record: %w", err)
	}
	return groupcrypto.ImportIdentity(&state)
}

func (s *LocalStore) SaveChannel(userID, deviceID, guildID, channelID string, snap *groupcrypto.GroupStateSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	rec := channelRecord{
		UserID:        userID,
		DeviceID:      deviceID,
		GuildID:       guildID,
		ChannelID:     channelID,
		SchemaVersion: groupcrypto.SchemaVersion,
		Snapshot:      string(raw),
	}
	return s.db.Save(&rec).Error
}

// LoadChannel returns nil when no replica is stored for the channel.
func (s *LocalStore) LoadChannel(userID, deviceID, guildID, channelID string) (*groupcrypto.GroupStateSnapshot, error) {
	var rec channelRecord
	err := s.db.First(&rec,
		"user_id = ? AND device_id = ? AND guild_id = ? AND channel_id = ?",
		userID, deviceID, guildID, channelID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if rec.SchemaVersion != groupcrypto.SchemaVersion {
		return nil, fmt.Errorf("session: channel state schema %d is not supported", rec.SchemaVersion)
	}
	var snap groupcrypto.GroupStateSnapshot
	if err := json.Unmarshal([]byte(rec.Snapshot), &snap); err != nil {
		return nil, fmt.Errorf("session: corrupt channel record: %w", err)
	}
	return &snap, nil
}

func (s *LocalStore) ListChannels(userID, deviceID string) ([]channelRecord, error) {
	var recs []channelRecord
	err := s.db.
		Where("user_id = ? AND device_id = ?", userID, deviceID).
		Order("guild_id, channel_id").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}
