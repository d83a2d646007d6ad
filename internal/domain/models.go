package domain

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

type Guild struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

type Channel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	GuildID   uuid.UUID `gorm:"type:uuid;not null;index"`
	Name      string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

// Membership rows are seeded administratively; there is no guild CRUD surface.
type Membership struct {
	GuildID   uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID `gorm:"type:uuid;primaryKey"`
	Role      string    `gorm:"type:text;not null;default:member"`
	Banned    bool      `gorm:"not null;default:false"`
	Muted     bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

type Device struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID     uuid.UUID `gorm:"type:uuid;not null;index"`
	Name       string    `gorm:"type:text;not null"`
	SigningKey string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"not null;autoCreateTime"`
	LastSeenAt *time.Time
	RevokedAt  *time.Time
}

// KeyPackage stores the opaque signed artifact a device publishes so existing
// members can add it. Publishing again replaces the previous artifact for the
// same (guild, user, device) tuple.
type KeyPackage struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	GuildID   uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_key_packages_tuple,priority:1"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_key_packages_tuple,priority:2"`
	DeviceID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_key_packages_tuple,priority:3"`
	Payload   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}

// PendingWelcome is insert-only; consumption writes consumed_at exactly once
// and never deletes. Orphaned rows stay behind as inert history.
type PendingWelcome struct {
	ID             uint64     `gorm:"primaryKey;autoIncrement"`
	GuildID        uuid.UUID  `gorm:"type:uuid;not null;index:idx_welcomes_target,priority:1"`
	ChannelID      uuid.UUID  `gorm:"type:uuid;not null;index:idx_welcomes_target,priority:2"`
	TargetUserID   uuid.UUID  `gorm:"type:uuid;not null;index:idx_welcomes_target,priority:3"`
	TargetDeviceID *uuid.UUID `gorm:"type:uuid"`
	WelcomeB64     string     `gorm:"type:text;not null"`
	CreatedAt      time.Time  `gorm:"not null;autoCreateTime"`
	ConsumedAt     *time.Time
}

// LinkToken backs device linking. Only the SHA-256 of the secret is stored;
// the cleartext secret exists once, in the response to the initiator.
type LinkToken struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID            uuid.UUID `gorm:"type:uuid;not null;index"`
	InitiatorDeviceID uuid.UUID `gorm:"type:uuid;not null"`
	TargetKey         string    `gorm:"type:text;not null"`
	SecretHash        string    `gorm:"type:text;not null"`
	Bundle            string    `gorm:"type:text"`
	CreatedAt         time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt         time.Time `gorm:"not null"`
	UploadedAt        *time.Time
	ConsumedAt        *time.Time
}

// BootstrapRequest lets a device that cannot decrypt a channel ask existing
// members for a fresh welcome. Resolved when a matching welcome is deposited.
type BootstrapRequest struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	GuildID    uuid.UUID `gorm:"type:uuid;not null;index:idx_bootstrap_chan,priority:1"`
	ChannelID  uuid.UUID `gorm:"type:uuid;not null;index:idx_bootstrap_chan,priority:2"`
	UserID     uuid.UUID `gorm:"type:uuid;not null"`
	DeviceID   uuid.UUID `gorm:"type:uuid;not null"`
	Reason     string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"not null;autoCreateTime"`
	ResolvedAt *time.Time
}

// Bootstrap request reasons, mirrored by clients.
const (
	BootstrapReasonMissingWelcome    = "missing_pending_welcome"
	BootstrapReasonLocalStateMissing = "local_state_missing"
	BootstrapReasonRecoveryWelcome   = "recovery_welcome_duplicate_member"
)

func ValidBootstrapReason(r string) bool {
	switch r {
	case BootstrapReasonMissingWelcome, BootstrapReasonLocalStateMissing, BootstrapReasonRecoveryWelcome:
		return true
	}
	return false
}
