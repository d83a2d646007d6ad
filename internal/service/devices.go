package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chorus/internal/domain"
	"chorus/internal/store"

	"github.com/google/uuid"
)

type RegisterDeviceInput struct {
	UserID     uuid.UUID
	DeviceID   uuid.UUID // zero value → generated
	Name       string
	SigningKey string
}

type DeviceResult struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	Name       string     `json:"name"`
	SigningKey string     `json:"signing_key"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

func (s *Service) RegisterDevice(ctx context.Context, in RegisterDeviceInput) (DeviceResult, error) {
	if in.SigningKey == "" {
		return DeviceResult{}, fmt.Errorf("%w: missing signing key", ErrInvalidRequest)
	}
	if in.Name == "" {
		return DeviceResult{}, fmt.Errorf("%w: missing device name", ErrInvalidRequest)
	}
	deviceID := in.DeviceID
	if deviceID == uuid.Nil {
		deviceID = uuid.New()
	}
	device := domain.Device{
		ID:         deviceID,
		UserID:     in.UserID,
		Name:       in.Name,
		SigningKey: in.SigningKey,
	}
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.Users().Ensure(ctx, in.UserID); err != nil {
			return err
		}
		return tx.Devices().Create(ctx, device)
	})
	if err != nil {
		return DeviceResult{}, err
	}
	return DeviceResult{
		ID:         device.ID,
		UserID:     device.UserID,
		Name:       device.Name,
		SigningKey: device.SigningKey,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// RevokeDevice is one-way. Future credential issuance for the device stops;
// material it already consumed stays consumed.
func (s *Service) RevokeDevice(ctx context.Context, callerID, deviceID uuid.UUID) error {
	device, err := s.store.Devices().Get(ctx, deviceID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return fmt.Errorf("%w: device %s", ErrNotFound, deviceID)
		}
		return err
	}
	if device.UserID != callerID {
		return fmt.Errorf("%w: device belongs to another user", ErrForbidden)
	}
	if device.RevokedAt != nil {
		return nil
	}
	_, err = s.store.Devices().Revoke(ctx, deviceID, time.Now().UTC())
	return err
}

func (s *Service) ListDevices(ctx context.Context, userID uuid.UUID) ([]DeviceResult, error) {
	devices, err := s.store.Devices().ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]DeviceResult, len(devices))
	for i, d := range devices {
		out[i] = DeviceResult{
			ID:         d.ID,
			UserID:     d.UserID,
			Name:       d.Name,
			SigningKey: d.SigningKey,
			CreatedAt:  d.CreatedAt,
			LastSeenAt: d.LastSeenAt,
			RevokedAt:  d.RevokedAt,
		}
	}
	return out, nil
}

// TouchDevice updates last_seen_at; failures are not worth surfacing to the
// request path.
func (s *Service) TouchDevice(ctx context.Context, deviceID uuid.UUID) {
	_ = s.store.Devices().TouchLastSeen(ctx, deviceID, time.Now().UTC())
}
