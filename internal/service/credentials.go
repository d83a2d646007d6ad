package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"chorus/internal/domain"
	"chorus/internal/store"

	"github.com/google/uuid"
)

type PublishKeyPackageInput struct {
	GuildID    uuid.UUID
	UserID     uuid.UUID
	DeviceID   uuid.UUID
	PayloadB64 string
}

type KeyPackageResult struct {
	GuildID    uuid.UUID `json:"guild_id"`
	UserID     uuid.UUID `json:"user_id"`
	DeviceID   uuid.UUID `json:"device_id"`
	PayloadB64 string    `json:"key_package_b64"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PublishKeyPackage stores or replaces the caller's joinability artifact for
// a guild. Revoked devices are refused; idempotent per (guild, user, device).
func (s *Service) PublishKeyPackage(ctx context.Context, in PublishKeyPackageInput) (KeyPackageResult, error) {
	if in.PayloadB64 == "" {
		return KeyPackageResult{}, fmt.Errorf("%w: missing key package", ErrInvalidRequest)
	}
	if _, err := base64.StdEncoding.DecodeString(in.PayloadB64); err != nil {
		return KeyPackageResult{}, fmt.Errorf("%w: key package is not base64", ErrInvalidRequest)
	}
	device, err := s.store.Devices().Get(ctx, in.DeviceID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return KeyPackageResult{}, fmt.Errorf("%w: device %s", ErrNotFound, in.DeviceID)
		}
		return KeyPackageResult{}, err
	}
	if device.UserID != in.UserID {
		return KeyPackageResult{}, fmt.Errorf("%w: device belongs to another user", ErrForbidden)
	}
	if device.RevokedAt != nil {
		return KeyPackageResult{}, fmt.Errorf("%w: device is revoked", ErrForbidden)
	}
	m, err := s.store.Memberships().Get(ctx, in.GuildID, in.UserID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return KeyPackageResult{}, fmt.Errorf("%w: not a member of guild %s", ErrForbidden, in.GuildID)
		}
		return KeyPackageResult{}, err
	}
	if m.Banned {
		return KeyPackageResult{}, fmt.Errorf("%w: banned from guild %s", ErrForbidden, in.GuildID)
	}

	kp := domain.KeyPackage{
		ID:       uuid.New(),
		GuildID:  in.GuildID,
		UserID:   in.UserID,
		DeviceID: in.DeviceID,
		Payload:  in.PayloadB64,
	}
	if err := s.store.KeyPackages().Upsert(ctx, kp); err != nil {
		return KeyPackageResult{}, err
	}
	return KeyPackageResult{
		GuildID:    in.GuildID,
		UserID:     in.UserID,
		DeviceID:   in.DeviceID,
		PayloadB64: in.PayloadB64,
		UpdatedAt:  time.Now().UTC(),
	}, nil
}

// FetchKeyPackage returns the freshest live package for the target. With a
// device id it is exact; without, the newest package across the user's
// non-revoked devices wins. Packages are replayable: fetching does not
// consume them, so several adds may race on the same artifact and the group
// engine's duplicate-member check arbitrates.
func (s *Service) FetchKeyPackage(ctx context.Context, callerID, guildID, userID uuid.UUID, deviceID *uuid.UUID) (KeyPackageResult, error) {
	caller, err := s.store.Memberships().Get(ctx, guildID, callerID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return KeyPackageResult{}, fmt.Errorf("%w: not a member of guild %s", ErrForbidden, guildID)
		}
		return KeyPackageResult{}, err
	}
	if caller.Banned {
		return KeyPackageResult{}, fmt.Errorf("%w: banned from guild %s", ErrForbidden, guildID)
	}
	if deviceID != nil {
		kp, err := s.store.KeyPackages().GetByDevice(ctx, guildID, userID, *deviceID)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return KeyPackageResult{}, fmt.Errorf("%w: no key package for device %s", ErrNotFound, *deviceID)
			}
			return KeyPackageResult{}, err
		}
		device, err := s.store.Devices().Get(ctx, *deviceID)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return KeyPackageResult{}, fmt.Errorf("%w: device %s", ErrNotFound, *deviceID)
			}
			return KeyPackageResult{}, err
		}
		if device.RevokedAt != nil {
			return KeyPackageResult{}, fmt.Errorf("%w: no key package for device %s", ErrNotFound, *deviceID)
		}
		return keyPackageResult(kp), nil
	}

	kps, err := s.store.KeyPackages().ListLiveForUser(ctx, guildID, userID)
	if err != nil {
		return KeyPackageResult{}, err
	}
	if len(kps) == 0 {
		return KeyPackageResult{}, fmt.Errorf("%w: no key package for user %s", ErrNotFound, userID)
	}
	return keyPackageResult(&kps[0]), nil
}

func keyPackageResult(kp *domain.KeyPackage) KeyPackageResult {
	return KeyPackageResult{
		GuildID:    kp.GuildID,
		UserID:     kp.UserID,
		DeviceID:   kp.DeviceID,
		PayloadB64: kp.Payload,
		UpdatedAt:  kp.UpdatedAt,
	}
}
