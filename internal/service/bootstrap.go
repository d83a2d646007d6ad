package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"chorus/internal/domain"
	"chorus/internal/store"

	"github.com/google/uuid"
)

type DepositWelcomeInput struct {
	GuildID        uuid.UUID
	ChannelID      uuid.UUID
	DepositorID    uuid.UUID
	TargetUserID   uuid.UUID
	TargetDeviceID *uuid.UUID
	WelcomeB64     string
}

type WelcomeResult struct {
	GuildID        uuid.UUID  `json:"guild_id"`
	ChannelID      uuid.UUID  `json:"channel_id"`
	UserID         uuid.UUID  `json:"user_id"`
	TargetDeviceID *uuid.UUID `json:"target_device_id,omitempty"`
	WelcomeB64     string     `json:"welcome_b64"`
	ConsumedAt     *time.Time `json:"consumed_at,omitempty"`
}

// DepositWelcome records a welcome for later pickup. Insert-only: a second
// deposit for the same target adds a newer row, it never overwrites. Any open
// bootstrap requests for the target are resolved in the same transaction.
func (s *Service) DepositWelcome(ctx context.Context, in DepositWelcomeInput) error {
	if in.WelcomeB64 == "" {
		return fmt.Errorf("%w: missing welcome", ErrInvalidRequest)
	}
	if _, err := base64.StdEncoding.DecodeString(in.WelcomeB64); err != nil {
		return fmt.Errorf("%w: welcome is not base64", ErrInvalidRequest)
	}
	if err := s.EnsureActiveMember(ctx, in.GuildID, in.ChannelID, in.DepositorID); err != nil {
		return err
	}
	return s.store.WithTx(ctx, func(tx *store.Store) error {
		row := &domain.PendingWelcome{
			GuildID:        in.GuildID,
			ChannelID:      in.ChannelID,
			TargetUserID:   in.TargetUserID,
			TargetDeviceID: in.TargetDeviceID,
			WelcomeB64:     in.WelcomeB64,
		}
		if err := tx.Welcomes().Create(ctx, row); err != nil {
			return err
		}
		return tx.Bootstraps().ResolveForTarget(ctx, in.GuildID, in.ChannelID, in.TargetUserID, in.TargetDeviceID, time.Now().UTC())
	})
}

// TakePendingWelcome consumes the newest pending welcome for the caller.
// Exactly-once: concurrent takes of the same row have one winner; the losers
// fall through to older rows or ErrNotFound.
func (s *Service) TakePendingWelcome(ctx context.Context, guildID, channelID, userID uuid.UUID, deviceID *uuid.UUID) (WelcomeResult, error) {
	if err := s.EnsureActiveMember(ctx, guildID, channelID, userID); err != nil {
		return WelcomeResult{}, err
	}
	var row *domain.PendingWelcome
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		var err error
		row, err = tx.Welcomes().TakeLatestPending(ctx, guildID, channelID, userID, deviceID)
		return err
	})
	if err != nil {
		return WelcomeResult{}, err
	}
	if row == nil {
		return WelcomeResult{}, fmt.Errorf("%w: no pending welcome", ErrNotFound)
	}
	return WelcomeResult{
		GuildID:        row.GuildID,
		ChannelID:      row.ChannelID,
		UserID:         row.TargetUserID,
		TargetDeviceID: row.TargetDeviceID,
		WelcomeB64:     row.WelcomeB64,
		ConsumedAt:     row.ConsumedAt,
	}, nil
}

type BootstrapRequestInput struct {
	GuildID   uuid.UUID
	ChannelID uuid.UUID
	UserID    uuid.UUID
	DeviceID  uuid.UUID
	Reason    string
}

type BootstrapRequestResult struct {
	ID        uint64    `json:"id"`
	GuildID   uuid.UUID `json:"guild_id"`
	ChannelID uuid.UUID `json:"channel_id"`
	UserID    uuid.UUID `json:"user_id"`
	DeviceID  uuid.UUID `json:"device_id"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// RequestBootstrap files a request that existing members poll so they know to
// deposit a fresh welcome for the caller.
func (s *Service) RequestBootstrap(ctx context.Context, in BootstrapRequestInput) (BootstrapRequestResult, error) {
	if !domain.ValidBootstrapReason(in.Reason) {
		return BootstrapRequestResult{}, fmt.Errorf("%w: unknown bootstrap reason %q", ErrInvalidRequest, in.Reason)
	}
	if err := s.EnsureActiveMember(ctx, in.GuildID, in.ChannelID, in.UserID); err != nil {
		return BootstrapRequestResult{}, err
	}
	row := &domain.BootstrapRequest{
		GuildID:   in.GuildID,
		ChannelID: in.ChannelID,
		UserID:    in.UserID,
		DeviceID:  in.DeviceID,
		Reason:    in.Reason,
	}
	if err := s.store.Bootstraps().Create(ctx, row); err != nil {
		return BootstrapRequestResult{}, err
	}
	return BootstrapRequestResult{
		ID:        row.ID,
		GuildID:   row.GuildID,
		ChannelID: row.ChannelID,
		UserID:    row.UserID,
		DeviceID:  row.DeviceID,
		Reason:    row.Reason,
		CreatedAt: row.CreatedAt,
	}, nil
}

func (s *Service) ListBootstrapRequests(ctx context.Context, guildID, channelID, callerID uuid.UUID) ([]BootstrapRequestResult, error) {
	if err := s.EnsureActiveMember(ctx, guildID, channelID, callerID); err != nil {
		return nil, err
	}
	rows, err := s.store.Bootstraps().ListPending(ctx, guildID, channelID)
	if err != nil {
		return nil, err
	}
	out := make([]BootstrapRequestResult, len(rows))
	for i, r := range rows {
		out[i] = BootstrapRequestResult{
			ID:        r.ID,
			GuildID:   r.GuildID,
			ChannelID: r.ChannelID,
			UserID:    r.UserID,
			DeviceID:  r.DeviceID,
			Reason:    r.Reason,
			CreatedAt: r.CreatedAt,
		}
	}
	return out, nil
}
