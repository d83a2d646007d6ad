package service

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"chorus/internal/domain"
	"chorus/internal/store"

	"github.com/google/uuid"
)

const defaultLinkTTL = 10 * time.Minute

type StartLinkInput struct {
	UserID            uuid.UUID
	InitiatorDeviceID uuid.UUID
	TargetKey         string // new device's public key, base64
	TTL               time.Duration
}

type StartLinkResult struct {
	TokenID     uuid.UUID `json:"token_id"`
	TokenSecret string    `json:"token_secret"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// StartLink creates a one-shot link token. The secret is returned exactly
// once; only its SHA-256 is persisted.
func (s *Service) StartLink(ctx context.Context, in StartLinkInput) (StartLinkResult, error) {
	if in.TargetKey == "" {
		return StartLinkResult{}, fmt.Errorf("%w: missing target key", ErrInvalidRequest)
	}
	device, err := s.store.Devices().Get(ctx, in.InitiatorDeviceID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return StartLinkResult{}, fmt.Errorf("%w: device %s", ErrNotFound, in.InitiatorDeviceID)
		}
		return StartLinkResult{}, err
	}
	if device.UserID != in.UserID {
		return StartLinkResult{}, fmt.Errorf("%w: device belongs to another user", ErrForbidden)
	}
	if device.RevokedAt != nil {
		return StartLinkResult{}, fmt.Errorf("%w: device is revoked", ErrForbidden)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return StartLinkResult{}, err
	}
	secretB64 := base64.StdEncoding.EncodeToString(secret)

	ttl := in.TTL
	if ttl <= 0 {
		ttl = defaultLinkTTL
	}
	row := domain.LinkToken{
		ID:                uuid.New(),
		UserID:            in.UserID,
		InitiatorDeviceID: in.InitiatorDeviceID,
		TargetKey:         in.TargetKey,
		SecretHash:        hashLinkSecret(secretB64),
		ExpiresAt:         time.Now().UTC().Add(ttl),
	}
	if err := s.store.LinkTokens().Create(ctx, row); err != nil {
		return StartLinkResult{}, err
	}
	return StartLinkResult{
		TokenID:     row.ID,
		TokenSecret: secretB64,
		ExpiresAt:   row.ExpiresAt,
	}, nil
}

type UploadBundleInput struct {
	TokenID     uuid.UUID
	TokenSecret string
	BundleB64   string
}

// UploadBundle attaches the sealed state bundle to the token. One shot: a
// second upload is ErrConflict regardless of content.
func (s *Service) UploadBundle(ctx context.Context, in UploadBundleInput) error {
	if in.BundleB64 == "" {
		return fmt.Errorf("%w: missing bundle", ErrInvalidRequest)
	}
	if _, err := base64.StdEncoding.DecodeString(in.BundleB64); err != nil {
		return fmt.Errorf("%w: bundle is not base64", ErrInvalidRequest)
	}
	return s.store.WithTx(ctx, func(tx *store.Store) error {
		row, err := tx.LinkTokens().GetForUpdate(ctx, in.TokenID)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return fmt.Errorf("%w: link token %s", ErrNotFound, in.TokenID)
			}
			return err
		}
		if err := checkLinkToken(row, in.TokenSecret); err != nil {
			return err
		}
		if row.UploadedAt != nil {
			return fmt.Errorf("%w: bundle already uploaded", ErrConflict)
		}
		ok, err := tx.LinkTokens().SetBundle(ctx, in.TokenID, in.BundleB64, time.Now().UTC())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: bundle already uploaded", ErrConflict)
		}
		return nil
	})
}

type ClaimBundleResult struct {
	TokenID   uuid.UUID `json:"token_id"`
	UserID    uuid.UUID `json:"user_id"`
	TargetKey string    `json:"target_key"`
	BundleB64 string    `json:"bundle_b64"`
}

// ClaimBundle hands the sealed bundle to the new device exactly once.
func (s *Service) ClaimBundle(ctx context.Context, tokenID uuid.UUID, tokenSecret string) (ClaimBundleResult, error) {
	var result ClaimBundleResult
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		row, err := tx.LinkTokens().GetForUpdate(ctx, tokenID)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return fmt.Errorf("%w: link token %s", ErrNotFound, tokenID)
			}
			return err
		}
		if err := checkLinkToken(row, tokenSecret); err != nil {
			return err
		}
		if row.UploadedAt == nil {
			return fmt.Errorf("%w: bundle not uploaded yet", ErrNotFound)
		}
		ok, err := tx.LinkTokens().MarkConsumed(ctx, tokenID, time.Now().UTC())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: link token %s", ErrAlreadyConsumed, tokenID)
		}
		result = ClaimBundleResult{
			TokenID:   row.ID,
			UserID:    row.UserID,
			TargetKey: row.TargetKey,
			BundleB64: row.Bundle,
		}
		return nil
	})
	if err != nil {
		return ClaimBundleResult{}, err
	}
	return result, nil
}

// checkLinkToken enforces the shared token checks: secret, consumption,
// lazy expiry. Order matters: a wrong secret must not leak token state.
func checkLinkToken(row *domain.LinkToken, secret string) error {
	if !hmac.Equal([]byte(hashLinkSecret(secret)), []byte(row.SecretHash)) {
		return fmt.Errorf("%w: bad link secret", ErrUnauthorized)
	}
	if row.ConsumedAt != nil {
		return fmt.Errorf("%w: link token %s", ErrAlreadyConsumed, row.ID)
	}
	if time.Now().UTC().After(row.ExpiresAt) {
		return fmt.Errorf("%w: link token %s", ErrExpired, row.ID)
	}
	return nil
}

func hashLinkSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return base64.StdEncoding.EncodeToString(sum[:])
}
