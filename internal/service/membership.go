package service

import (
	"context"
	"errors"
	"fmt"

	"chorus/internal/store"

	"github.com/google/uuid"
)

// EnsureActiveMember checks that the channel exists in the guild and that the
// user holds an active (not banned) membership. Muted members remain active
// for control-plane purposes; muting only gates content fanout.
func (s *Service) EnsureActiveMember(ctx context.Context, guildID, channelID, userID uuid.UUID) error {
	ch, err := s.store.Memberships().GetChannel(ctx, channelID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return fmt.Errorf("%w: channel %s", ErrNotFound, channelID)
		}
		return err
	}
	if ch.GuildID != guildID {
		return fmt.Errorf("%w: channel %s is not in guild %s", ErrNotFound, channelID, guildID)
	}
	m, err := s.store.Memberships().Get(ctx, guildID, userID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return fmt.Errorf("%w: not a member of guild %s", ErrForbidden, guildID)
		}
		return err
	}
	if m.Banned {
		return fmt.Errorf("%w: banned from guild %s", ErrForbidden, guildID)
	}
	return nil
}
