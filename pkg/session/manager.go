package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"chorus/groupcrypto"
	"chorus/pkg/relayclient"

	"github.com/google/uuid"
)

// ErrGroupUninitialized reports that this device holds no replica for the
// channel and no pending welcome was available. It is non-fatal: the caller
// should retry Open after another member deposits a welcome.
var ErrGroupUninitialized = errors.New("session: group uninitialized on this device")

// Bootstrap reasons filed with the relay when a channel cannot be opened.
// Values match the relay's bootstrap request vocabulary.
const (
	ReasonMissingWelcome    = "missing_pending_welcome"
	ReasonLocalStateMissing = "local_state_missing"
	ReasonRecoveryWelcome   = "recovery_welcome_duplicate_member"
)

// Relay is the subset of the control-plane client the manager drives.
// *relayclient.Client satisfies it; tests substitute a fake.
type Relay interface {
	TakeWelcome(ctx context.Context, guildID, channelID, userID uuid.UUID, deviceID *uuid.UUID) (*relayclient.Welcome, error)
	DepositWelcome(ctx context.Context, req relayclient.DepositWelcomeRequest) error
	PublishKeyPackage(ctx context.Context, guildID, deviceID uuid.UUID, payloadB64 string) (*relayclient.KeyPackage, error)
	FetchKeyPackage(ctx context.Context, guildID, userID uuid.UUID, deviceID *uuid.UUID) (*relayclient.KeyPackage, error)
	RequestBootstrap(ctx context.Context, guildID, channelID, deviceID uuid.UUID, reason string) (*relayclient.BootstrapRequest, error)
	StartLink(ctx context.Context, initiatorDeviceID uuid.UUID, targetKey string, ttl time.Duration) (*relayclient.LinkToken, error)
	UploadLinkBundle(ctx context.Context, tokenID uuid.UUID, tokenSecret, bundleB64 string) error
	ClaimLinkBundle(ctx context.Context, tokenID uuid.UUID, tokenSecret string) (*relayclient.ClaimedBundle, error)
}

type channelKey struct {
	guildID   uuid.UUID
	channelID uuid.UUID
}

// channelSession wraps one channel replica. Its mutex covers in-memory
// mutation and snapshot persistence only, never network round trips.
type channelSession struct {
	mu    sync.Mutex
	group *groupcrypto.GroupState
}

// Manager owns the channel replicas for one device. It loads and persists
// snapshots through the local store and talks to the relay for welcomes,
// key packages, and bootstrap requests.
type Manager struct {
	identity *groupcrypto.Identity
	userID   uuid.UUID
	deviceID uuid.UUID
	relay    Relay
	store    *LocalStore

	mu       sync.Mutex
	sessions map[channelKey]*channelSession
}

func NewManager(identity *groupcrypto.Identity, relay Relay, store *LocalStore) (*Manager, error) {
	userID, err := uuid.Parse(identity.UserID())
	if err != nil {
		return nil, fmt.Errorf("session: identity user id: %w", err)
	}
	deviceID, err := uuid.Parse(identity.DeviceID())
	if err != nil {
		return nil, fmt.Errorf("session: identity device id: %w", err)
	}
	if err := store.SaveIdentity(identity); err != nil {
		return nil, err
	}
	return &Manager{
		identity: identity,
		userID:   userID,
		deviceID: deviceID,
		relay:    relay,
		store:    store,
		sessions: make(map[channelKey]*channelSession),
	}, nil
}

func (m *Manager) Identity() *groupcrypto.Identity { return m.identity }

func (m *Manager) session(guildID, channelID uuid.UUID) *channelSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := channelKey{guildID: guildID, channelID: channelID}
	cs, ok := m.sessions[key]
	if !ok {
		cs = &channelSession{}
		m.sessions[key] = cs
	}
	return cs
}

// PublishCredential signs a fresh key package for the guild and publishes it
// so other members can add this device to channels.
func (m *Manager) PublishCredential(ctx context.Context, guildID uuid.UUID) error {
	raw, err := m.identity.KeyPackageBytes()
	if err != nil {
		return err
	}
	_, err = m.relay.PublishKeyPackage(ctx, guildID, m.deviceID, base64.StdEncoding.EncodeToString(raw))
	return err
}

// Open makes the channel replica usable on this device. Resolution order:
// the local snapshot, then a pending welcome taken from the relay, then a
// brand-new group when firstMember is set. When none of those applies the
// manager files a bootstrap request and returns ErrGroupUninitialized.
func (m *Manager) Open(ctx context.Context, guildID, channelID uuid.UUID, firstMember bool) error {
	cs := m.session(guildID, channelID)

	cs.mu.Lock()
	if cs.group != nil {
		cs.mu.Unlock()
		return nil
	}
	snap, err := m.store.LoadChannel(m.identity.UserID(), m.identity.DeviceID(), guildID.String(), channelID.String())
	if err != nil {
		cs.mu.Unlock()
		return err
	}
	if snap != nil {
		group, err := groupcrypto.ImportGroupState(snap)
		if err != nil {
			cs.mu.Unlock()
			return err
		}
		cs.group = group
		cs.mu.Unlock()
		return nil
	}
	cs.mu.Unlock()

	// No local replica. Ask the relay for a welcome without holding the
	// session lock.
	welcome, err := m.relay.TakeWelcome(ctx, guildID, channelID, m.userID, &m.deviceID)
	switch {
	case err == nil:
		return m.joinFromWelcome(ctx, cs, guildID, channelID, welcome)
	case relayclient.IsNotFound(err):
		// fall through to creation or bootstrap
	default:
		return err
	}

	if firstMember {
		return m.createGroup(cs, guildID, channelID)
	}

	if _, berr := m.relay.RequestBootstrap(ctx, guildID, channelID, m.deviceID, ReasonMissingWelcome); berr != nil {
		return fmt.Errorf("%w (bootstrap request failed: %v)", ErrGroupUninitialized, berr)
	}
	return ErrGroupUninitialized
}

func (m *Manager) joinFromWelcome(ctx context.Context, cs *channelSession, guildID, channelID uuid.UUID, welcome *relayclient.Welcome) error {
	raw, err := base64.StdEncoding.DecodeString(welcome.WelcomeB64)
	if err != nil {
		return fmt.Errorf("session: welcome payload: %w", err)
	}
	group, err := groupcrypto.JoinFromWelcome(m.identity, raw)
	if err != nil {
		// The welcome is gone either way; ask for a fresh one.
		if _, berr := m.relay.RequestBootstrap(ctx, guildID, channelID, m.deviceID, ReasonRecoveryWelcome); berr != nil {
			return fmt.Errorf("session: join from welcome: %w (bootstrap request failed: %v)", err, berr)
		}
		return fmt.Errorf("session: join from welcome: %w", err)
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.group != nil {
		return nil
	}
	cs.group = group
	return m.persistLocked(cs, guildID, channelID)
}

func (m *Manager) createGroup(cs *channelSession, guildID, channelID uuid.UUID) error {
	group, err := groupcrypto.NewGroup(m.identity, guildID.String(), channelID.String())
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.group != nil {
		return nil
	}
	cs.group = group
	return m.persistLocked(cs, guildID, channelID)
}

// Send encrypts plaintext for the channel and returns the envelope for the
// message transport. The replica snapshot is persisted before returning so a
// crash cannot resurrect a spent chain position.
func (m *Manager) Send(ctx context.Context, guildID, channelID uuid.UUID, plaintext []byte) ([]byte, error) {
	cs := m.session(guildID, channelID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.group == nil {
		return nil, ErrGroupUninitialized
	}
	envelope, err := cs.group.EncryptApplication(plaintext)
	if err != nil {
		return nil, err
	}
	if err := m.persistLocked(cs, guildID, channelID); err != nil {
		return nil, err
	}
	return envelope, nil
}

// Receive processes one envelope from the message transport. For application
// messages it returns the plaintext. Commits are applied to the replica and
// reported with control=true and a nil plaintext.
func (m *Manager) Receive(ctx context.Context, guildID, channelID uuid.UUID, envelope []byte) (plaintext []byte, control bool, err error) {
	cs := m.session(guildID, channelID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.group == nil {
		return nil, false, ErrGroupUninitialized
	}
	plaintext, err = cs.group.DecryptApplication(envelope)
	if err != nil {
		if errors.Is(err, groupcrypto.ErrControlMessage) {
			if perr := m.persistLocked(cs, guildID, channelID); perr != nil {
				return nil, true, perr
			}
			return nil, true, nil
		}
		return nil, false, err
	}
	if perr := m.persistLocked(cs, guildID, channelID); perr != nil {
		return nil, false, perr
	}
	return plaintext, false, nil
}

// Invite adds another device to the channel. It fetches the target's key
// package, commits the roster change locally, deposits the welcome with the
// relay, and returns the commit envelope for fanout to current members.
func (m *Manager) Invite(ctx context.Context, guildID, channelID, targetUserID uuid.UUID, targetDeviceID *uuid.UUID) ([]byte, error) {
	kp, err := m.relay.FetchKeyPackage(ctx, guildID, targetUserID, targetDeviceID)
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(kp.PayloadB64)
	if err != nil {
		return nil, fmt.Errorf("session: key package payload: %w", err)
	}

	cs := m.session(guildID, channelID)
	cs.mu.Lock()
	if cs.group == nil {
		cs.mu.Unlock()
		return nil, ErrGroupUninitialized
	}
	commit, welcome, err := cs.group.AddMember(m.identity, raw)
	if err != nil {
		cs.mu.Unlock()
		return nil, err
	}
	if err := m.persistLocked(cs, guildID, channelID); err != nil {
		cs.mu.Unlock()
		return nil, err
	}
	cs.mu.Unlock()

	deviceID := kp.DeviceID
	err = m.relay.DepositWelcome(ctx, relayclient.DepositWelcomeRequest{
		GuildID:        guildID,
		ChannelID:      channelID,
		TargetUserID:   targetUserID,
		TargetDeviceID: &deviceID,
		WelcomeB64:     base64.StdEncoding.EncodeToString(welcome),
	})
	if err != nil {
		return nil, fmt.Errorf("session: deposit welcome: %w", err)
	}
	return commit, nil
}

// ExportSecret derives an application secret from the channel's current
// epoch, for callers that need keys outside the message path.
func (m *Manager) ExportSecret(guildID, channelID uuid.UUID, label string, n int) ([]byte, error) {
	cs := m.session(guildID, channelID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.group == nil {
		return nil, ErrGroupUninitialized
	}
	return cs.group.ExportSecret(label, n)
}

// persistLocked snapshots the session's replica into the local store. The
// caller must hold cs.mu.
func (m *Manager) persistLocked(cs *channelSession, guildID, channelID uuid.UUID) error {
	snap, err := cs.group.Export()
	if err != nil {
		return err
	}
	return m.store.SaveChannel(m.identity.UserID(), m.identity.DeviceID(), guildID.String(), channelID.String(), snap)
}
