package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"chorus/groupcrypto"
	"chorus/pkg/relayclient"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfoLink = "chorus-v1 link"

// LinkKey is the ephemeral key pair a new device generates before linking.
// Its public half travels out-of-band (for example inside a QR code) to the
// device that holds the state.
type LinkKey struct {
	private [32]byte
	public  [32]byte
}

func NewLinkKey() (*LinkKey, error) {
	k := &LinkKey{}
	if _, err := io.ReadFull(rand.Reader, k.private[:]); err != nil {
		return nil, err
	}
	k.private[0] &= 248
	k.private[31] &= 127
	k.private[31] |= 64
	curve25519.ScalarBaseMult(&k.public, &k.private)
	return k, nil
}

// Public returns the base64 public key to hand to the initiating device.
func (k *LinkKey) Public() string {
	return base64.StdEncoding.EncodeToString(k.public[:])
}

// stateBundle is the cleartext content of a link bundle: the device identity
// plus every channel replica it holds.
type stateBundle struct {
	Version  int                        `json:"v"`
	Identity *groupcrypto.IdentityState `json:"identity"`
	Channels []bundleChannel            `json:"channels"`
}

type bundleChannel struct {
	GuildID   string                          `json:"guild_id"`
	ChannelID string                          `json:"channel_id"`
	Snapshot  *groupcrypto.GroupStateSnapshot `json:"snapshot"`
}

// StartLink creates a link token with the relay, seals this device's full
// state to targetKey, and uploads the sealed bundle. The returned token
// carries the one-time secret; hand it to the new device out-of-band.
func (m *Manager) StartLink(ctx context.Context, targetKey string, ttl time.Duration) (*relayclient.LinkToken, error) {
	target, err := decodeLinkKey(targetKey)
	if err != nil {
		return nil, err
	}

	bundle, err := m.collectBundle()
	if err != nil {
		return nil, err
	}

	token, err := m.relay.StartLink(ctx, m.deviceID, targetKey, ttl)
	if err != nil {
		return nil, err
	}

	sealed, err := sealBundle(bundle, target, token.TokenID)
	if err != nil {
		return nil, err
	}
	if err := m.relay.UploadLinkBundle(ctx, token.TokenID, token.TokenSecret, sealed); err != nil {
		return nil, err
	}
	return token, nil
}

func (m *Manager) collectBundle() (*stateBundle, error) {
	state, err := m.identity.Export()
	if err != nil {
		return nil, err
	}
	recs, err := m.store.ListChannels(m.identity.UserID(), m.identity.DeviceID())
	if err != nil {
		return nil, err
	}
	bundle := &stateBundle{Version: groupcrypto.SchemaVersion, Identity: state}
	for _, rec := range recs {
		var snap groupcrypto.GroupStateSnapshot
		if err := json.Unmarshal([]byte(rec.Snapshot), &snap); err != nil {
			return nil, fmt.Errorf("session: corrupt channel record %s/%s: %w", rec.GuildID, rec.ChannelID, err)
		}
		bundle.Channels = append(bundle.Channels, bundleChannel{
			GuildID:   rec.GuildID,
			ChannelID: rec.ChannelID,
			Snapshot:  &snap,
		})
	}
	return bundle, nil
}

// CompleteLink runs on the new device. It claims the sealed bundle from the
// relay, unseals it with key, imports the state into store, and returns a
// manager ready to open channels.
func CompleteLink(ctx context.Context, relay Relay, store *LocalStore, key *LinkKey, tokenID uuid.UUID, tokenSecret string) (*Manager, error) {
	claimed, err := relay.ClaimLinkBundle(ctx, tokenID, tokenSecret)
	if err != nil {
		return nil, err
	}

	bundle, err := openBundle(claimed.BundleB64, key, tokenID)
	if err != nil {
		return nil, err
	}
	identity, err := groupcrypto.ImportIdentity(bundle.Identity)
	if err != nil {
		return nil, err
	}

	mgr, err := NewManager(identity, relay, store)
	if err != nil {
		return nil, err
	}
	for _, ch := range bundle.Channels {
		// Validate before persisting so a bad channel fails loudly here
		// instead of at Open time.
		if _, err := groupcrypto.ImportGroupState(ch.Snapshot); err != nil {
			return nil, fmt.Errorf("session: bundle channel %s/%s: %w", ch.GuildID, ch.ChannelID, err)
		}
		if err := store.SaveChannel(identity.UserID(), identity.DeviceID(), ch.GuildID, ch.ChannelID, ch.Snapshot); err != nil {
			return nil, err
		}
	}
	return mgr, nil
}

func sealBundle(bundle *stateBundle, target [32]byte, tokenID uuid.UUID) (string, error) {
	plaintext, err := json.Marshal(bundle)
	if err != nil {
		return "", err
	}

	var ephPriv, ephPub [32]byte
	if _, err := io.ReadFull(rand.Reader, ephPriv[:]); err != nil {
		return "", err
	}
	ephPriv[0] &= 248
	ephPriv[31] &= 127
	ephPriv[31] |= 64
	curve25519.ScalarBaseMult(&ephPub, &ephPriv)

	shared, err := curve25519.X25519(ephPriv[:], target[:])
	if err != nil {
		return "", fmt.Errorf("session: link key agreement: %w", err)
	}
	key, err := deriveLinkKey(shared)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, linkAD(tokenID))

	out := make([]byte, 0, len(ephPub)+len(nonce)+len(ciphertext))
	out = append(out, ephPub[:]...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return base64.StdEncoding.EncodeToString(out), nil
}

func openBundle(bundleB64 string, key *LinkKey, tokenID uuid.UUID) (*stateBundle, error) {
	raw, err := base64.StdEncoding.DecodeString(bundleB64)
	if err != nil {
		return nil, fmt.Errorf("session: link bundle: %w", err)
	}
	if len(raw) < 32+chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("session: link bundle truncated")
	}
	ephPub := raw[:32]
	nonce := raw[32 : 32+chacha20poly1305.NonceSize]
	ciphertext := raw[32+chacha20poly1305.NonceSize:]

	shared, err := curve25519.X25519(key.private[:], ephPub)
	if err != nil {
		return nil, fmt.Errorf("session: link key agreement: %w", err)
	}
	sealKey, err := deriveLinkKey(shared)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(sealKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, linkAD(tokenID))
	if err != nil {
		return nil, fmt.Errorf("session: link bundle does not open for this key")
	}

	var bundle stateBundle
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		return nil, fmt.Errorf("session: link bundle: %w", err)
	}
	if bundle.Version != groupcrypto.SchemaVersion || bundle.Identity == nil {
		return nil, fmt.Errorf("session: link bundle version %d is not supported", bundle.Version)
	}
	return &bundle, nil
}

func deriveLinkKey(shared []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, []byte(hkdfInfoLink)), key); err != nil {
		return nil, err
	}
	return key, nil
}

func linkAD(tokenID uuid.UUID) []byte {
	return []byte(hkdfInfoLink + " " + tokenID.String())
}

func decodeLinkKey(s string) ([32]byte, error) {
	var key [32]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return key, fmt.Errorf("session: target link key must be 32 base64 bytes")
	}
	copy(key[:], raw)
	return key, nil
}
