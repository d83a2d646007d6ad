package groupcrypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
)

// IdentityState is the serializable form of a device identity. It contains
// private key material and must only be written to the device's local store.
type IdentityState struct {
	Version        int    `json:"v"`
	UserID         string `json:"userId"`
	DeviceID       string `json:"deviceId"`
	SigningPrivate string `json:"signingPrivate"`
	SigningPublic  string `json:"signingPublic"`
	InitPrivate    string `json:"initPrivate"`
	InitPublic     string `json:"initPublic"`
}

// GroupStateSnapshot is the serializable replica of one channel's group state.
type GroupStateSnapshot struct {
	Version     int                      `json:"v"`
	GuildID     string                   `json:"guildId"`
	ChannelID   string                   `json:"channelId"`
	Epoch       uint64                   `json:"epoch"`
	EpochSecret string                   `json:"epochSecret"`
	Members     []MemberDescription      `json:"members"`
	SelfLeaf    uint32                   `json:"selfLeaf"`
	Chains      map[uint32]ChainSnapshot `json:"chains,omitempty"`
	Skipped     map[string]string        `json:"skipped,omitempty"`
}

type ChainSnapshot struct {
	Key   string `json:"key"`
	Index uint32 `json:"index"`
}

func (id *Identity) Export() (*IdentityState, error) {
	if id == nil {
		return nil, errors.New("groupcrypto: nil identity")
	}
	return &IdentityState{
		Version:        SchemaVersion,
		UserID:         id.userID,
		DeviceID:       id.deviceID,
		SigningPrivate: base64.StdEncoding.EncodeToString(id.signingPrivate),
		SigningPublic:  base64.StdEncoding.EncodeToString(id.signingPublic),
		InitPrivate:    base64.StdEncoding.EncodeToString(id.initKey.Private[:]),
		InitPublic:     base64.StdEncoding.EncodeToString(id.initKey.Public[:]),
	}, nil
}

func ImportIdentity(state *IdentityState) (*Identity, error) {
	if state == nil {
		return nil, errors.New("groupcrypto: nil identity state")
	}
	if state.Version != SchemaVersion {
		return nil, fmt.Errorf("groupcrypto: unsupported identity schema %d", state.Version)
	}
	signingPriv, err := decodeFixed(state.SigningPrivate, ed25519.PrivateKeySize)
	if err != nil {
		return nil, fmt.Errorf("groupcrypto: decode signing private: %w", err)
	}
	signingPub, err := decodeFixed(state.SigningPublic, ed25519.PublicKeySize)
	if err != nil {
		return nil, fmt.Errorf("groupcrypto: decode signing public: %w", err)
	}
	initPriv, err := decodeFixed(state.InitPrivate, 32)
	if err != nil {
		return nil, fmt.Errorf("groupcrypto: decode init private: %w", err)
	}
	initPub, err := decodeFixed(state.InitPublic, 32)
	if err != nil {
		return nil, fmt.Errorf("groupcrypto: decode init public: %w", err)
	}
	id := &Identity{
		userID:         state.UserID,
		deviceID:       state.DeviceID,
		signingPublic:  append(ed25519.PublicKey(nil), signingPub...),
		signingPrivate: append(ed25519.PrivateKey(nil), signingPriv...),
	}
	copy(id.initKey.Private[:], initPriv)
	copy(id.initKey.Public[:], initPub)
	return id, nil
}

func (g *GroupState) Export() (*GroupStateSnapshot, error) {
	if g == nil {
		return nil, errors.New("groupcrypto: nil group state")
	}
	snap := &GroupStateSnapshot{
		Version:     SchemaVersion,
		GuildID:     g.GuildID,
		ChannelID:   g.ChannelID,
		Epoch:       g.Epoch,
		EpochSecret: base64.StdEncoding.EncodeToString(g.epochSecret[:]),
		Members:     make([]MemberDescription, len(g.members)),
		SelfLeaf:    g.selfLeaf,
		Chains:      make(map[uint32]ChainSnapshot, len(g.chains)),
		Skipped:     make(map[string]string, len(g.skipped)),
	}
	for i, m := range g.members {
		snap.Members[i] = m.description()
	}
	for leaf, cs := range g.chains {
		snap.Chains[leaf] = ChainSnapshot{
			Key:   base64.StdEncoding.EncodeToString(cs.Key[:]),
			Index: cs.Index,
		}
	}
	// Skipped cache keys are raw binary; encode them so the snapshot stays
	// valid JSON.
	for k, v := range g.skipped {
		snap.Skipped[base64.StdEncoding.EncodeToString([]byte(k))] = base64.StdEncoding.EncodeToString(v[:])
	}
	if len(snap.Chains) == 0 {
		snap.Chains = nil
	}
	if len(snap.Skipped) == 0 {
		snap.Skipped = nil
	}
	return snap, nil
}

func ImportGroupState(snapshot *GroupStateSnapshot) (*GroupState, error) {
	if snapshot == nil {
		return nil, errors.New("groupcrypto: nil group snapshot")
	}
	if snapshot.Version != SchemaVersion {
		return nil, fmt.Errorf("groupcrypto: unsupported group schema %d", snapshot.Version)
	}
	secret, err := decodeFixed(snapshot.EpochSecret, 32)
	if err != nil {
		return nil, fmt.Errorf("groupcrypto: decode epoch secret: %w", err)
	}
	if len(snapshot.Members) == 0 {
		return nil, errors.New("groupcrypto: snapshot has empty roster")
	}
	if int(snapshot.SelfLeaf) >= len(snapshot.Members) {
		return nil, fmt.Errorf("groupcrypto: self leaf %d out of range", snapshot.SelfLeaf)
	}
	g := &GroupState{
		GuildID:   snapshot.GuildID,
		ChannelID: snapshot.ChannelID,
		Epoch:     snapshot.Epoch,
		selfLeaf:  snapshot.SelfLeaf,
		chains:    make(map[uint32]*chainState, len(snapshot.Chains)),
		skipped:   make(map[string][32]byte, len(snapshot.Skipped)),
	}
	copy(g.epochSecret[:], secret)
	g.members = make([]Member, len(snapshot.Members))
	for i, desc := range snapshot.Members {
		m, err := desc.member()
		if err != nil {
			return nil, fmt.Errorf("groupcrypto: decode member %d: %w", i, err)
		}
		g.members[i] = m
	}
	for leaf, cs := range snapshot.Chains {
		keyBytes, err := decodeFixed(cs.Key, 32)
		if err != nil {
			return nil, fmt.Errorf("groupcrypto: decode chain key: %w", err)
		}
		entry := &chainState{Index: cs.Index}
		copy(entry.Key[:], keyBytes)
		g.chains[leaf] = entry
	}
	for k, v := range snapshot.Skipped {
		rawKey, err := base64.StdEncoding.DecodeString(k)
		if err != nil {
			return nil, fmt.Errorf("groupcrypto: decode skipped cache key: %w", err)
		}
		keyBytes, err := decodeFixed(v, 32)
		if err != nil {
			return nil, fmt.Errorf("groupcrypto: decode skipped message key: %w", err)
		}
		var mk [32]byte
		copy(mk[:], keyBytes)
		g.skipped[string(rawKey)] = mk
	}
	return g, nil
}

func decodeFixed(s string, n int) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != n {
		return nil, fmt.Errorf("expected %d bytes, got %d", n, len(raw))
	}
	return raw, nil
}
