package groupcrypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoEpoch   = "chorus-v1 epoch"
	hkdfInfoCommit  = "chorus-v1 commit"
	hkdfInfoWelcome = "chorus-v1 welcome"
)

// NewGroup creates epoch-0 state for a channel with the local identity as the
// only member at leaf 0. Only the first member of a channel calls this; every
// later device joins from a welcome instead.
func NewGroup(id *Identity, guildID, channelID string) (*GroupState, error) {
	if id == nil {
		return nil, fmt.Errorf("groupcrypto: nil identity")
	}
	if guildID == "" || channelID == "" {
		return nil, fmt.Errorf("groupcrypto: guild and channel ids are required")
	}
	var secret [32]byte
	if err := readRandom(secret[:]); err != nil {
		return nil, err
	}
	self := Member{
		UserID:     id.userID,
		DeviceID:   id.deviceID,
		SigningKey: append(ed25519.PublicKey(nil), id.signingPublic...),
		InitKey:    id.initKey.Public,
	}
	g := &GroupState{
		GuildID:     guildID,
		ChannelID:   channelID,
		Epoch:       0,
		epochSecret: secret,
		members:     []Member{self},
		selfLeaf:    0,
	}
	g.resetChains()
	return g, nil
}

// Members returns a copy of the current roster in leaf order.
func (g *GroupState) Members() []Member {
	out := make([]Member, len(g.members))
	copy(out, g.members)
	return out
}

func (g *GroupState) SelfLeaf() uint32 { return g.selfLeaf }

// ContainsMember reports whether a device is already on the roster.
func (g *GroupState) ContainsMember(userID, deviceID string) bool {
	if g == nil {
		return false
	}
	for _, m := range g.members {
		if m.UserID == userID && m.DeviceID == deviceID {
			return true
		}
	}
	return false
}

// AddMember admits the device described by keyPackageBytes. It returns the
// commit envelope to fan out on the message channel and the welcome to deposit
// for the joiner. The commit is applied to the local state before returning,
// so the caller is already in the new epoch on success.
func (g *GroupState) AddMember(id *Identity, keyPackageBytes []byte) (commitBytes, welcomeBytes []byte, err error) {
	if err := g.ready(); err != nil {
		return nil, nil, err
	}
	kp, err := ParseKeyPackage(keyPackageBytes)
	if err != nil {
		return nil, nil, err
	}
	if g.ContainsMember(kp.UserID, kp.DeviceID) {
		return nil, nil, fmt.Errorf("%w: %s/%s", ErrDuplicateMember, kp.UserID, kp.DeviceID)
	}
	newMember, err := kp.member()
	if err != nil {
		return nil, nil, err
	}

	var commitSecret [32]byte
	if err := readRandom(commitSecret[:]); err != nil {
		return nil, nil, err
	}
	sealed, err := g.sealCommitSecret(commitSecret, g.Epoch+1)
	if err != nil {
		return nil, nil, err
	}
	added := newMember.description()
	commit := &Commit{
		GuildID:      g.GuildID,
		ChannelID:    g.ChannelID,
		Epoch:        g.Epoch + 1,
		SenderLeaf:   g.selfLeaf,
		Added:        &added,
		SealedSecret: sealed,
	}
	sig := ed25519.Sign(id.signingPrivate, commit.signingPayload())
	commit.Signature = base64.StdEncoding.EncodeToString(sig)

	if err := g.applyCommit(commit, commitSecret); err != nil {
		return nil, nil, err
	}

	welcome, err := g.buildWelcome(id, newMember, uint32(len(g.members)-1))
	if err != nil {
		return nil, nil, err
	}
	commitBytes, err = marshalEnvelope(&Envelope{Type: envelopeCommit, Commit: commit})
	if err != nil {
		return nil, nil, err
	}
	welcomeBytes, err = marshalWelcome(welcome)
	if err != nil {
		return nil, nil, err
	}
	return commitBytes, welcomeBytes, nil
}

// processCommit verifies and applies a commit received from another member.
func (g *GroupState) processCommit(c *Commit) error {
	if c.GuildID != g.GuildID || c.ChannelID != g.ChannelID {
		return fmt.Errorf("%w: commit addressed to another channel", ErrInvalidCommit)
	}
	if c.Epoch <= g.Epoch {
		return fmt.Errorf("%w: commit for epoch %d, local epoch %d", ErrStaleGroupState, c.Epoch, g.Epoch)
	}
	if c.Epoch != g.Epoch+1 {
		return fmt.Errorf("%w: commit skips to epoch %d from %d", ErrStaleGroupState, c.Epoch, g.Epoch)
	}
	if int(c.SenderLeaf) >= len(g.members) {
		return fmt.Errorf("%w: sender leaf %d out of range", ErrInvalidCommit, c.SenderLeaf)
	}
	senderKey := g.members[c.SenderLeaf].SigningKey
	sig, err := base64.StdEncoding.DecodeString(c.Signature)
	if err != nil || !ed25519.Verify(senderKey, c.signingPayload(), sig) {
		return fmt.Errorf("%w: signature verification failed", ErrInvalidCommit)
	}
	commitSecret, err := g.openCommitSecret(c.SealedSecret, c.Epoch)
	if err != nil {
		return err
	}
	return g.applyCommit(c, commitSecret)
}

// applyCommit mutates the roster and advances the key schedule. Signature and
// epoch discipline are the caller's responsibility.
func (g *GroupState) applyCommit(c *Commit, commitSecret [32]byte) error {
	if c.Added != nil {
		if g.ContainsMember(c.Added.UserID, c.Added.DeviceID) {
			return fmt.Errorf("%w: %s/%s", ErrDuplicateMember, c.Added.UserID, c.Added.DeviceID)
		}
		m, err := c.Added.member()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCommit, err)
		}
		g.members = append(g.members, m)
	}
	next, err := kdfEpoch(g.epochSecret, commitSecret)
	if err != nil {
		return err
	}
	g.epochSecret = next
	g.Epoch = c.Epoch
	g.resetChains()
	return nil
}

func kdfEpoch(old, commitSecret [32]byte) ([32]byte, error) {
	hk := hkdf.New(sha256.New, commitSecret[:], old[:], []byte(hkdfInfoEpoch))
	var next [32]byte
	if _, err := io.ReadFull(hk, next[:]); err != nil {
		return [32]byte{}, err
	}
	return next, nil
}

func (g *GroupState) sealCommitSecret(secret [32]byte, newEpoch uint64) (string, error) {
	key, err := deriveSealKey(g.epochSecret[:], hkdfInfoCommit)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if err := readRandom(nonce); err != nil {
		return "", err
	}
	ad := commitSealAD(g.GuildID, g.ChannelID, newEpoch)
	sealed := aead.Seal(nonce, nonce, secret[:], ad)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (g *GroupState) openCommitSecret(sealed string, newEpoch uint64) ([32]byte, error) {
	var secret [32]byte
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) <= chacha20poly1305.NonceSize {
		return secret, fmt.Errorf("%w: malformed sealed secret", ErrInvalidCommit)
	}
	key, err := deriveSealKey(g.epochSecret[:], hkdfInfoCommit)
	if err != nil {
		return secret, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return secret, err
	}
	nonce, ciphertext := raw[:chacha20poly1305.NonceSize], raw[chacha20poly1305.NonceSize:]
	plain, err := aead.Open(nil, nonce, ciphertext, commitSealAD(g.GuildID, g.ChannelID, newEpoch))
	if err != nil {
		return secret, fmt.Errorf("%w: cannot open sealed secret", ErrInvalidCommit)
	}
	if len(plain) != 32 {
		return secret, fmt.Errorf("%w: sealed secret has wrong length", ErrInvalidCommit)
	}
	copy(secret[:], plain)
	return secret, nil
}

func commitSealAD(guildID, channelID string, epoch uint64) []byte {
	var epochBytes [8]byte
	binary.BigEndian.PutUint64(epochBytes[:], epoch)
	return framePayload([]byte("chorus-v1 commit seal"), []byte(guildID), []byte(channelID), epochBytes[:])
}

func deriveSealKey(secret []byte, info string) ([32]byte, error) {
	hk := hkdf.New(sha256.New, secret, nil, []byte(info))
	var key [32]byte
	if _, err := io.ReadFull(hk, key[:]); err != nil {
		return [32]byte{}, err
	}
	return key, nil
}

// buildWelcome seals the post-commit group info to the joiner's init key.
func (g *GroupState) buildWelcome(id *Identity, joiner Member, joinerLeaf uint32) (*Welcome, error) {
	descs := make([]MemberDescription, len(g.members))
	for i, m := range g.members {
		descs[i] = m.description()
	}
	info := groupInfo{
		EpochSecret: base64.StdEncoding.EncodeToString(g.epochSecret[:]),
		Members:     descs,
		JoinerLeaf:  joinerLeaf,
	}
	plaintext, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}

	eph, err := generateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(eph.Private[:], joiner.InitKey[:])
	if err != nil {
		return nil, err
	}
	key, err := deriveSealKey(shared, hkdfInfoWelcome)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if err := readRandom(nonce); err != nil {
		return nil, err
	}
	w := &Welcome{
		GuildID:          g.GuildID,
		ChannelID:        g.ChannelID,
		Epoch:            g.Epoch,
		TargetUserID:     joiner.UserID,
		TargetDeviceID:   joiner.DeviceID,
		EphemeralKey:     base64.StdEncoding.EncodeToString(eph.Public[:]),
		SenderSigningKey: base64.StdEncoding.EncodeToString(id.signingPublic),
	}
	sealed := aead.Seal(nonce, nonce, plaintext, w.sealAD())
	w.Sealed = base64.StdEncoding.EncodeToString(sealed)
	sig := ed25519.Sign(id.signingPrivate, w.signingPayload())
	w.Signature = base64.StdEncoding.EncodeToString(sig)
	return w, nil
}

// JoinFromWelcome builds group state for the local device from a welcome
// sealed to its init key. The roster entry at the joiner leaf must match the
// local identity exactly, otherwise the welcome is rejected.
func JoinFromWelcome(id *Identity, welcomeBytes []byte) (*GroupState, error) {
	if id == nil {
		return nil, fmt.Errorf("groupcrypto: nil identity")
	}
	w, err := ParseWelcome(welcomeBytes)
	if err != nil {
		return nil, err
	}
	if w.TargetUserID != id.userID || w.TargetDeviceID != id.deviceID {
		return nil, fmt.Errorf("%w: welcome addressed to %s/%s", ErrInvalidWelcome, w.TargetUserID, w.TargetDeviceID)
	}
	senderKey, err := decodeFixed(w.SenderSigningKey, ed25519.PublicKeySize)
	if err != nil {
		return nil, fmt.Errorf("%w: bad sender signing key", ErrInvalidWelcome)
	}
	sig, err := base64.StdEncoding.DecodeString(w.Signature)
	if err != nil || !ed25519.Verify(ed25519.PublicKey(senderKey), w.signingPayload(), sig) {
		return nil, fmt.Errorf("%w: signature verification failed", ErrInvalidWelcome)
	}

	ephPub, err := decodeFixed(w.EphemeralKey, curve25519.PointSize)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ephemeral key", ErrInvalidWelcome)
	}
	shared, err := curve25519.X25519(id.initKey.Private[:], ephPub)
	if err != nil {
		return nil, fmt.Errorf("%w: ecdh failed", ErrInvalidWelcome)
	}
	key, err := deriveSealKey(shared, hkdfInfoWelcome)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(w.Sealed)
	if err != nil || len(raw) <= chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("%w: malformed sealed payload", ErrInvalidWelcome)
	}
	nonce, ciphertext := raw[:chacha20poly1305.NonceSize], raw[chacha20poly1305.NonceSize:]
	plain, err := aead.Open(nil, nonce, ciphertext, w.sealAD())
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open sealed payload", ErrInvalidWelcome)
	}

	var info groupInfo
	if err := json.Unmarshal(plain, &info); err != nil {
		return nil, fmt.Errorf("%w: malformed group info", ErrInvalidWelcome)
	}
	if int(info.JoinerLeaf) >= len(info.Members) {
		return nil, fmt.Errorf("%w: joiner leaf %d out of range", ErrInvalidWelcome, info.JoinerLeaf)
	}
	self := info.Members[info.JoinerLeaf]
	selfSigning := base64.StdEncoding.EncodeToString(id.signingPublic)
	selfInit := base64.StdEncoding.EncodeToString(id.initKey.Public[:])
	if self.UserID != id.userID || self.DeviceID != id.deviceID ||
		self.SigningKey != selfSigning || self.InitKey != selfInit {
		return nil, fmt.Errorf("%w: roster entry does not match local credential", ErrInvalidWelcome)
	}
	// The sender's signing key must appear on the roster it claims to welcome
	// us into.
	senderOnRoster := false
	for _, m := range info.Members {
		if m.SigningKey == w.SenderSigningKey {
			senderOnRoster = true
			break
		}
	}
	if !senderOnRoster {
		return nil, fmt.Errorf("%w: sender is not on the roster", ErrInvalidWelcome)
	}

	secretBytes, err := decodeFixed(info.EpochSecret, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: bad epoch secret", ErrInvalidWelcome)
	}
	g := &GroupState{
		GuildID:   w.GuildID,
		ChannelID: w.ChannelID,
		Epoch:     w.Epoch,
		selfLeaf:  info.JoinerLeaf,
	}
	copy(g.epochSecret[:], secretBytes)
	g.members = make([]Member, len(info.Members))
	for i, desc := range info.Members {
		m, err := desc.member()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidWelcome, err)
		}
		g.members[i] = m
	}
	g.resetChains()
	return g, nil
}

func (m Member) description() MemberDescription {
	return MemberDescription{
		UserID:     m.UserID,
		DeviceID:   m.DeviceID,
		SigningKey: base64.StdEncoding.EncodeToString(m.SigningKey),
		InitKey:    base64.StdEncoding.EncodeToString(m.InitKey[:]),
	}
}

func (d *MemberDescription) member() (Member, error) {
	signingKey, err := decodeFixed(d.SigningKey, ed25519.PublicKeySize)
	if err != nil {
		return Member{}, fmt.Errorf("bad signing key for %s/%s", d.UserID, d.DeviceID)
	}
	initKey, err := decodeFixed(d.InitKey, 32)
	if err != nil {
		return Member{}, fmt.Errorf("bad init key for %s/%s", d.UserID, d.DeviceID)
	}
	m := Member{
		UserID:     d.UserID,
		DeviceID:   d.DeviceID,
		SigningKey: ed25519.PublicKey(signingKey),
	}
	copy(m.InitKey[:], initKey)
	return m, nil
}

func (c *Commit) signingPayload() []byte {
	var epochBytes [8]byte
	binary.BigEndian.PutUint64(epochBytes[:], c.Epoch)
	var leafBytes [4]byte
	binary.BigEndian.PutUint32(leafBytes[:], c.SenderLeaf)
	var added []byte
	if c.Added != nil {
		added = framePayload(
			[]byte(c.Added.UserID), []byte(c.Added.DeviceID),
			[]byte(c.Added.SigningKey), []byte(c.Added.InitKey),
		)
	}
	return framePayload(
		[]byte("chorus-v1 commit"),
		[]byte(c.GuildID), []byte(c.ChannelID),
		epochBytes[:], leafBytes[:],
		added, mustDecodeBase64(c.SealedSecret),
	)
}

func (w *Welcome) signingPayload() []byte {
	var epochBytes [8]byte
	binary.BigEndian.PutUint64(epochBytes[:], w.Epoch)
	return framePayload(
		[]byte("chorus-v1 welcome"),
		[]byte(w.GuildID), []byte(w.ChannelID),
		epochBytes[:],
		[]byte(w.TargetUserID), []byte(w.TargetDeviceID),
		mustDecodeBase64(w.EphemeralKey), mustDecodeBase64(w.Sealed),
	)
}

func (w *Welcome) sealAD() []byte {
	var epochBytes [8]byte
	binary.BigEndian.PutUint64(epochBytes[:], w.Epoch)
	return framePayload(
		[]byte("chorus-v1 welcome seal"),
		[]byte(w.GuildID), []byte(w.ChannelID),
		epochBytes[:],
		[]byte(w.TargetUserID), []byte(w.TargetDeviceID),
	)
}

// mustDecodeBase64 is used inside signing payloads where the string was
// produced locally or already validated; undecodable input signs as empty.
func mustDecodeBase64(s string) []byte {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return raw
}
