package groupcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"
)

var (
	randMu        sync.RWMutex
	randomnessSrc io.Reader = randReader{}
)

// randReader wraps crypto/rand.Reader but keeps the type unexported so tests
// can substitute deterministic sources.
type randReader struct{}

func (randReader) Read(p []byte) (int, error) {
	return rand.Read(p)
}

// UseDeterministicRandom swaps the randomness source for deterministic testing
// and returns a restore function that must be called when the test completes.
func UseDeterministicRandom(r io.Reader) func() {
	randMu.Lock()
	prev := randomnessSrc
	randomnessSrc = r
	randMu.Unlock()
	return func() {
		randMu.Lock()
		randomnessSrc = prev
		randMu.Unlock()
	}
}

func readRandom(b []byte) error {
	randMu.RLock()
	src := randomnessSrc
	randMu.RUnlock()
	_, err := io.ReadFull(src, b)
	return err
}

// NewIdentity creates a device identity: an Ed25519 signing key pair plus the
// X25519 init key pair welcomes are sealed to.
func NewIdentity(userID, deviceID string) (*Identity, error) {
	if userID == "" || deviceID == "" {
		return nil, errors.New("groupcrypto: empty user or device id")
	}
	seed := make([]byte, ed25519.SeedSize)
	if err := readRandom(seed); err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	initKP, err := generateX25519KeyPair()
	if err != nil {
		return nil, err
	}

	return &Identity{
		userID:         userID,
		deviceID:       deviceID,
		signingPublic:  append(ed25519.PublicKey(nil), pub...),
		signingPrivate: append(ed25519.PrivateKey(nil), priv...),
		initKey:        initKP,
	}, nil
}

// UserID returns the identity's user id.
func (id *Identity) UserID() string { return id.userID }

// DeviceID returns the identity's device id.
func (id *Identity) DeviceID() string { return id.deviceID }

// SigningPublic returns the device's long-term public signing key.
func (id *Identity) SigningPublic() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), id.signingPublic...)
}

// RotateInitKey replaces the init key pair. Any key package published before
// the rotation stops yielding decryptable welcomes.
func (id *Identity) RotateInitKey() error {
	kp, err := generateX25519KeyPair()
	if err != nil {
		return err
	}
	id.initKey = kp
	return nil
}

// KeyPackage builds a signed, publishable key package for the identity.
func (id *Identity) KeyPackage() (*KeyPackage, error) {
	if id == nil {
		return nil, errors.New("groupcrypto: nil identity")
	}
	kp := &KeyPackage{
		Version:    SchemaVersion,
		UserID:     id.userID,
		DeviceID:   id.deviceID,
		SigningKey: base64.StdEncoding.EncodeToString(id.signingPublic),
		InitKey:    base64.StdEncoding.EncodeToString(id.initKey.Public[:]),
		CreatedAt:  time.Now().UTC(),
	}
	sig := ed25519.Sign(id.signingPrivate, kp.signingPayload())
	kp.Signature = base64.StdEncoding.EncodeToString(sig)
	return kp, nil
}

// KeyPackageBytes returns the JSON encoding of a fresh key package.
func (id *Identity) KeyPackageBytes() ([]byte, error) {
	kp, err := id.KeyPackage()
	if err != nil {
		return nil, err
	}
	return marshalKeyPackage(kp)
}

// ParseKeyPackage decodes and verifies a key package. The signature must
// check out against the embedded signing key.
func ParseKeyPackage(data []byte) (*KeyPackage, error) {
	kp, err := unmarshalKeyPackage(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyPackage, err)
	}
	if kp.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidKeyPackage, kp.Version)
	}
	signingKey, err := base64.StdEncoding.DecodeString(kp.SigningKey)
	if err != nil || len(signingKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: bad signing key", ErrInvalidKeyPackage)
	}
	if _, err := decodeFixed(kp.InitKey, 32); err != nil {
		return nil, fmt.Errorf("%w: bad init key", ErrInvalidKeyPackage)
	}
	sig, err := base64.StdEncoding.DecodeString(kp.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: bad signature encoding", ErrInvalidKeyPackage)
	}
	if !ed25519.Verify(ed25519.PublicKey(signingKey), kp.signingPayload(), sig) {
		return nil, fmt.Errorf("%w: signature verification failed", ErrInvalidKeyPackage)
	}
	return kp, nil
}

func (kp *KeyPackage) signingPayload() []byte {
	return framePayload(
		[]byte("chorus-v1 key package"),
		[]byte(kp.UserID),
		[]byte(kp.DeviceID),
		[]byte(kp.SigningKey),
		[]byte(kp.InitKey),
	)
}

func (kp *KeyPackage) member() (Member, error) {
	signingKey, err := base64.StdEncoding.DecodeString(kp.SigningKey)
	if err != nil {
		return Member{}, fmt.Errorf("%w: bad signing key", ErrInvalidKeyPackage)
	}
	initKey, err := decodeFixed(kp.InitKey, 32)
	if err != nil {
		return Member{}, fmt.Errorf("%w: bad init key", ErrInvalidKeyPackage)
	}
	m := Member{
		UserID:     kp.UserID,
		DeviceID:   kp.DeviceID,
		SigningKey: ed25519.PublicKey(signingKey),
	}
	copy(m.InitKey[:], initKey)
	return m, nil
}

// framePayload joins parts with 4-byte big-endian length prefixes so no two
// distinct part sequences produce the same bytes.
func framePayload(parts ...[]byte) []byte {
	size := 0
	for _, p := range parts {
		size += 4 + len(p)
	}
	buf := make([]byte, 0, size)
	var l [4]byte
	for _, p := range parts {
		binary.BigEndian.PutUint32(l[:], uint32(len(p)))
		buf = append(buf, l[:]...)
		buf = append(buf, p...)
	}
	return buf
}

func generateX25519KeyPair() (keyPair, error) {
	var priv [32]byte
	if err := readRandom(priv[:]); err != nil {
		return keyPair{}, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return keyPair{}, err
	}
	var kp keyPair
	kp.Private = priv
	copy(kp.Public[:], pub)
	return kp, nil
}

var _ io.Reader = randReader{}
