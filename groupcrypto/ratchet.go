package groupcrypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoSender   = "chorus-v1 sender"
	hkdfInfoAEAD     = "chorus-v1 aead"
	hkdfInfoExporter = "chorus-v1 exporter"

	maxSkippedMessageKeys = 64
	maxChainAdvance       = 512
)

// EncryptApplication derives the next message key on the local sender chain
// and returns the serialized envelope. It never emits plaintext: a failure at
// any stage returns an error and no output.
func (g *GroupState) EncryptApplication(plaintext []byte) ([]byte, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	chain := g.chain(g.selfLeaf)
	newCK, mk := kdfChain(chain.Key)
	generation := chain.Index
	chain.Key = newCK
	chain.Index++

	// Keep the key so the originating device can decrypt its own envelope
	// (local echo) exactly once.
	g.storeSkippedKey(g.Epoch, g.selfLeaf, generation, mk)

	msg := &ApplicationMessage{
		GuildID:    g.GuildID,
		ChannelID:  g.ChannelID,
		Epoch:      g.Epoch,
		SenderLeaf: g.selfLeaf,
		Generation: generation,
	}
	key, nonce, err := deriveCipherParams(mk)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	ciphertext := aead.Seal(nil, nonce[:], plaintext, msg.associatedData())
	msg.Ciphertext = base64.StdEncoding.EncodeToString(ciphertext)
	return marshalEnvelope(&Envelope{Type: envelopeApplication, Application: msg})
}

// DecryptApplication opens an inbound envelope. Application payloads are
// returned as plaintext. Commit envelopes are applied to the local state and
// surfaced as ErrControlMessage so the caller persists the state instead of
// rendering anything.
func (g *GroupState) DecryptApplication(data []byte) ([]byte, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	env, err := unmarshalEnvelope(data)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrDecryptionFailed, err)
	}
	switch env.Type {
	case envelopeCommit:
		if env.Commit == nil {
			return nil, fmt.Errorf("%w: empty commit envelope", ErrInvalidCommit)
		}
		if err := g.processCommit(env.Commit); err != nil {
			return nil, err
		}
		return nil, ErrControlMessage
	case envelopeApplication:
		if env.Application == nil {
			return nil, fmt.Errorf("%w: empty application envelope", ErrDecryptionFailed)
		}
		return g.openApplication(env.Application)
	default:
		return nil, fmt.Errorf("%w: unknown envelope type %q", ErrDecryptionFailed, env.Type)
	}
}

func (g *GroupState) openApplication(msg *ApplicationMessage) ([]byte, error) {
	if msg.GuildID != g.GuildID || msg.ChannelID != g.ChannelID {
		return nil, fmt.Errorf("%w: envelope addressed to another channel", ErrDecryptionFailed)
	}
	if msg.Epoch != g.Epoch {
		return nil, fmt.Errorf("%w: message epoch %d, local epoch %d", ErrDecryptionFailed, msg.Epoch, g.Epoch)
	}
	if int(msg.SenderLeaf) >= len(g.members) {
		return nil, fmt.Errorf("%w: sender leaf %d out of range", ErrDecryptionFailed, msg.SenderLeaf)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(msg.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext encoding", ErrDecryptionFailed)
	}

	// Derive the message key without touching stored state. Chain advances
	// and cache evictions are committed only after the AEAD accepts the
	// ciphertext, so a forged or corrupted envelope leaves the ratchet
	// exactly where it was.
	var mk [32]byte
	var commitState func()
	if cached, ok := g.peekSkipped(msg.Epoch, msg.SenderLeaf, msg.Generation); ok {
		mk = cached
		commitState = func() {
			delete(g.skipped, skippedKey(msg.Epoch, msg.SenderLeaf, msg.Generation))
		}
	} else {
		chain := g.chain(msg.SenderLeaf)
		if msg.Generation < chain.Index {
			return nil, fmt.Errorf("%w: replayed generation %d", ErrDecryptionFailed, msg.Generation)
		}
		if msg.Generation-chain.Index > maxChainAdvance {
			return nil, fmt.Errorf("%w: generation %d too far ahead of %d", ErrDecryptionFailed, msg.Generation, chain.Index)
		}
		ck := chain.Key
		index := chain.Index
		type pending struct {
			generation uint32
			key        [32]byte
		}
		var toSkip []pending
		for index < msg.Generation {
			newCK, skippedMK := kdfChain(ck)
			toSkip = append(toSkip, pending{generation: index, key: skippedMK})
			ck = newCK
			index++
		}
		newCK, derived := kdfChain(ck)
		mk = derived
		commitState = func() {
			for _, p := range toSkip {
				g.storeSkippedKey(msg.Epoch, msg.SenderLeaf, p.generation, p.key)
			}
			chain.Key = newCK
			chain.Index = index + 1
		}
	}

	key, nonce, err := deriveCipherParams(mk)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, msg.associatedData())
	if err != nil {
		return nil, fmt.Errorf("%w: aead open failed", ErrDecryptionFailed)
	}
	commitState()
	return plaintext, nil
}

// ExportSecret derives a labeled secret bound to the current epoch, usable for
// media-plane keys without exposing the epoch secret itself.
func (g *GroupState) ExportSecret(label string, n int) ([]byte, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, fmt.Errorf("groupcrypto: export length must be positive, got %d", n)
	}
	hk := hkdf.New(sha256.New, g.epochSecret[:], nil, framePayload([]byte(hkdfInfoExporter), []byte(label)))
	out := make([]byte, n)
	if _, err := io.ReadFull(hk, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *GroupState) ready() error {
	if g == nil || len(g.members) == 0 {
		return ErrGroupNotReady
	}
	return nil
}

func (g *GroupState) chain(leaf uint32) *chainState {
	if g.chains == nil {
		g.chains = make(map[uint32]*chainState)
	}
	if c, ok := g.chains[leaf]; ok {
		return c
	}
	c := &chainState{Key: g.senderRoot(leaf)}
	g.chains[leaf] = c
	return c
}

func (g *GroupState) senderRoot(leaf uint32) [32]byte {
	var leafBytes [4]byte
	binary.BigEndian.PutUint32(leafBytes[:], leaf)
	hk := hkdf.New(sha256.New, g.epochSecret[:], nil, framePayload([]byte(hkdfInfoSender), leafBytes[:]))
	var root [32]byte
	if _, err := io.ReadFull(hk, root[:]); err != nil {
		return [32]byte{}
	}
	return root
}

func (g *GroupState) resetChains() {
	g.chains = make(map[uint32]*chainState)
	g.skipped = make(map[string][32]byte)
}

func kdfChain(chain [32]byte) ([32]byte, [32]byte) {
	ck := hmacSHA256(chain[:], []byte{0x01})
	mk := hmacSHA256(chain[:], []byte{0x02})
	var next, msg [32]byte
	copy(next[:], ck)
	copy(msg[:], mk)
	return next, msg
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func deriveCipherParams(mk [32]byte) ([32]byte, [12]byte, error) {
	hk := hkdf.New(sha256.New, mk[:], nil, []byte(hkdfInfoAEAD))
	var key [32]byte
	var nonce [12]byte
	if _, err := io.ReadFull(hk, key[:]); err != nil {
		return [32]byte{}, [12]byte{}, err
	}
	if _, err := io.ReadFull(hk, nonce[:]); err != nil {
		return [32]byte{}, [12]byte{}, err
	}
	return key, nonce, nil
}

func (m *ApplicationMessage) associatedData() []byte {
	var epoch [8]byte
	binary.BigEndian.PutUint64(epoch[:], m.Epoch)
	var counters [8]byte
	binary.BigEndian.PutUint32(counters[:4], m.SenderLeaf)
	binary.BigEndian.PutUint32(counters[4:], m.Generation)
	return framePayload([]byte("chorus-v1 app"), []byte(m.GuildID), []byte(m.ChannelID), epoch[:], counters[:])
}

func (g *GroupState) storeSkippedKey(epoch uint64, leaf, generation uint32, key [32]byte) {
	if g.skipped == nil {
		g.skipped = make(map[string][32]byte)
	}
	if len(g.skipped) >= maxSkippedMessageKeys {
		for k := range g.skipped {
			delete(g.skipped, k)
			break
		}
	}
	g.skipped[skippedKey(epoch, leaf, generation)] = key
}

func (g *GroupState) peekSkipped(epoch uint64, leaf, generation uint32) ([32]byte, bool) {
	if g.skipped == nil {
		return [32]byte{}, false
	}
	val, ok := g.skipped[skippedKey(epoch, leaf, generation)]
	return val, ok
}

func skippedKey(epoch uint64, leaf, generation uint32) string {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf, epoch)
	binary.BigEndian.PutUint32(buf[8:], leaf)
	binary.BigEndian.PutUint32(buf[12:], generation)
	return string(buf)
}
