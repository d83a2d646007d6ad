package groupcrypto

import (
	"crypto/ed25519"
	"time"
)

// SchemaVersion gates the serialized state format. Bump it whenever the
// snapshot layout changes so stored replicas can be migrated instead of
// silently misread.
const SchemaVersion = 1

type Identity struct {
	userID         string
	deviceID       string
	signingPublic  ed25519.PublicKey
	signingPrivate ed25519.PrivateKey
	initKey        keyPair
}

type keyPair struct {
	Private [32]byte
	Public  [32]byte
}

// KeyPackage is a device's published, consumable proof of joinability. It is
// signed by the device's long-term Ed25519 key and carries the X25519 init
// key a welcome will be sealed to.
type KeyPackage struct {
	Version    int       `json:"v"`
	UserID     string    `json:"userId"`
	DeviceID   string    `json:"deviceId"`
	SigningKey string    `json:"signingKey"`
	InitKey    string    `json:"initKey"`
	CreatedAt  time.Time `json:"createdAt"`
	Signature  string    `json:"signature"`
}

// Member is one leaf of the group's membership roster. Leaf order is fixed at
// add time and identical on every replica at a given epoch.
type Member struct {
	UserID     string
	DeviceID   string
	SigningKey ed25519.PublicKey
	InitKey    [32]byte
}

type chainState struct {
	Key   [32]byte
	Index uint32
}

// GroupState is one device's replica of one channel's cryptographic group.
type GroupState struct {
	GuildID   string
	ChannelID string
	Epoch     uint64

	epochSecret [32]byte
	members     []Member
	selfLeaf    uint32
	chains      map[uint32]*chainState
	skipped     map[string][32]byte
}

// MemberDescription is the wire form of a Member inside commits and welcomes.
type MemberDescription struct {
	UserID     string `json:"userId"`
	DeviceID   string `json:"deviceId"`
	SigningKey string `json:"signingKey"`
	InitKey    string `json:"initKey"`
}

// ApplicationMessage carries one AEAD-protected chat payload.
type ApplicationMessage struct {
	GuildID    string `json:"guildId"`
	ChannelID  string `json:"channelId"`
	Epoch      uint64 `json:"epoch"`
	SenderLeaf uint32 `json:"senderLeaf"`
	Generation uint32 `json:"generation"`
	Ciphertext string `json:"ciphertext"`
}

// Commit advances the group epoch by exactly one. The commit secret is sealed
// under a key every member of the previous epoch can derive, so only current
// members learn the next epoch secret.
type Commit struct {
	GuildID      string             `json:"guildId"`
	ChannelID    string             `json:"channelId"`
	Epoch        uint64             `json:"epoch"`
	SenderLeaf   uint32             `json:"senderLeaf"`
	Added        *MemberDescription `json:"added,omitempty"`
	SealedSecret string             `json:"sealedSecret"`
	Signature    string             `json:"signature"`
}

// Welcome lets exactly one new member derive the group state at the epoch the
// commit that added it produced, without replaying history.
type Welcome struct {
	GuildID          string `json:"guildId"`
	ChannelID        string `json:"channelId"`
	Epoch            uint64 `json:"epoch"`
	TargetUserID     string `json:"targetUserId"`
	TargetDeviceID   string `json:"targetDeviceId"`
	EphemeralKey     string `json:"ephemeralKey"`
	Sealed           string `json:"sealed"`
	SenderSigningKey string `json:"senderSigningKey"`
	Signature        string `json:"signature"`
}

// groupInfo is the welcome's sealed payload.
type groupInfo struct {
	EpochSecret string              `json:"epochSecret"`
	Members     []MemberDescription `json:"members"`
	JoinerLeaf  uint32              `json:"joinerLeaf"`
}

const (
	envelopeApplication = "application"
	envelopeCommit      = "commit"
)

// Envelope is the outer wire frame for everything a channel transports.
type Envelope struct {
	Type        string              `json:"type"`
	Application *ApplicationMessage `json:"application,omitempty"`
	Commit      *Commit             `json:"commit,omitempty"`
}
