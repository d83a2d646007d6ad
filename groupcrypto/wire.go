package groupcrypto

import (
	"encoding/json"
	"fmt"
)

func marshalKeyPackage(kp *KeyPackage) ([]byte, error) {
	return json.Marshal(kp)
}

func unmarshalKeyPackage(data []byte) (*KeyPackage, error) {
	var kp KeyPackage
	if err := json.Unmarshal(data, &kp); err != nil {
		return nil, err
	}
	return &kp, nil
}

func marshalEnvelope(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func unmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func marshalWelcome(w *Welcome) ([]byte, error) {
	return json.Marshal(w)
}

// ParseWelcome decodes a welcome and checks it is structurally complete. The
// signature and sealed payload are only verified by JoinFromWelcome, which
// holds the keys; ParseWelcome is enough to inspect addressing and epoch.
func ParseWelcome(data []byte) (*Welcome, error) {
	var w Welcome
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWelcome, err)
	}
	if w.GuildID == "" || w.ChannelID == "" {
		return nil, fmt.Errorf("%w: missing channel addressing", ErrInvalidWelcome)
	}
	if w.TargetUserID == "" || w.TargetDeviceID == "" {
		return nil, fmt.Errorf("%w: missing target device", ErrInvalidWelcome)
	}
	if w.EphemeralKey == "" || w.Sealed == "" || w.SenderSigningKey == "" || w.Signature == "" {
		return nil, fmt.Errorf("%w: missing cryptographic material", ErrInvalidWelcome)
	}
	return &w, nil
}
