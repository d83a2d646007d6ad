package groupcrypto

import "errors"

var (
	ErrInvalidKeyPackage = errors.New("groupcrypto: invalid key package")
	ErrInvalidWelcome    = errors.New("groupcrypto: invalid welcome")
	ErrInvalidCommit     = errors.New("groupcrypto: invalid commit")
	ErrStaleGroupState   = errors.New("groupcrypto: stale group state")
	ErrGroupNotReady     = errors.New("groupcrypto: group not initialized")
	ErrDecryptionFailed  = errors.New("groupcrypto: message authentication failed")
	ErrDuplicateMember   = errors.New("groupcrypto: member already in group")

	// ErrControlMessage signals that a decrypted envelope was a commit, not
	// chat content. The commit has already been applied to the local state;
	// the caller must persist the state and must never render the payload.
	ErrControlMessage = errors.New("groupcrypto: control message")
)
