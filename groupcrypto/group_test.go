package groupcrypto

import (
	"bytes"
	"errors"
	"testing"
)

func deterministicReader(size int) *bytes.Reader {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return bytes.NewReader(buf)
}

func mustIdentity(t *testing.T, userID, deviceID string) *Identity {
	t.Helper()
	id, err := NewIdentity(userID, deviceID)
	if err != nil {
		t.Fatalf("identity %s/%s: %v", userID, deviceID, err)
	}
	return id
}

func mustAdd(t *testing.T, g *GroupState, adder *Identity, joiner *Identity) (commit, welcome []byte) {
	t.Helper()
	kp, err := joiner.KeyPackageBytes()
	if err != nil {
		t.Fatalf("key package: %v", err)
	}
	commit, welcome, err = g.AddMember(adder, kp)
	if err != nil {
		t.Fatalf("add member: %v", err)
	}
	return commit, welcome
}

func TestGroupBootstrapAndMessaging(t *testing.T) {
	restore := UseDeterministicRandom(deterministicReader(8192))
	defer restore()

	alice := mustIdentity(t, "user-a", "dev-a1")
	bob := mustIdentity(t, "user-b", "dev-b1")

	group, err := NewGroup(alice, "guild-1", "chan-1")
	if err != nil {
		t.Fatalf("new group: %v", err)
	}
	if group.Epoch != 0 {
		t.Fatalf("fresh group epoch = %d, want 0", group.Epoch)
	}

	_, welcome := mustAdd(t, group, alice, bob)
	if group.Epoch != 1 {
		t.Fatalf("adder epoch after commit = %d, want 1", group.Epoch)
	}

	bobGroup, err := JoinFromWelcome(bob, welcome)
	if err != nil {
		t.Fatalf("join from welcome: %v", err)
	}
	if bobGroup.Epoch != group.Epoch {
		t.Fatalf("joiner epoch = %d, adder epoch = %d", bobGroup.Epoch, group.Epoch)
	}
	if len(bobGroup.Members()) != 2 {
		t.Fatalf("joiner roster size = %d, want 2", len(bobGroup.Members()))
	}

	msg := []byte("hello channel")
	ct, err := group.EncryptApplication(msg)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	plaintext, err := bobGroup.DecryptApplication(ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, msg) {
		t.Fatalf("decrypt mismatch: got %q want %q", plaintext, msg)
	}

	// The sender can open its own envelope for local echo.
	echo, err := group.DecryptApplication(ct)
	if err != nil {
		t.Fatalf("local echo decrypt: %v", err)
	}
	if !bytes.Equal(echo, msg) {
		t.Fatalf("local echo mismatch: got %q want %q", echo, msg)
	}

	reply := []byte("hi from bob")
	ct2, err := bobGroup.EncryptApplication(reply)
	if err != nil {
		t.Fatalf("encrypt reply: %v", err)
	}
	plaintext2, err := group.DecryptApplication(ct2)
	if err != nil {
		t.Fatalf("decrypt reply: %v", err)
	}
	if !bytes.Equal(plaintext2, reply) {
		t.Fatalf("reply mismatch: got %q want %q", plaintext2, reply)
	}
}

func TestCommitAdvancesEveryReplica(t *testing.T) {
	restore := UseDeterministicRandom(deterministicReader(16384))
	defer restore()

	alice := mustIdentity(t, "user-a", "dev-a1")
	bob := mustIdentity(t, "user-b", "dev-b1")
	carol := mustIdentity(t, "user-c", "dev-c1")

	aliceGroup, err := NewGroup(alice, "guild-1", "chan-1")
	if err != nil {
		t.Fatalf("new group: %v", err)
	}
	_, bobWelcome := mustAdd(t, aliceGroup, alice, bob)
	bobGroup, err := JoinFromWelcome(bob, bobWelcome)
	if err != nil {
		t.Fatalf("bob join: %v", err)
	}

	commit2, carolWelcome := mustAdd(t, aliceGroup, alice, carol)
	if aliceGroup.Epoch != 2 {
		t.Fatalf("alice epoch = %d, want 2", aliceGroup.Epoch)
	}

	// Bob receives the commit on the message channel: no plaintext, state
	// advances.
	plaintext, err := bobGroup.DecryptApplication(commit2)
	if !errors.Is(err, ErrControlMessage) {
		t.Fatalf("commit decrypt err = %v, want ErrControlMessage", err)
	}
	if plaintext != nil {
		t.Fatalf("commit decrypt yielded plaintext %q", plaintext)
	}
	if bobGroup.Epoch != 2 {
		t.Fatalf("bob epoch after commit = %d, want 2", bobGroup.Epoch)
	}

	carolGroup, err := JoinFromWelcome(carol, carolWelcome)
	if err != nil {
		t.Fatalf("carol join: %v", err)
	}

	// All three replicas interoperate in the new epoch.
	msg := []byte("three of us now")
	ct, err := bobGroup.EncryptApplication(msg)
	if err != nil {
		t.Fatalf("bob encrypt: %v", err)
	}
	for name, g := range map[string]*GroupState{"alice": aliceGroup, "carol": carolGroup} {
		got, err := g.DecryptApplication(ct)
		if err != nil {
			t.Fatalf("%s decrypt: %v", name, err)
		}
		if !bytes.Equal(got, msg) {
			t.Fatalf("%s mismatch: got %q want %q", name, got, msg)
		}
	}
}

func TestStaleCommitRejected(t *testing.T) {
	restore := UseDeterministicRandom(deterministicReader(16384))
	defer restore()

	alice := mustIdentity(t, "user-a", "dev-a1")
	bob := mustIdentity(t, "user-b", "dev-b1")
	carol := mustIdentity(t, "user-c", "dev-c1")

	aliceGroup, _ := NewGroup(alice, "guild-1", "chan-1")
	_, bobWelcome := mustAdd(t, aliceGroup, alice, bob)
	bobGroup, err := JoinFromWelcome(bob, bobWelcome)
	if err != nil {
		t.Fatalf("bob join: %v", err)
	}
	commit2, _ := mustAdd(t, aliceGroup, alice, carol)

	if _, err := bobGroup.DecryptApplication(commit2); !errors.Is(err, ErrControlMessage) {
		t.Fatalf("first delivery err = %v, want ErrControlMessage", err)
	}
	if _, err := bobGroup.DecryptApplication(commit2); !errors.Is(err, ErrStaleGroupState) {
		t.Fatalf("second delivery err = %v, want ErrStaleGroupState", err)
	}
	if bobGroup.Epoch != 2 {
		t.Fatalf("bob epoch = %d, want 2", bobGroup.Epoch)
	}
}

func TestDuplicateMemberRejected(t *testing.T) {
	restore := UseDeterministicRandom(deterministicReader(8192))
	defer restore()

	alice := mustIdentity(t, "user-a", "dev-a1")
	bob := mustIdentity(t, "user-b", "dev-b1")

	group, _ := NewGroup(alice, "guild-1", "chan-1")
	mustAdd(t, group, alice, bob)

	kp, err := bob.KeyPackageBytes()
	if err != nil {
		t.Fatalf("key package: %v", err)
	}
	if _, _, err := group.AddMember(alice, kp); !errors.Is(err, ErrDuplicateMember) {
		t.Fatalf("second add err = %v, want ErrDuplicateMember", err)
	}
	if group.Epoch != 1 {
		t.Fatalf("epoch after rejected add = %d, want 1", group.Epoch)
	}
}

func TestWelcomeForAnotherDeviceRejected(t *testing.T) {
	restore := UseDeterministicRandom(deterministicReader(8192))
	defer restore()

	alice := mustIdentity(t, "user-a", "dev-a1")
	bob := mustIdentity(t, "user-b", "dev-b1")
	eve := mustIdentity(t, "user-e", "dev-e1")

	group, _ := NewGroup(alice, "guild-1", "chan-1")
	_, welcome := mustAdd(t, group, alice, bob)

	if _, err := JoinFromWelcome(eve, welcome); !errors.Is(err, ErrInvalidWelcome) {
		t.Fatalf("foreign join err = %v, want ErrInvalidWelcome", err)
	}
}

func TestOutOfOrderDelivery(t *testing.T) {
	restore := UseDeterministicRandom(deterministicReader(8192))
	defer restore()

	alice := mustIdentity(t, "user-a", "dev-a1")
	bob := mustIdentity(t, "user-b", "dev-b1")

	group, _ := NewGroup(alice, "guild-1", "chan-1")
	_, welcome := mustAdd(t, group, alice, bob)
	bobGroup, err := JoinFromWelcome(bob, welcome)
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	messages := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	envelopes := make([][]byte, len(messages))
	for i, m := range messages {
		ct, err := group.EncryptApplication(m)
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		envelopes[i] = ct
	}

	for _, i := range []int{2, 0, 1} {
		got, err := bobGroup.DecryptApplication(envelopes[i])
		if err != nil {
			t.Fatalf("decrypt %d: %v", i, err)
		}
		if !bytes.Equal(got, messages[i]) {
			t.Fatalf("message %d mismatch: got %q want %q", i, got, messages[i])
		}
	}
}

func TestReplayRejected(t *testing.T) {
	restore := UseDeterministicRandom(deterministicReader(8192))
	defer restore()

	alice := mustIdentity(t, "user-a", "dev-a1")
	bob := mustIdentity(t, "user-b", "dev-b1")

	group, _ := NewGroup(alice, "guild-1", "chan-1")
	_, welcome := mustAdd(t, group, alice, bob)
	bobGroup, err := JoinFromWelcome(bob, welcome)
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	ct, err := group.EncryptApplication([]byte("once only"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := bobGroup.DecryptApplication(ct); err != nil {
		t.Fatalf("first decrypt: %v", err)
	}
	if _, err := bobGroup.DecryptApplication(ct); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("replay err = %v, want ErrDecryptionFailed", err)
	}
}

func TestTamperedEnvelopeLeavesStateIntact(t *testing.T) {
	restore := UseDeterministicRandom(deterministicReader(8192))
	defer restore()

	alice := mustIdentity(t, "user-a", "dev-a1")
	bob := mustIdentity(t, "user-b", "dev-b1")

	group, _ := NewGroup(alice, "guild-1", "chan-1")
	_, welcome := mustAdd(t, group, alice, bob)
	bobGroup, err := JoinFromWelcome(bob, welcome)
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	msg := []byte("attested payload")
	ct, err := group.EncryptApplication(msg)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	tampered := bytes.Replace(ct, []byte(`"ciphertext":"`), []byte(`"ciphertext":"AAAA`), 1)
	if bytes.Equal(tampered, ct) {
		t.Fatal("tampering did not change the envelope")
	}
	if _, err := bobGroup.DecryptApplication(tampered); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("tampered decrypt err = %v, want ErrDecryptionFailed", err)
	}

	// The genuine envelope still opens: the failed attempt must not have
	// advanced the receive chain.
	got, err := bobGroup.DecryptApplication(ct)
	if err != nil {
		t.Fatalf("genuine decrypt after tamper: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("mismatch after tamper: got %q want %q", got, msg)
	}
}

func TestEncryptOnUninitializedGroup(t *testing.T) {
	var g *GroupState
	if _, err := g.EncryptApplication([]byte("x")); !errors.Is(err, ErrGroupNotReady) {
		t.Fatalf("nil group encrypt err = %v, want ErrGroupNotReady", err)
	}
	if _, err := g.DecryptApplication([]byte("{}")); !errors.Is(err, ErrGroupNotReady) {
		t.Fatalf("nil group decrypt err = %v, want ErrGroupNotReady", err)
	}
}

func TestParseKeyPackageRejectsTampering(t *testing.T) {
	restore := UseDeterministicRandom(deterministicReader(4096))
	defer restore()

	bob := mustIdentity(t, "user-b", "dev-b1")
	kpBytes, err := bob.KeyPackageBytes()
	if err != nil {
		t.Fatalf("key package: %v", err)
	}
	if _, err := ParseKeyPackage(kpBytes); err != nil {
		t.Fatalf("genuine parse: %v", err)
	}

	tampered := bytes.Replace(kpBytes, []byte(`"userId":"user-b"`), []byte(`"userId":"user-x"`), 1)
	if bytes.Equal(tampered, kpBytes) {
		t.Fatal("tampering did not change the key package")
	}
	if _, err := ParseKeyPackage(tampered); !errors.Is(err, ErrInvalidKeyPackage) {
		t.Fatalf("tampered parse err = %v, want ErrInvalidKeyPackage", err)
	}
}

func TestExportSecretAgreesAcrossReplicas(t *testing.T) {
	restore := UseDeterministicRandom(deterministicReader(8192))
	defer restore()

	alice := mustIdentity(t, "user-a", "dev-a1")
	bob := mustIdentity(t, "user-b", "dev-b1")

	group, _ := NewGroup(alice, "guild-1", "chan-1")
	_, welcome := mustAdd(t, group, alice, bob)
	bobGroup, err := JoinFromWelcome(bob, welcome)
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	a, err := group.ExportSecret("voice", 32)
	if err != nil {
		t.Fatalf("alice export: %v", err)
	}
	b, err := bobGroup.ExportSecret("voice", 32)
	if err != nil {
		t.Fatalf("bob export: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("exported secrets disagree across replicas")
	}
	other, err := group.ExportSecret("media", 32)
	if err != nil {
		t.Fatalf("export other label: %v", err)
	}
	if bytes.Equal(a, other) {
		t.Fatal("different labels produced the same secret")
	}
}
