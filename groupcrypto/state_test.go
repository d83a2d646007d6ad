package groupcrypto

import (
	"bytes"
	"testing"
)

func TestIdentityExportImport(t *testing.T) {
	restore := UseDeterministicRandom(deterministicReader(4096))
	defer restore()

	id := mustIdentity(t, "user-a", "dev-a1")
	state, err := id.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	restored, err := ImportIdentity(state)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if restored.UserID() != id.UserID() || restored.DeviceID() != id.DeviceID() {
		t.Fatal("identity addressing lost across export")
	}
	if !bytes.Equal(restored.SigningPublic(), id.SigningPublic()) {
		t.Fatal("signing key lost across export")
	}
	// A key package from the restored identity must verify.
	kpBytes, err := restored.KeyPackageBytes()
	if err != nil {
		t.Fatalf("key package: %v", err)
	}
	if _, err := ParseKeyPackage(kpBytes); err != nil {
		t.Fatalf("parse restored key package: %v", err)
	}
}

func TestImportIdentityRejectsUnknownSchema(t *testing.T) {
	restore := UseDeterministicRandom(deterministicReader(4096))
	defer restore()

	id := mustIdentity(t, "user-a", "dev-a1")
	state, err := id.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	state.Version = SchemaVersion + 1
	if _, err := ImportIdentity(state); err == nil {
		t.Fatal("import accepted unknown schema version")
	}
}

func TestGroupStateSurvivesExportImport(t *testing.T) {
	restore := UseDeterministicRandom(deterministicReader(16384))
	defer restore()

	alice := mustIdentity(t, "user-a", "dev-a1")
	bob := mustIdentity(t, "user-b", "dev-b1")

	group, err := NewGroup(alice, "guild-1", "chan-1")
	if err != nil {
		t.Fatalf("new group: %v", err)
	}
	_, welcome := mustAdd(t, group, alice, bob)
	bobGroup, err := JoinFromWelcome(bob, welcome)
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	// Skip a message so the restored state has to carry the cached key.
	first, err := group.EncryptApplication([]byte("first"))
	if err != nil {
		t.Fatalf("encrypt first: %v", err)
	}
	second, err := group.EncryptApplication([]byte("second"))
	if err != nil {
		t.Fatalf("encrypt second: %v", err)
	}
	if _, err := bobGroup.DecryptApplication(second); err != nil {
		t.Fatalf("decrypt second: %v", err)
	}

	snap, err := bobGroup.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	restored, err := ImportGroupState(snap)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if restored.Epoch != bobGroup.Epoch {
		t.Fatalf("epoch lost: got %d want %d", restored.Epoch, bobGroup.Epoch)
	}
	if restored.SelfLeaf() != bobGroup.SelfLeaf() {
		t.Fatalf("self leaf lost: got %d want %d", restored.SelfLeaf(), bobGroup.SelfLeaf())
	}
	got, err := restored.DecryptApplication(first)
	if err != nil {
		t.Fatalf("decrypt skipped message after restore: %v", err)
	}
	if !bytes.Equal(got, []byte("first")) {
		t.Fatalf("skipped message mismatch: got %q", got)
	}

	// The restored replica keeps sending on its own chain.
	ct, err := restored.EncryptApplication([]byte("from restored"))
	if err != nil {
		t.Fatalf("encrypt after restore: %v", err)
	}
	plain, err := group.DecryptApplication(ct)
	if err != nil {
		t.Fatalf("decrypt from restored: %v", err)
	}
	if !bytes.Equal(plain, []byte("from restored")) {
		t.Fatalf("mismatch: got %q", plain)
	}
}

func TestImportGroupStateRejectsBadSnapshot(t *testing.T) {
	restore := UseDeterministicRandom(deterministicReader(8192))
	defer restore()

	alice := mustIdentity(t, "user-a", "dev-a1")
	group, err := NewGroup(alice, "guild-1", "chan-1")
	if err != nil {
		t.Fatalf("new group: %v", err)
	}
	snap, err := group.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*GroupStateSnapshot)
	}{
		{"unknown schema", func(s *GroupStateSnapshot) { s.Version = SchemaVersion + 1 }},
		{"empty roster", func(s *GroupStateSnapshot) { s.Members = nil }},
		{"self leaf out of range", func(s *GroupStateSnapshot) { s.SelfLeaf = 9 }},
		{"bad epoch secret", func(s *GroupStateSnapshot) { s.EpochSecret = "short" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			bad := *snap
			bad.Members = append([]MemberDescription(nil), snap.Members...)
			tc.mutate(&bad)
			if _, err := ImportGroupState(&bad); err == nil {
				t.Fatal("import accepted corrupt snapshot")
			}
		})
	}
}
