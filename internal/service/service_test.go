package service_test

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"chorus/internal/domain"
	"chorus/internal/service"
	"chorus/internal/store"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupService(t *testing.T) (*service.Service, *store.Store) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return service.New(st), st
}

// seedChannel creates a guild with one channel and active memberships for the
// given users.
func seedChannel(t *testing.T, st *store.Store, guildID, channelID uuid.UUID, users ...uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	if err := st.Memberships().UpsertGuild(ctx, domain.Guild{ID: guildID, Name: "guild"}); err != nil {
		t.Fatalf("seed guild: %v", err)
	}
	if err := st.Memberships().UpsertChannel(ctx, domain.Channel{ID: channelID, GuildID: guildID, Name: "general"}); err != nil {
		t.Fatalf("seed channel: %v", err)
	}
	for _, userID := range users {
		if err := st.Users().Ensure(ctx, userID); err != nil {
			t.Fatalf("seed user: %v", err)
		}
		if err := st.Memberships().Upsert(ctx, domain.Membership{GuildID: guildID, UserID: userID, Role: "member"}); err != nil {
			t.Fatalf("seed membership: %v", err)
		}
	}
}

func registerDevice(t *testing.T, svc *service.Service, userID uuid.UUID, name string) service.DeviceResult {
	t.Helper()
	device, err := svc.RegisterDevice(context.Background(), service.RegisterDeviceInput{
		UserID:     userID,
		Name:       name,
		SigningKey: base64.StdEncoding.EncodeToString([]byte(name + "-signing-key")),
	})
	if err != nil {
		t.Fatalf("register device: %v", err)
	}
	return device
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestPublishAndFetchKeyPackage(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()

	guildID, channelID := uuid.New(), uuid.New()
	alice, bob := uuid.New(), uuid.New()
	seedChannel(t, st, guildID, channelID, alice, bob)

	device := registerDevice(t, svc, bob, "bob-laptop")
	if _, err := svc.PublishKeyPackage(ctx, service.PublishKeyPackageInput{
		GuildID:    guildID,
		UserID:     bob,
		DeviceID:   device.ID,
		PayloadB64: b64("bob-kp-1"),
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got, err := svc.FetchKeyPackage(ctx, alice, guildID, bob, &device.ID)
	if err != nil {
		t.Fatalf("fetch by device: %v", err)
	}
	if got.PayloadB64 != b64("bob-kp-1") {
		t.Fatalf("payload = %q", got.PayloadB64)
	}

	// Republishing replaces the artifact for the same device.
	if _, err := svc.PublishKeyPackage(ctx, service.PublishKeyPackageInput{
		GuildID:    guildID,
		UserID:     bob,
		DeviceID:   device.ID,
		PayloadB64: b64("bob-kp-2"),
	}); err != nil {
		t.Fatalf("republish: %v", err)
	}
	got, err = svc.FetchKeyPackage(ctx, alice, guildID, bob, nil)
	if err != nil {
		t.Fatalf("fetch latest: %v", err)
	}
	if got.PayloadB64 != b64("bob-kp-2") {
		t.Fatalf("payload after republish = %q", got.PayloadB64)
	}

	// Fetching does not consume: a second fetch sees the same artifact.
	again, err := svc.FetchKeyPackage(ctx, alice, guildID, bob, nil)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if again.PayloadB64 != got.PayloadB64 {
		t.Fatal("fetch consumed the key package")
	}

	// Non-members cannot fetch.
	outsider := uuid.New()
	if _, err := svc.FetchKeyPackage(ctx, outsider, guildID, bob, nil); !errors.Is(err, service.ErrForbidden) {
		t.Fatalf("outsider fetch = %v, want ErrForbidden", err)
	}
}

func TestRevokedDeviceLosesCredentialSurface(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()

	guildID, channelID := uuid.New(), uuid.New()
	alice, bob := uuid.New(), uuid.New()
	seedChannel(t, st, guildID, channelID, alice, bob)

	laptop := registerDevice(t, svc, bob, "bob-laptop")
	phone := registerDevice(t, svc, bob, "bob-phone")
	for _, d := range []service.DeviceResult{laptop, phone} {
		if _, err := svc.PublishKeyPackage(ctx, service.PublishKeyPackageInput{
			GuildID:    guildID,
			UserID:     bob,
			DeviceID:   d.ID,
			PayloadB64: b64("kp-" + d.Name),
		}); err != nil {
			t.Fatalf("publish %s: %v", d.Name, err)
		}
	}

	if err := svc.RevokeDevice(ctx, bob, phone.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	// Revocation is idempotent.
	if err := svc.RevokeDevice(ctx, bob, phone.ID); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	// Another user cannot revoke bob's device.
	if err := svc.RevokeDevice(ctx, alice, laptop.ID); !errors.Is(err, service.ErrForbidden) {
		t.Fatalf("cross-user revoke = %v, want ErrForbidden", err)
	}

	// The revoked device's package is no longer served.
	if _, err := svc.FetchKeyPackage(ctx, alice, guildID, bob, &phone.ID); !errors.Is(err, service.ErrNotFound) {
		t.Fatalf("fetch revoked = %v, want ErrNotFound", err)
	}
	got, err := svc.FetchKeyPackage(ctx, alice, guildID, bob, nil)
	if err != nil {
		t.Fatalf("fetch latest: %v", err)
	}
	if got.DeviceID != laptop.ID {
		t.Fatalf("latest package came from device %s, want the live laptop", got.DeviceID)
	}

	// And the revoked device cannot publish again.
	if _, err := svc.PublishKeyPackage(ctx, service.PublishKeyPackageInput{
		GuildID:    guildID,
		UserID:     bob,
		DeviceID:   phone.ID,
		PayloadB64: b64("kp-resurrect"),
	}); !errors.Is(err, service.ErrForbidden) {
		t.Fatalf("publish on revoked = %v, want ErrForbidden", err)
	}
}

func TestWelcomeTakenExactlyOnce(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()

	guildID, channelID := uuid.New(), uuid.New()
	alice, bob := uuid.New(), uuid.New()
	seedChannel(t, st, guildID, channelID, alice, bob)

	bobDevice := registerDevice(t, svc, bob, "bob-laptop")
	if err := svc.DepositWelcome(ctx, service.DepositWelcomeInput{
		GuildID:        guildID,
		ChannelID:      channelID,
		DepositorID:    alice,
		TargetUserID:   bob,
		TargetDeviceID: &bobDevice.ID,
		WelcomeB64:     b64("welcome-1"),
	}); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	got, err := svc.TakePendingWelcome(ctx, guildID, channelID, bob, &bobDevice.ID)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if got.WelcomeB64 != b64("welcome-1") {
		t.Fatalf("welcome = %q", got.WelcomeB64)
	}

	// The row is consumed; a second take finds nothing.
	if _, err := svc.TakePendingWelcome(ctx, guildID, channelID, bob, &bobDevice.ID); !errors.Is(err, service.ErrNotFound) {
		t.Fatalf("second take = %v, want ErrNotFound", err)
	}

	var count int64
	if err := st.DB.Model(&domain.PendingWelcome{}).
		Where("target_user_id = ? AND consumed_at IS NOT NULL", bob).
		Count(&count).Error; err != nil {
		t.Fatalf("count consumed: %v", err)
	}
	if count != 1 {
		t.Fatalf("consumed rows = %d, want 1", count)
	}
}

func TestConcurrentWelcomeTakesHaveOneWinnerPerRow(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()

	guildID, channelID := uuid.New(), uuid.New()
	alice, bob := uuid.New(), uuid.New()
	seedChannel(t, st, guildID, channelID, alice, bob)

	const deposited = 3
	for i := 0; i < deposited; i++ {
		if err := svc.DepositWelcome(ctx, service.DepositWelcomeInput{
			GuildID:      guildID,
			ChannelID:    channelID,
			DepositorID:  alice,
			TargetUserID: bob,
			WelcomeB64:   b64(fmt.Sprintf("welcome-%d", i)),
		}); err != nil {
			t.Fatalf("deposit %d: %v", i, err)
		}
	}

	const takers = 8
	type outcome struct {
		welcome service.WelcomeResult
		err     error
	}
	results := make(chan outcome, takers)
	var wg sync.WaitGroup
	for i := 0; i < takers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := svc.TakePendingWelcome(ctx, guildID, channelID, bob, nil)
			results <- outcome{welcome: w, err: err}
		}()
	}
	wg.Wait()
	close(results)

	won := make(map[string]int)
	var losses int
	for r := range results {
		if r.err != nil {
			if !errors.Is(r.err, service.ErrNotFound) {
				t.Fatalf("loser error = %v, want ErrNotFound", r.err)
			}
			losses++
			continue
		}
		won[r.welcome.WelcomeB64]++
	}
	if len(won) != deposited || losses != takers-deposited {
		t.Fatalf("winners = %d, losses = %d, want %d and %d", len(won), losses, deposited, takers-deposited)
	}
	for payload, n := range won {
		if n != 1 {
			t.Fatalf("welcome %q handed out %d times", payload, n)
		}
	}

	var count int64
	if err := st.DB.Model(&domain.PendingWelcome{}).
		Where("target_user_id = ? AND consumed_at IS NOT NULL", bob).
		Count(&count).Error; err != nil {
		t.Fatalf("count consumed: %v", err)
	}
	if count != deposited {
		t.Fatalf("consumed rows = %d, want %d", count, deposited)
	}
}

func TestNewestWelcomeWinsAndDeviceFilterHolds(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()

	guildID, channelID := uuid.New(), uuid.New()
	alice, bob := uuid.New(), uuid.New()
	seedChannel(t, st, guildID, channelID, alice, bob)

	laptop := registerDevice(t, svc, bob, "bob-laptop")
	phone := registerDevice(t, svc, bob, "bob-phone")

	for i, target := range []uuid.UUID{laptop.ID, laptop.ID, phone.ID} {
		target := target
		if err := svc.DepositWelcome(ctx, service.DepositWelcomeInput{
			GuildID:        guildID,
			ChannelID:      channelID,
			DepositorID:    alice,
			TargetUserID:   bob,
			TargetDeviceID: &target,
			WelcomeB64:     b64("welcome-" + string(rune('a'+i))),
		}); err != nil {
			t.Fatalf("deposit %d: %v", i, err)
		}
	}

	// The laptop gets its newest welcome, not the phone's.
	got, err := svc.TakePendingWelcome(ctx, guildID, channelID, bob, &laptop.ID)
	if err != nil {
		t.Fatalf("laptop take: %v", err)
	}
	if got.WelcomeB64 != b64("welcome-b") {
		t.Fatalf("laptop welcome = %q, want the newest laptop deposit", got.WelcomeB64)
	}

	// The phone's welcome is untouched by the laptop's take.
	got, err = svc.TakePendingWelcome(ctx, guildID, channelID, bob, &phone.ID)
	if err != nil {
		t.Fatalf("phone take: %v", err)
	}
	if got.WelcomeB64 != b64("welcome-c") {
		t.Fatalf("phone welcome = %q", got.WelcomeB64)
	}
}

func TestBootstrapRequestLifecycle(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()

	guildID, channelID := uuid.New(), uuid.New()
	alice, bob := uuid.New(), uuid.New()
	seedChannel(t, st, guildID, channelID, alice, bob)
	bobDevice := registerDevice(t, svc, bob, "bob-laptop")

	if _, err := svc.RequestBootstrap(ctx, service.BootstrapRequestInput{
		GuildID:   guildID,
		ChannelID: channelID,
		UserID:    bob,
		DeviceID:  bobDevice.ID,
		Reason:    "because",
	}); !errors.Is(err, service.ErrInvalidRequest) {
		t.Fatalf("bad reason = %v, want ErrInvalidRequest", err)
	}

	req, err := svc.RequestBootstrap(ctx, service.BootstrapRequestInput{
		GuildID:   guildID,
		ChannelID: channelID,
		UserID:    bob,
		DeviceID:  bobDevice.ID,
		Reason:    domain.BootstrapReasonMissingWelcome,
	})
	if err != nil {
		t.Fatalf("request bootstrap: %v", err)
	}
	if req.ID == 0 {
		t.Fatal("bootstrap request got no id")
	}

	pending, err := svc.ListBootstrapRequests(ctx, guildID, channelID, alice)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].UserID != bob {
		t.Fatalf("pending = %+v", pending)
	}

	// Depositing a welcome for the target resolves the request.
	if err := svc.DepositWelcome(ctx, service.DepositWelcomeInput{
		GuildID:        guildID,
		ChannelID:      channelID,
		DepositorID:    alice,
		TargetUserID:   bob,
		TargetDeviceID: &bobDevice.ID,
		WelcomeB64:     b64("recovery-welcome"),
	}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	pending, err = svc.ListBootstrapRequests(ctx, guildID, channelID, alice)
	if err != nil {
		t.Fatalf("list after deposit: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after deposit = %d, want 0", len(pending))
	}
}

func TestMembershipGates(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()

	guildID, channelID := uuid.New(), uuid.New()
	alice, banned, muted := uuid.New(), uuid.New(), uuid.New()
	seedChannel(t, st, guildID, channelID, alice)
	if err := st.Memberships().Upsert(ctx, domain.Membership{GuildID: guildID, UserID: banned, Banned: true}); err != nil {
		t.Fatalf("seed banned: %v", err)
	}
	if err := st.Memberships().Upsert(ctx, domain.Membership{GuildID: guildID, UserID: muted, Muted: true}); err != nil {
		t.Fatalf("seed muted: %v", err)
	}

	if err := svc.EnsureActiveMember(ctx, guildID, channelID, banned); !errors.Is(err, service.ErrForbidden) {
		t.Fatalf("banned = %v, want ErrForbidden", err)
	}
	// Muted members stay active for key and welcome traffic.
	if err := svc.EnsureActiveMember(ctx, guildID, channelID, muted); err != nil {
		t.Fatalf("muted = %v, want nil", err)
	}
	// Unknown channel, and a channel from another guild, both read as absent.
	if err := svc.EnsureActiveMember(ctx, guildID, uuid.New(), alice); !errors.Is(err, service.ErrNotFound) {
		t.Fatalf("unknown channel = %v, want ErrNotFound", err)
	}
	if err := svc.EnsureActiveMember(ctx, uuid.New(), channelID, alice); !errors.Is(err, service.ErrNotFound) {
		t.Fatalf("wrong guild = %v, want ErrNotFound", err)
	}
}

func TestLinkTokenLifecycle(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()

	bob := uuid.New()
	device := registerDevice(t, svc, bob, "bob-laptop")

	start, err := svc.StartLink(ctx, service.StartLinkInput{
		UserID:            bob,
		InitiatorDeviceID: device.ID,
		TargetKey:         b64("target-public-key"),
		TTL:               time.Minute,
	})
	if err != nil {
		t.Fatalf("start link: %v", err)
	}
	if start.TokenSecret == "" {
		t.Fatal("no token secret returned")
	}

	// Only the hash is stored.
	var row domain.LinkToken
	if err := st.DB.First(&row, "id = ?", start.TokenID).Error; err != nil {
		t.Fatalf("load token: %v", err)
	}
	if row.SecretHash == start.TokenSecret {
		t.Fatal("token secret stored in the clear")
	}

	// Claim before upload is a miss.
	if _, err := svc.ClaimBundle(ctx, start.TokenID, start.TokenSecret); !errors.Is(err, service.ErrNotFound) {
		t.Fatalf("claim before upload = %v, want ErrNotFound", err)
	}

	if err := svc.UploadBundle(ctx, service.UploadBundleInput{
		TokenID:     start.TokenID,
		TokenSecret: start.TokenSecret,
		BundleB64:   b64("sealed-bundle"),
	}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	// One shot: uploading again conflicts.
	if err := svc.UploadBundle(ctx, service.UploadBundleInput{
		TokenID:     start.TokenID,
		TokenSecret: start.TokenSecret,
		BundleB64:   b64("sealed-bundle-2"),
	}); !errors.Is(err, service.ErrConflict) {
		t.Fatalf("second upload = %v, want ErrConflict", err)
	}

	// Wrong secret never reaches token state.
	if _, err := svc.ClaimBundle(ctx, start.TokenID, "not-the-secret"); !errors.Is(err, service.ErrUnauthorized) {
		t.Fatalf("bad secret = %v, want ErrUnauthorized", err)
	}

	claimed, err := svc.ClaimBundle(ctx, start.TokenID, start.TokenSecret)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.BundleB64 != b64("sealed-bundle") || claimed.UserID != bob {
		t.Fatalf("claimed = %+v", claimed)
	}

	if _, err := svc.ClaimBundle(ctx, start.TokenID, start.TokenSecret); !errors.Is(err, service.ErrAlreadyConsumed) {
		t.Fatalf("second claim = %v, want ErrAlreadyConsumed", err)
	}
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	bob := uuid.New()
	device := registerDevice(t, svc, bob, "bob-laptop")
	start, err := svc.StartLink(ctx, service.StartLinkInput{
		UserID:            bob,
		InitiatorDeviceID: device.ID,
		TargetKey:         b64("target-public-key"),
		TTL:               time.Minute,
	})
	if err != nil {
		t.Fatalf("start link: %v", err)
	}
	if err := svc.UploadBundle(ctx, service.UploadBundleInput{
		TokenID:     start.TokenID,
		TokenSecret: start.TokenSecret,
		BundleB64:   b64("sealed-bundle"),
	}); err != nil {
		t.Fatalf("upload: %v", err)
	}

	const claimers = 8
	errs := make(chan error, claimers)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ClaimBundle(ctx, start.TokenID, start.TokenSecret)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var wins int
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		if !errors.Is(err, service.ErrAlreadyConsumed) {
			t.Fatalf("loser error = %v, want ErrAlreadyConsumed", err)
		}
	}
	if wins != 1 {
		t.Fatalf("claims won = %d, want exactly 1", wins)
	}
}

func TestLinkTokenExpires(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()

	bob := uuid.New()
	device := registerDevice(t, svc, bob, "bob-laptop")
	start, err := svc.StartLink(ctx, service.StartLinkInput{
		UserID:            bob,
		InitiatorDeviceID: device.ID,
		TargetKey:         b64("target-public-key"),
	})
	if err != nil {
		t.Fatalf("start link: %v", err)
	}

	// Expire it lazily: no sweeper, the next touch notices.
	past := time.Now().UTC().Add(-time.Minute)
	if err := st.DB.Model(&domain.LinkToken{}).
		Where("id = ?", start.TokenID).
		Update("expires_at", past).Error; err != nil {
		t.Fatalf("age token: %v", err)
	}

	if err := svc.UploadBundle(ctx, service.UploadBundleInput{
		TokenID:     start.TokenID,
		TokenSecret: start.TokenSecret,
		BundleB64:   b64("sealed-bundle"),
	}); !errors.Is(err, service.ErrExpired) {
		t.Fatalf("upload expired = %v, want ErrExpired", err)
	}
	if _, err := svc.ClaimBundle(ctx, start.TokenID, start.TokenSecret); !errors.Is(err, service.ErrExpired) {
		t.Fatalf("claim expired = %v, want ErrExpired", err)
	}
}
