package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"os"

	"chorus/groupcrypto"
	"chorus/internal/authz"
	"chorus/internal/config"
	"chorus/internal/domain"
	"chorus/internal/store"
	"chorus/pkg/relayclient"
	"chorus/pkg/session"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// chorusctl is the administrative companion to the server: guild, channel and
// membership rows have no HTTP CRUD surface and are seeded here, straight
// against the database.
func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "guild":
		err = runGuild(args)
	case "channel":
		err = runChannel(args)
	case "member":
		err = runMember(args)
	case "token":
		err = runToken(args)
	case "publish":
		err = runPublish(args)
	case "welcome":
		err = runWelcome(args)
	case "link-claim":
		err = runLinkClaim(args)
	default:
		usage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [options]\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  guild      Create or rename a guild")
	fmt.Fprintln(os.Stderr, "  channel    Create or rename a channel in a guild")
	fmt.Fprintln(os.Stderr, "  member     Add or update a guild membership")
	fmt.Fprintln(os.Stderr, "  token      Mint a development bearer token")
	fmt.Fprintln(os.Stderr, "  publish    Publish a key package for a device against a running relay")
	fmt.Fprintln(os.Stderr, "  welcome    Take the pending welcome for a device from a running relay")
	fmt.Fprintln(os.Stderr, "  link-claim Claim a sealed link bundle with a token id and secret")
	os.Exit(2)
}

func openStore() (*store.Store, error) {
	cfg := config.Load()
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func runGuild(args []string) error {
	fs := flag.NewFlagSet("guild", flag.ExitOnError)
	id := fs.String("id", "", "guild id (uuid; generated when empty)")
	name := fs.String("name", "", "guild name")
	_ = fs.Parse(args)
	if *name == "" {
		return fmt.Errorf("-name is required")
	}
	guildID, err := parseOrGenerate(*id)
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	if err := st.Memberships().UpsertGuild(context.Background(), domain.Guild{ID: guildID, Name: *name}); err != nil {
		return err
	}
	fmt.Println(guildID)
	return nil
}

func runChannel(args []string) error {
	fs := flag.NewFlagSet("channel", flag.ExitOnError)
	id := fs.String("id", "", "channel id (uuid; generated when empty)")
	guild := fs.String("guild", "", "guild id (uuid)")
	name := fs.String("name", "", "channel name")
	_ = fs.Parse(args)
	if *guild == "" || *name == "" {
		return fmt.Errorf("-guild and -name are required")
	}
	guildID, err := uuid.Parse(*guild)
	if err != nil {
		return fmt.Errorf("invalid guild id: %w", err)
	}
	channelID, err := parseOrGenerate(*id)
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	if err := st.Memberships().UpsertChannel(context.Background(), domain.Channel{ID: channelID, GuildID: guildID, Name: *name}); err != nil {
		return err
	}
	fmt.Println(channelID)
	return nil
}

func runMember(args []string) error {
	fs := flag.NewFlagSet("member", flag.ExitOnError)
	guild := fs.String("guild", "", "guild id (uuid)")
	user := fs.String("user", "", "user id (uuid)")
	role := fs.String("role", "member", "role name")
	banned := fs.Bool("banned", false, "mark the user banned")
	muted := fs.Bool("muted", false, "mark the user muted")
	_ = fs.Parse(args)
	if *guild == "" || *user == "" {
		return fmt.Errorf("-guild and -user are required")
	}
	guildID, err := uuid.Parse(*guild)
	if err != nil {
		return fmt.Errorf("invalid guild id: %w", err)
	}
	userID, err := uuid.Parse(*user)
	if err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := st.Users().Ensure(ctx, userID); err != nil {
		return err
	}
	return st.Memberships().Upsert(ctx, domain.Membership{
		GuildID: guildID,
		UserID:  userID,
		Role:    *role,
		Banned:  *banned,
		Muted:   *muted,
	})
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	user := fs.String("user", "", "user id (uuid)")
	device := fs.String("device", "", "device id (uuid, optional)")
	_ = fs.Parse(args)
	if *user == "" {
		return fmt.Errorf("-user is required")
	}
	userID, err := uuid.Parse(*user)
	if err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}
	deviceID := uuid.Nil
	if *device != "" {
		deviceID, err = uuid.Parse(*device)
		if err != nil {
			return fmt.Errorf("invalid device id: %w", err)
		}
	}
	cfg := config.Load()
	token, err := authz.SignToken(cfg.SigningKey, cfg.Issuer, userID, deviceID)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// runPublish creates (or reloads) a device identity in the client-local store
// and publishes its key package, so a second member can be invited without a
// full client build.
func runPublish(args []string) error {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	relay := fs.String("relay", "http://localhost:8083", "relay base URL")
	bearer := fs.String("bearer", "", "bearer token for the user")
	user := fs.String("user", "", "user id (uuid)")
	device := fs.String("device", "", "device id (uuid)")
	guild := fs.String("guild", "", "guild id (uuid)")
	dbPath := fs.String("db", "chorusctl.db", "client-local state database")
	_ = fs.Parse(args)
	if *bearer == "" || *user == "" || *device == "" || *guild == "" {
		return fmt.Errorf("-bearer, -user, -device and -guild are required")
	}
	guildID, err := uuid.Parse(*guild)
	if err != nil {
		return fmt.Errorf("invalid guild id: %w", err)
	}
	deviceID, err := uuid.Parse(*device)
	if err != nil {
		return fmt.Errorf("invalid device id: %w", err)
	}
	if _, err := uuid.Parse(*user); err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}

	local, err := session.OpenLocalStore(*dbPath)
	if err != nil {
		return err
	}
	identity, err := local.LoadIdentity(*user, *device)
	if err != nil {
		return err
	}
	if identity == nil {
		identity, err = groupcrypto.NewIdentity(*user, *device)
		if err != nil {
			return err
		}
		if err := local.SaveIdentity(identity); err != nil {
			return err
		}
	}

	raw, err := identity.KeyPackageBytes()
	if err != nil {
		return err
	}
	client := relayclient.New(*relay, *bearer)
	kp, err := client.PublishKeyPackage(context.Background(), guildID, deviceID, base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		return err
	}
	fmt.Printf("published key package for device %s in guild %s\n", kp.DeviceID, kp.GuildID)
	return nil
}

func runWelcome(args []string) error {
	fs := flag.NewFlagSet("welcome", flag.ExitOnError)
	relay := fs.String("relay", "http://localhost:8083", "relay base URL")
	bearer := fs.String("bearer", "", "bearer token for the user")
	user := fs.String("user", "", "user id (uuid)")
	guild := fs.String("guild", "", "guild id (uuid)")
	channel := fs.String("channel", "", "channel id (uuid)")
	device := fs.String("device", "", "device id (uuid, optional filter)")
	_ = fs.Parse(args)
	if *bearer == "" || *user == "" || *guild == "" || *channel == "" {
		return fmt.Errorf("-bearer, -user, -guild and -channel are required")
	}
	guildID, err := uuid.Parse(*guild)
	if err != nil {
		return fmt.Errorf("invalid guild id: %w", err)
	}
	channelID, err := uuid.Parse(*channel)
	if err != nil {
		return fmt.Errorf("invalid channel id: %w", err)
	}
	userID, err := uuid.Parse(*user)
	if err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}
	var deviceID *uuid.UUID
	if *device != "" {
		id, err := uuid.Parse(*device)
		if err != nil {
			return fmt.Errorf("invalid device id: %w", err)
		}
		deviceID = &id
	}

	client := relayclient.New(*relay, *bearer)
	w, err := client.TakeWelcome(context.Background(), guildID, channelID, userID, deviceID)
	if err != nil {
		return err
	}
	fmt.Println(w.WelcomeB64)
	return nil
}

func runLinkClaim(args []string) error {
	fs := flag.NewFlagSet("link-claim", flag.ExitOnError)
	relay := fs.String("relay", "http://localhost:8083", "relay base URL")
	tokenID := fs.String("token", "", "link token id (uuid)")
	secret := fs.String("secret", "", "link token secret")
	_ = fs.Parse(args)
	if *tokenID == "" || *secret == "" {
		return fmt.Errorf("-token and -secret are required")
	}
	id, err := uuid.Parse(*tokenID)
	if err != nil {
		return fmt.Errorf("invalid token id: %w", err)
	}

	// No bearer: the link secret authenticates the claim.
	client := relayclient.New(*relay, "")
	bundle, err := client.ClaimLinkBundle(context.Background(), id, *secret)
	if err != nil {
		return err
	}
	fmt.Println(bundle.BundleB64)
	return nil
}

func parseOrGenerate(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.New(), nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id: %w", err)
	}
	return id, nil
}
