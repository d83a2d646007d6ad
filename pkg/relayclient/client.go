package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client talks to the chorus control plane. Every method is a thin wrapper
// over one endpoint; the caller owns retries and backoff.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// APIError carries the server's structured error body.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay: %s (%d %s)", e.Message, e.StatusCode, e.Code)
}

func IsNotFound(err error) bool        { return hasCode(err, "not_found") }
func IsForbidden(err error) bool       { return hasCode(err, "forbidden") }
func IsAlreadyConsumed(err error) bool { return hasCode(err, "already_consumed") }
func IsExpired(err error) bool         { return hasCode(err, "expired") }
func IsConflict(err error) bool        { return hasCode(err, "conflict") }

func hasCode(err error, code string) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Code == code
}

type Welcome struct {
	GuildID        uuid.UUID  `json:"guild_id"`
	ChannelID      uuid.UUID  `json:"channel_id"`
	UserID         uuid.UUID  `json:"user_id"`
	TargetDeviceID *uuid.UUID `json:"target_device_id,omitempty"`
	WelcomeB64     string     `json:"welcome_b64"`
	ConsumedAt     *time.Time `json:"consumed_at,omitempty"`
}

// TakeWelcome consumes the newest pending welcome for the device. The consume
// is server-side exactly-once: a welcome this call returns will never be
// returned again, so the caller must import it or lose it.
func (c *Client) TakeWelcome(ctx context.Context, guildID, channelID, userID uuid.UUID, deviceID *uuid.UUID) (*Welcome, error) {
	q := url.Values{}
	q.Set("guild_id", guildID.String())
	q.Set("channel_id", channelID.String())
	q.Set("user_id", userID.String())
	if deviceID != nil {
		q.Set("device_id", deviceID.String())
	}
	var out Welcome
	if err := c.do(ctx, http.MethodGet, "/mls/welcome?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type DepositWelcomeRequest struct {
	GuildID        uuid.UUID  `json:"guild_id"`
	ChannelID      uuid.UUID  `json:"channel_id"`
	TargetUserID   uuid.UUID  `json:"target_user_id"`
	TargetDeviceID *uuid.UUID `json:"target_device_id,omitempty"`
	WelcomeB64     string     `json:"welcome_b64"`
}

func (c *Client) DepositWelcome(ctx context.Context, req DepositWelcomeRequest) error {
	return c.do(ctx, http.MethodPost, "/mls/welcome", req, nil)
}

type KeyPackage struct {
	GuildID    uuid.UUID `json:"guild_id"`
	UserID     uuid.UUID `json:"user_id"`
	DeviceID   uuid.UUID `json:"device_id"`
	PayloadB64 string    `json:"key_package_b64"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (c *Client) PublishKeyPackage(ctx context.Context, guildID, deviceID uuid.UUID, payloadB64 string) (*KeyPackage, error) {
	req := map[string]any{
		"guild_id":        guildID,
		"device_id":       deviceID,
		"key_package_b64": payloadB64,
	}
	var out KeyPackage
	if err := c.do(ctx, http.MethodPost, "/mls/key_packages", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) FetchKeyPackage(ctx context.Context, guildID, userID uuid.UUID, deviceID *uuid.UUID) (*KeyPackage, error) {
	q := url.Values{}
	q.Set("guild_id", guildID.String())
	q.Set("user_id", userID.String())
	if deviceID != nil {
		q.Set("device_id", deviceID.String())
	}
	var out KeyPackage
	if err := c.do(ctx, http.MethodGet, "/mls/key_packages?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type BootstrapRequest struct {
	ID        uint64    `json:"id"`
	GuildID   uuid.UUID `json:"guild_id"`
	ChannelID uuid.UUID `json:"channel_id"`
	UserID    uuid.UUID `json:"user_id"`
	DeviceID  uuid.UUID `json:"device_id"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

func (c *Client) RequestBootstrap(ctx context.Context, guildID, channelID, deviceID uuid.UUID, reason string) (*BootstrapRequest, error) {
	req := map[string]any{
		"guild_id":   guildID,
		"channel_id": channelID,
		"device_id":  deviceID,
		"reason":     reason,
	}
	var out BootstrapRequest
	if err := c.do(ctx, http.MethodPost, "/mls/bootstrap/request", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListBootstrapRequests(ctx context.Context, guildID, channelID uuid.UUID) ([]BootstrapRequest, error) {
	q := url.Values{}
	q.Set("guild_id", guildID.String())
	q.Set("channel_id", channelID.String())
	var out struct {
		Requests []BootstrapRequest `json:"requests"`
	}
	if err := c.do(ctx, http.MethodGet, "/mls/bootstrap/requests?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

type Device struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	Name       string     `json:"name"`
	SigningKey string     `json:"signing_key"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

func (c *Client) RegisterDevice(ctx context.Context, deviceID uuid.UUID, name, signingKey string) (*Device, error) {
	req := map[string]any{
		"device_id":   deviceID,
		"name":        name,
		"signing_key": signingKey,
	}
	var out Device
	if err := c.do(ctx, http.MethodPost, "/devices/register", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RevokeDevice(ctx context.Context, deviceID uuid.UUID) error {
	return c.do(ctx, http.MethodPost, "/devices/"+deviceID.String()+"/revoke", nil, nil)
}

func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	var out struct {
		Devices []Device `json:"devices"`
	}
	if err := c.do(ctx, http.MethodGet, "/devices", nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

type LinkToken struct {
	TokenID     uuid.UUID `json:"token_id"`
	TokenSecret string    `json:"token_secret"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (c *Client) StartLink(ctx context.Context, initiatorDeviceID uuid.UUID, targetKey string, ttl time.Duration) (*LinkToken, error) {
	req := map[string]any{
		"initiator_device_id": initiatorDeviceID,
		"target_key":          targetKey,
	}
	if ttl > 0 {
		req["ttl_seconds"] = int(ttl / time.Second)
	}
	var out LinkToken
	if err := c.do(ctx, http.MethodPost, "/devices/link/start", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UploadLinkBundle(ctx context.Context, tokenID uuid.UUID, tokenSecret, bundleB64 string) error {
	req := map[string]any{
		"token_id":     tokenID,
		"token_secret": tokenSecret,
		"bundle_b64":   bundleB64,
	}
	return c.do(ctx, http.MethodPost, "/devices/link/bundle", req, nil)
}

type ClaimedBundle struct {
	TokenID   uuid.UUID `json:"token_id"`
	UserID    uuid.UUID `json:"user_id"`
	TargetKey string    `json:"target_key"`
	BundleB64 string    `json:"bundle_b64"`
}

func (c *Client) ClaimLinkBundle(ctx context.Context, tokenID uuid.UUID, tokenSecret string) (*ClaimedBundle, error) {
	req := map[string]any{
		"token_id":     tokenID,
		"token_secret": tokenSecret,
	}
	var out ClaimedBundle
	if err := c.do(ctx, http.MethodPost, "/devices/link/claim", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errBody struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if err := json.Unmarshal(raw, &errBody); err != nil || errBody.Error.Code == "" {
			return &APIError{StatusCode: resp.StatusCode, Code: "unknown", Message: strings.TrimSpace(string(raw))}
		}
		return &APIError{StatusCode: resp.StatusCode, Code: errBody.Error.Code, Message: errBody.Error.Message}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
