package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"chorus/internal/authz"
	"chorus/internal/observability/metrics"
	obsmw "chorus/internal/observability/middleware"
	"chorus/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type Handler struct {
	svc     *service.Service
	linkTTL time.Duration
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: err.Error()}})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, service.ErrExpired):
		return http.StatusGone, "expired"
	case errors.Is(err, service.ErrAlreadyConsumed):
		return http.StatusConflict, "already_consumed"
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func callerID(r *http.Request) uuid.UUID {
	id, _ := authz.UserFrom(r.Context())
	return id
}

func queryUUID(r *http.Request, key string) (uuid.UUID, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return uuid.Nil, service.ErrInvalidRequest
	}
	return uuid.Parse(raw)
}

func optionalQueryUUID(r *http.Request, key string) (*uuid.UUID, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// GET /mls/welcome
func (h *Handler) takeWelcome(w http.ResponseWriter, r *http.Request) {
	reqID := obsmw.RequestIDFromContext(r.Context())
	guildID, err := queryUUID(r, "guild_id")
	if err != nil {
		writeError(w, errInvalid("guild_id"))
		return
	}
	channelID, err := queryUUID(r, "channel_id")
	if err != nil {
		writeError(w, errInvalid("channel_id"))
		return
	}
	userID, err := queryUUID(r, "user_id")
	if err != nil {
		writeError(w, errInvalid("user_id"))
		return
	}
	deviceID, err := optionalQueryUUID(r, "device_id")
	if err != nil {
		writeError(w, errInvalid("device_id"))
		return
	}
	if userID != callerID(r) {
		writeError(w, errForbidden("welcomes can only be taken for the authenticated user"))
		metrics.WelcomesConsumedTotal.WithLabelValues("failure").Inc()
		return
	}
	res, err := h.svc.TakePendingWelcome(r.Context(), guildID, channelID, userID, deviceID)
	if err != nil {
		writeError(w, err)
		metrics.WelcomesConsumedTotal.WithLabelValues("failure").Inc()
		if !errors.Is(err, service.ErrNotFound) {
			slog.Warn("welcome take failed", "error", err, "guild_id", guildID, "channel_id", channelID, "request_id", reqID)
		}
		return
	}
	metrics.WelcomesConsumedTotal.WithLabelValues("success").Inc()
	slog.Info("welcome consumed", "guild_id", guildID, "channel_id", channelID, "user_id", userID, "request_id", reqID)
	writeJSON(w, http.StatusOK, res)
}

type depositWelcomeRequest struct {
	GuildID        uuid.UUID  `json:"guild_id"`
	ChannelID      uuid.UUID  `json:"channel_id"`
	TargetUserID   uuid.UUID  `json:"target_user_id"`
	TargetDeviceID *uuid.UUID `json:"target_device_id,omitempty"`
	WelcomeB64     string     `json:"welcome_b64"`
}

// POST /mls/welcome
func (h *Handler) depositWelcome(w http.ResponseWriter, r *http.Request) {
	reqID := obsmw.RequestIDFromContext(r.Context())
	var req depositWelcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errInvalid("body"))
		metrics.WelcomesDepositedTotal.WithLabelValues("failure").Inc()
		return
	}
	err := h.svc.DepositWelcome(r.Context(), service.DepositWelcomeInput{
		GuildID:        req.GuildID,
		ChannelID:      req.ChannelID,
		DepositorID:    callerID(r),
		TargetUserID:   req.TargetUserID,
		TargetDeviceID: req.TargetDeviceID,
		WelcomeB64:     req.WelcomeB64,
	})
	if err != nil {
		writeError(w, err)
		metrics.WelcomesDepositedTotal.WithLabelValues("failure").Inc()
		slog.Warn("welcome deposit failed", "error", err, "guild_id", req.GuildID, "channel_id", req.ChannelID, "request_id", reqID)
		return
	}
	metrics.WelcomesDepositedTotal.WithLabelValues("success").Inc()
	slog.Info("welcome deposited", "guild_id", req.GuildID, "channel_id", req.ChannelID, "target_user_id", req.TargetUserID, "request_id", reqID)
	w.WriteHeader(http.StatusCreated)
}

// GET /mls/key_packages
func (h *Handler) fetchKeyPackage(w http.ResponseWriter, r *http.Request) {
	guildID, err := queryUUID(r, "guild_id")
	if err != nil {
		writeError(w, errInvalid("guild_id"))
		return
	}
	userID, err := queryUUID(r, "user_id")
	if err != nil {
		writeError(w, errInvalid("user_id"))
		return
	}
	deviceID, err := optionalQueryUUID(r, "device_id")
	if err != nil {
		writeError(w, errInvalid("device_id"))
		return
	}
	res, err := h.svc.FetchKeyPackage(r.Context(), callerID(r), guildID, userID, deviceID)
	if err != nil {
		writeError(w, err)
		metrics.KeyPackagesFetchedTotal.WithLabelValues("failure").Inc()
		return
	}
	metrics.KeyPackagesFetchedTotal.WithLabelValues("success").Inc()
	writeJSON(w, http.StatusOK, res)
}

type publishKeyPackageRequest struct {
	GuildID       uuid.UUID `json:"guild_id"`
	DeviceID      uuid.UUID `json:"device_id"`
	KeyPackageB64 string    `json:"key_package_b64"`
}

// POST /mls/key_packages
func (h *Handler) publishKeyPackage(w http.ResponseWriter, r *http.Request) {
	reqID := obsmw.RequestIDFromContext(r.Context())
	var req publishKeyPackageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errInvalid("body"))
		metrics.KeyPackagesPublishedTotal.WithLabelValues("failure").Inc()
		return
	}
	res, err := h.svc.PublishKeyPackage(r.Context(), service.PublishKeyPackageInput{
		GuildID:    req.GuildID,
		UserID:     callerID(r),
		DeviceID:   req.DeviceID,
		PayloadB64: req.KeyPackageB64,
	})
	if err != nil {
		writeError(w, err)
		metrics.KeyPackagesPublishedTotal.WithLabelValues("failure").Inc()
		slog.Warn("key package publish failed", "error", err, "guild_id", req.GuildID, "device_id", req.DeviceID, "request_id", reqID)
		return
	}
	metrics.KeyPackagesPublishedTotal.WithLabelValues("success").Inc()
	slog.Info("key package published", "guild_id", res.GuildID, "device_id", res.DeviceID, "request_id", reqID)
	writeJSON(w, http.StatusCreated, res)
}

type bootstrapRequestBody struct {
	GuildID   uuid.UUID `json:"guild_id"`
	ChannelID uuid.UUID `json:"channel_id"`
	DeviceID  uuid.UUID `json:"device_id"`
	Reason    string    `json:"reason"`
}

// POST /mls/bootstrap/request
func (h *Handler) requestBootstrap(w http.ResponseWriter, r *http.Request) {
	reqID := obsmw.RequestIDFromContext(r.Context())
	var req bootstrapRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errInvalid("body"))
		return
	}
	deviceID := req.DeviceID
	if deviceID == uuid.Nil {
		if fromToken, ok := authz.DeviceFrom(r.Context()); ok {
			deviceID = fromToken
		}
	}
	if deviceID == uuid.Nil {
		writeError(w, errInvalid("device_id"))
		return
	}
	res, err := h.svc.RequestBootstrap(r.Context(), service.BootstrapRequestInput{
		GuildID:   req.GuildID,
		ChannelID: req.ChannelID,
		UserID:    callerID(r),
		DeviceID:  deviceID,
		Reason:    req.Reason,
	})
	if err != nil {
		writeError(w, err)
		slog.Warn("bootstrap request failed", "error", err, "guild_id", req.GuildID, "channel_id", req.ChannelID, "request_id", reqID)
		return
	}
	metrics.BootstrapRequestsTotal.WithLabelValues(res.Reason).Inc()
	slog.Info("bootstrap requested", "guild_id", res.GuildID, "channel_id", res.ChannelID, "reason", res.Reason, "request_id", reqID)
	writeJSON(w, http.StatusCreated, res)
}

// GET /mls/bootstrap/requests
func (h *Handler) listBootstrapRequests(w http.ResponseWriter, r *http.Request) {
	guildID, err := queryUUID(r, "guild_id")
	if err != nil {
		writeError(w, errInvalid("guild_id"))
		return
	}
	channelID, err := queryUUID(r, "channel_id")
	if err != nil {
		writeError(w, errInvalid("channel_id"))
		return
	}
	res, err := h.svc.ListBootstrapRequests(r.Context(), guildID, channelID, callerID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": res})
}

type registerDeviceRequest struct {
	DeviceID   uuid.UUID `json:"device_id,omitempty"`
	Name       string    `json:"name"`
	SigningKey string    `json:"signing_key"`
}

// POST /devices/register
func (h *Handler) registerDevice(w http.ResponseWriter, r *http.Request) {
	reqID := obsmw.RequestIDFromContext(r.Context())
	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errInvalid("body"))
		return
	}
	res, err := h.svc.RegisterDevice(r.Context(), service.RegisterDeviceInput{
		UserID:     callerID(r),
		DeviceID:   req.DeviceID,
		Name:       req.Name,
		SigningKey: req.SigningKey,
	})
	if err != nil {
		writeError(w, err)
		slog.Warn("device registration failed", "error", err, "request_id", reqID)
		return
	}
	slog.Info("device registered", "device_id", res.ID, "user_id", res.UserID, "request_id", reqID)
	writeJSON(w, http.StatusCreated, res)
}

// POST /devices/{deviceID}/revoke
func (h *Handler) revokeDevice(w http.ResponseWriter, r *http.Request) {
	reqID := obsmw.RequestIDFromContext(r.Context())
	deviceID, err := uuid.Parse(chi.URLParam(r, "deviceID"))
	if err != nil {
		writeError(w, errInvalid("deviceID"))
		return
	}
	if err := h.svc.RevokeDevice(r.Context(), callerID(r), deviceID); err != nil {
		writeError(w, err)
		slog.Warn("device revocation failed", "error", err, "device_id", deviceID, "request_id", reqID)
		return
	}
	slog.Info("device revoked", "device_id", deviceID, "request_id", reqID)
	w.WriteHeader(http.StatusNoContent)
}

// GET /devices
func (h *Handler) listDevices(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.ListDevices(r.Context(), callerID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": res})
}

type startLinkRequest struct {
	InitiatorDeviceID uuid.UUID `json:"initiator_device_id"`
	TargetKey         string    `json:"target_key"`
	TTLSeconds        int       `json:"ttl_seconds,omitempty"`
}

// POST /devices/link/start
func (h *Handler) startLink(w http.ResponseWriter, r *http.Request) {
	reqID := obsmw.RequestIDFromContext(r.Context())
	var req startLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errInvalid("body"))
		metrics.DeviceLinkOperationsTotal.WithLabelValues("start", "failure").Inc()
		return
	}
	initiator := req.InitiatorDeviceID
	if initiator == uuid.Nil {
		if fromToken, ok := authz.DeviceFrom(r.Context()); ok {
			initiator = fromToken
		}
	}
	ttl := h.linkTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	res, err := h.svc.StartLink(r.Context(), service.StartLinkInput{
		UserID:            callerID(r),
		InitiatorDeviceID: initiator,
		TargetKey:         req.TargetKey,
		TTL:               ttl,
	})
	if err != nil {
		writeError(w, err)
		metrics.DeviceLinkOperationsTotal.WithLabelValues("start", "failure").Inc()
		slog.Warn("link start failed", "error", err, "request_id", reqID)
		return
	}
	metrics.DeviceLinkOperationsTotal.WithLabelValues("start", "success").Inc()
	slog.Info("link started", "token_id", res.TokenID, "request_id", reqID)
	writeJSON(w, http.StatusCreated, res)
}

type uploadBundleRequest struct {
	TokenID     uuid.UUID `json:"token_id"`
	TokenSecret string    `json:"token_secret"`
	BundleB64   string    `json:"bundle_b64"`
}

// POST /devices/link/bundle
func (h *Handler) uploadBundle(w http.ResponseWriter, r *http.Request) {
	reqID := obsmw.RequestIDFromContext(r.Context())
	var req uploadBundleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errInvalid("body"))
		metrics.DeviceLinkOperationsTotal.WithLabelValues("bundle", "failure").Inc()
		return
	}
	err := h.svc.UploadBundle(r.Context(), service.UploadBundleInput{
		TokenID:     req.TokenID,
		TokenSecret: req.TokenSecret,
		BundleB64:   req.BundleB64,
	})
	if err != nil {
		writeError(w, err)
		metrics.DeviceLinkOperationsTotal.WithLabelValues("bundle", "failure").Inc()
		slog.Warn("bundle upload failed", "error", err, "token_id", req.TokenID, "request_id", reqID)
		return
	}
	metrics.DeviceLinkOperationsTotal.WithLabelValues("bundle", "success").Inc()
	slog.Info("bundle uploaded", "token_id", req.TokenID, "request_id", reqID)
	w.WriteHeader(http.StatusNoContent)
}

type claimBundleRequest struct {
	TokenID     uuid.UUID `json:"token_id"`
	TokenSecret string    `json:"token_secret"`
}

// POST /devices/link/claim
func (h *Handler) claimBundle(w http.ResponseWriter, r *http.Request) {
	reqID := obsmw.RequestIDFromContext(r.Context())
	var req claimBundleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errInvalid("body"))
		metrics.DeviceLinkOperationsTotal.WithLabelValues("claim", "failure").Inc()
		return
	}
	res, err := h.svc.ClaimBundle(r.Context(), req.TokenID, req.TokenSecret)
	if err != nil {
		writeError(w, err)
		metrics.DeviceLinkOperationsTotal.WithLabelValues("claim", "failure").Inc()
		slog.Warn("bundle claim failed", "error", err, "token_id", req.TokenID, "request_id", reqID)
		return
	}
	metrics.DeviceLinkOperationsTotal.WithLabelValues("claim", "success").Inc()
	slog.Info("bundle claimed", "token_id", res.TokenID, "request_id", reqID)
	writeJSON(w, http.StatusOK, res)
}

func errInvalid(field string) error {
	return &fieldError{base: service.ErrInvalidRequest, field: field}
}

func errForbidden(msg string) error {
	return &fieldError{base: service.ErrForbidden, field: msg}
}

type fieldError struct {
	base  error
	field string
}

func (e *fieldError) Error() string { return e.base.Error() + ": " + e.field }
func (e *fieldError) Unwrap() error { return e.base }
