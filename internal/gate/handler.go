// ABOUTME: HTTP handlers for the owner-lock action endpoints
// ABOUTME: JSON envelopes with an action discriminator, errors carry machine codes

package gate

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/2389/warden-gate/internal/api"
	"github.com/2389/warden-gate/internal/store"
)

// Handler exposes the gate service over HTTP.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler wraps a Service for HTTP serving.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service: service,
		logger:  slog.Default().With("component", "gate-http"),
	}
}

// RegisterRoutes attaches the gate endpoints to a mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/biometric-authenticate", h.handleAuthenticate)
	mux.HandleFunc("POST /api/biometric-register", h.handleRegister)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to encode response", "error", err)
	}
}

// writeError maps service errors to HTTP status and machine codes. Anything
// unrecognized is a service error: the client must show "service unavailable"
// rather than "no owner" so outages never unlock registration.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusServiceUnavailable
	code := api.CodeServiceUnavailable

	switch {
	case errors.Is(err, ErrLocked):
		status, code = http.StatusForbidden, api.CodeLocked
	case errors.Is(err, store.ErrOwnerExists):
		status, code = http.StatusConflict, api.CodeOwnerExists
	case errors.Is(err, ErrInvalidChallenge), errors.Is(err, ErrCeremonyFailed):
		status, code = http.StatusBadRequest, api.CodeInvalidRequest
	case errors.Is(err, ErrUnknownCredential):
		status, code = http.StatusUnauthorized, api.CodeUnknownCredential
	case errors.Is(err, ErrInvalidSession):
		status, code = http.StatusUnauthorized, api.CodeUnauthorized
	case errors.Is(err, ErrLinkNotFound):
		status, code = http.StatusNotFound, api.CodeLinkInvalid
	case errors.Is(err, store.ErrLinkClaimed):
		status, code = http.StatusConflict, api.CodeLinkClaimed
	case errors.Is(err, store.ErrLinkExpired):
		status, code = http.StatusGone, api.CodeLinkExpired
	default:
		h.logger.Error("request failed", "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(api.ErrorResponse{Error: err.Error(), Code: code}); encErr != nil {
		h.logger.Debug("failed to encode error response", "error", encErr)
	}
}

func (h *Handler) writeBadRequest(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: msg, Code: api.CodeInvalidRequest})
}

func (h *Handler) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req api.GateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadRequest(w, "invalid request body")
		return
	}

	switch req.Action {
	case api.ActionCheckAccess:
		if req.DeviceID == "" {
			h.writeBadRequest(w, "deviceId is required")
			return
		}
		h.writeJSON(w, h.service.CheckAccess(r.Context(), req.DeviceID))

	case api.ActionGetChallenge:
		if req.DeviceID == "" {
			h.writeBadRequest(w, "deviceId is required")
			return
		}
		resp, err := h.service.BeginAuthenticate(r.Context(), req.DeviceID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, resp)

	case api.ActionVerify:
		if req.DeviceID == "" || req.ChallengeToken == "" || len(req.Credential) == 0 {
			h.writeBadRequest(w, "deviceId, challengeToken, and credential are required")
			return
		}
		resp, err := h.service.FinishAuthenticate(r.Context(), req.DeviceID, req.ChallengeToken, req.Credential)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, resp)

	case api.ActionVerifySession:
		if req.SessionToken == "" {
			h.writeJSON(w, &api.SessionStatus{Valid: false})
			return
		}
		resp, err := h.service.VerifySession(r.Context(), req.SessionToken)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, resp)

	case api.ActionCreateLink:
		resp, err := h.service.CreateDeviceLink(r.Context(), req.SessionToken)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, resp)

	case api.ActionClaimLink:
		if req.DeviceID == "" || req.Code == "" {
			h.writeBadRequest(w, "deviceId and code are required")
			return
		}
		resp, err := h.service.ClaimDeviceLink(r.Context(), req.DeviceID, req.Code)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, resp)

	case api.ActionLogout:
		if err := h.service.Logout(r.Context(), req.SessionToken); err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, api.OKResponse{OK: true})

	default:
		h.writeBadRequest(w, "unknown action")
	}
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req api.GateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadRequest(w, "invalid request body")
		return
	}

	switch req.Action {
	case api.ActionGetChallenge:
		if req.DeviceID == "" {
			h.writeBadRequest(w, "deviceId is required")
			return
		}
		resp, err := h.service.BeginRegister(r.Context(), req.DeviceID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, resp)

	case api.ActionRegister:
		if req.DeviceID == "" || req.ChallengeToken == "" || len(req.Credential) == 0 {
			h.writeBadRequest(w, "deviceId, challengeToken, and credential are required")
			return
		}
		resp, err := h.service.FinishRegister(r.Context(), req.DeviceID, req.ChallengeToken, req.Credential)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, resp)

	default:
		h.writeBadRequest(w, "unknown action")
	}
}
