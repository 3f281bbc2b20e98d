// ABOUTME: HTTP handlers for the passkey action endpoints
// ABOUTME: Same envelope convention as the owner-lock endpoints

package passkey

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/2389/warden-gate/internal/api"
)

// Handler exposes the passkey service over HTTP.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler wraps a Service for HTTP serving.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service: service,
		logger:  slog.Default().With("component", "passkey-http"),
	}
}

// RegisterRoutes attaches the passkey endpoints to a mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/passkey-register", h.handleRegister)
	mux.HandleFunc("POST /api/passkey-authenticate", h.handleAuthenticate)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusServiceUnavailable
	code := api.CodeServiceUnavailable

	switch {
	case errors.Is(err, ErrInvalidEmail):
		status, code = http.StatusBadRequest, api.CodeInvalidRequest
	case errors.Is(err, ErrInvalidChallenge), errors.Is(err, ErrCeremonyFailed):
		status, code = http.StatusBadRequest, api.CodeInvalidRequest
	case errors.Is(err, ErrUnknownCredential):
		status, code = http.StatusUnauthorized, api.CodeUnknownCredential
	case errors.Is(err, ErrInvalidSession):
		status, code = http.StatusUnauthorized, api.CodeUnauthorized
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, api.CodeNotFound
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

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req api.PasskeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadRequest(w, "invalid request body")
		return
	}

	switch req.Action {
	case api.ActionStart:
		if req.Email == "" {
			h.writeBadRequest(w, "email is required")
			return
		}
		resp, err := h.service.BeginRegistration(r.Context(), req.Email)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, resp)

	case api.ActionComplete:
		if req.Email == "" || req.SessionID == "" || len(req.Credential) == 0 {
			h.writeBadRequest(w, "email, sessionId, and credential are required")
			return
		}
		resp, err := h.service.CompleteRegistration(r.Context(), req.Email, req.SessionID, req.Credential)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, resp)

	default:
		h.writeBadRequest(w, "unknown action")
	}
}

func (h *Handler) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req api.PasskeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadRequest(w, "invalid request body")
		return
	}

	switch req.Action {
	case api.ActionStart, api.ActionStartConditional:
		resp, err := h.service.BeginLogin(r.Context(), req.Action == api.ActionStartConditional)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, resp)

	case api.ActionComplete:
		if req.SessionID == "" || len(req.Credential) == 0 {
			h.writeBadRequest(w, "sessionId and credential are required")
			return
		}
		resp, err := h.service.CompleteLogin(r.Context(), req.SessionID, req.Credential)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, resp)

	case api.ActionList:
		resp, err := h.service.List(r.Context(), req.SessionToken)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, resp)

	case api.ActionDelete:
		if req.CredentialID == "" {
			h.writeBadRequest(w, "credentialId is required")
			return
		}
		if err := h.service.Delete(r.Context(), req.SessionToken, req.CredentialID); err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, api.OKResponse{OK: true})

	case api.ActionCheckUser:
		if req.Email == "" {
			h.writeBadRequest(w, "email is required")
			return
		}
		resp, err := h.service.CheckUser(r.Context(), req.Email)
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
