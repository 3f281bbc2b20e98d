// ABOUTME: Access-status resolution and session verification for the gate
// ABOUTME: Storage failures surface as serviceError, never as "no owner"

package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/warden-gate/internal/api"
	"github.com/2389/warden-gate/internal/store"
)

func boolPtr(b bool) *bool { return &b }

// CheckAccess resolves the access state for a device. When storage fails the
// owner fields stay unknown and ServiceError is set; callers must not treat
// that as an invitation to register.
func (s *Service) CheckAccess(ctx context.Context, deviceID string) *api.AccessStatus {
	owner, err := s.store.GetOwner(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return &api.AccessStatus{
			HasOwner:      boolPtr(false),
			IsOwnerDevice: boolPtr(false),
		}
	}
	if err != nil {
		s.logger.Error("failed to resolve owner", "error", err)
		return &api.AccessStatus{ServiceError: true}
	}

	creds, err := s.store.GetCredentialsByDevice(ctx, deviceID)
	if err != nil {
		s.logger.Error("failed to load device credentials", "error", err)
		return &api.AccessStatus{ServiceError: true}
	}

	isOwnerDevice := owner.DeviceID == deviceID || len(creds) > 0
	return &api.AccessStatus{
		HasOwner:      boolPtr(true),
		IsOwnerDevice: boolPtr(isOwnerDevice),
		CanLinkDevice: !isOwnerDevice,
	}
}

// mintSession issues a session token for the device and records its jti so
// the token can be revoked.
func (s *Service) mintSession(ctx context.Context, deviceID string) (string, error) {
	token, tokenID, err := s.issuer.Mint(deviceID, s.config.SessionTTL)
	if err != nil {
		return "", fmt.Errorf("minting session token: %w", err)
	}

	now := time.Now()
	err = s.store.CreateGateSession(ctx, &store.GateSession{
		ID:        tokenID,
		DeviceID:  deviceID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.SessionTTL),
	})
	if err != nil {
		return "", fmt.Errorf("persisting session: %w", err)
	}
	return token, nil
}

// VerifySession reports whether a session token is still valid: signature,
// expiry, and a live server-side session row all have to check out.
func (s *Service) VerifySession(ctx context.Context, token string) (*api.SessionStatus, error) {
	claims, err := s.issuer.Verify(token)
	if err != nil {
		return &api.SessionStatus{Valid: false}, nil
	}

	_, err = s.store.GetGateSession(ctx, claims.TokenID)
	if errors.Is(err, store.ErrSessionNotFound) {
		return &api.SessionStatus{Valid: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up session: %w", err)
	}
	return &api.SessionStatus{Valid: true}, nil
}

// authorize validates a session token and returns the device it belongs to.
func (s *Service) authorize(ctx context.Context, token string) (string, error) {
	claims, err := s.issuer.Verify(token)
	if err != nil {
		return "", ErrInvalidSession
	}
	if _, err := s.store.GetGateSession(ctx, claims.TokenID); err != nil {
		return "", ErrInvalidSession
	}
	return claims.Subject, nil
}

// Logout revokes the session behind a token. Unknown or already-revoked
// tokens are not an error; logout is idempotent.
func (s *Service) Logout(ctx context.Context, token string) error {
	claims, err := s.issuer.Verify(token)
	if err != nil {
		return nil
	}
	if err := s.store.DeleteGateSession(ctx, claims.TokenID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("revoking session: %w", err)
	}
	return nil
}
