// ABOUTME: Passkey account management: listing, removal, lookup, and logout
// ABOUTME: Management actions require a valid session for the owning account

package passkey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/warden-gate/internal/api"
	"github.com/2389/warden-gate/internal/store"
)

// mintSession issues a session token for a passkey account. Sessions share
// the gate session table; the subject column holds the user id here.
func (s *Service) mintSession(ctx context.Context, userID string) (string, error) {
	token, tokenID, err := s.issuer.Mint(userID, s.config.SessionTTL)
	if err != nil {
		return "", fmt.Errorf("minting session token: %w", err)
	}

	now := time.Now()
	err = s.store.CreateGateSession(ctx, &store.GateSession{
		ID:        tokenID,
		DeviceID:  userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.SessionTTL),
	})
	if err != nil {
		return "", fmt.Errorf("persisting session: %w", err)
	}
	return token, nil
}

// authorize validates a session token and returns the account it belongs to.
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

// List returns the passkeys registered to the session's account.
func (s *Service) List(ctx context.Context, sessionToken string) (*api.PasskeyListResponse, error) {
	userID, err := s.authorize(ctx, sessionToken)
	if err != nil {
		return nil, err
	}

	creds, err := s.store.GetPasskeyCredentialsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}

	infos := make([]api.PasskeyInfo, len(creds))
	for i, c := range creds {
		infos[i] = api.PasskeyInfo{
			ID:        c.ID,
			CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339),
			BackedUp:  c.BackupState,
		}
		if c.LastUsedAt != nil {
			infos[i].LastUsedAt = c.LastUsedAt.UTC().Format(time.RFC3339)
		}
	}
	return &api.PasskeyListResponse{Passkeys: infos}, nil
}

// Delete removes one of the account's passkeys. The lookup is scoped to the
// session's account so no one can delete another account's credentials.
func (s *Service) Delete(ctx context.Context, sessionToken, credentialID string) error {
	userID, err := s.authorize(ctx, sessionToken)
	if err != nil {
		return err
	}

	err = s.store.DeletePasskeyCredential(ctx, userID, credentialID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	return nil
}

// CheckUser reports whether an email has an account and any passkeys, so the
// UI can choose between a register and a sign-in flow.
func (s *Service) CheckUser(ctx context.Context, email string) (*api.CheckUserResponse, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}

	user, err := s.store.GetPasskeyUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return &api.CheckUserResponse{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving user: %w", err)
	}

	creds, err := s.store.GetPasskeyCredentialsByUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}
	return &api.CheckUserResponse{Exists: true, HasPasskeys: len(creds) > 0}, nil
}

// Logout revokes the session behind a token. Idempotent; the client clears
// its local state regardless.
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
