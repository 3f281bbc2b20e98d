// ABOUTME: Discoverable passkey login, both modal and conditional (autofill)
// ABOUTME: The credential itself identifies the account; no email is asked for

package passkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/2389/warden-gate/internal/api"
	"github.com/2389/warden-gate/internal/challenge"
	"github.com/2389/warden-gate/internal/codec"
	"github.com/2389/warden-gate/internal/store"
)

// BeginLogin starts a discoverable login ceremony. Conditional mode stretches
// the timeout so the autofill prompt can sit in a form field.
func (s *Service) BeginLogin(ctx context.Context, conditional bool) (*api.PasskeyStartResponse, error) {
	options, sessionData, err := s.webauthn.BeginDiscoverableLogin(
		webauthn.WithUserVerification(protocol.VerificationRequired),
	)
	if err != nil {
		return nil, fmt.Errorf("beginning login: %w", err)
	}

	kind := challenge.KindPasskeyLogin
	if conditional {
		kind = challenge.KindPasskeyCondition
		options.Response.Timeout = int(conditionalTimeout.Milliseconds())
	}

	sessionID, err := codec.RandomToken(32)
	if err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}
	err = s.challenges.Put(ctx, sessionID, &challenge.Record{
		Kind:    kind,
		Session: *sessionData,
	})
	if err != nil {
		return nil, fmt.Errorf("storing challenge: %w", err)
	}

	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("encoding options: %w", err)
	}

	return &api.PasskeyStartResponse{SessionID: sessionID, Options: optionsJSON}, nil
}

// CompleteLogin verifies a discoverable assertion and mints a session for the
// account the credential belongs to.
func (s *Service) CompleteLogin(ctx context.Context, sessionID string, response []byte) (*api.PasskeyCompleteResponse, error) {
	rec, ok := s.challenges.Take(ctx, sessionID)
	if !ok || (rec.Kind != challenge.KindPasskeyLogin && rec.Kind != challenge.KindPasskeyCondition) {
		return nil, ErrInvalidChallenge
	}

	parsed, err := s.parser.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		s.logger.Error("failed to parse assertion response", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrCeremonyFailed, err)
	}

	var (
		stored  *store.PasskeyCredential
		account *store.PasskeyUser
	)
	finder := func(rawID, userHandle []byte) (webauthn.User, error) {
		cred, err := s.store.GetPasskeyCredentialByCredentialID(ctx, rawID)
		if err != nil {
			return nil, err
		}
		user, err := s.store.GetPasskeyUser(ctx, cred.UserID)
		if err != nil {
			return nil, err
		}
		if len(userHandle) > 0 && string(userHandle) != user.ID {
			return nil, errors.New("user handle mismatch")
		}
		creds, err := s.store.GetPasskeyCredentialsByUser(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		stored, account = cred, user
		return &passkeyUser{id: user.ID, email: user.Email, creds: creds}, nil
	}

	credential, err := s.webauthn.ValidateDiscoverableLogin(finder, rec.Session, parsed)
	if err != nil {
		if stored == nil {
			return nil, ErrUnknownCredential
		}
		s.logger.Error("failed to validate assertion", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrCeremonyFailed, err)
	}

	if err := s.store.UpdatePasskeyCredentialSignCount(ctx, stored.ID, credential.Authenticator.SignCount); err != nil {
		s.logger.Warn("failed to update sign count", "error", err)
	}

	token, err := s.mintSession(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("passkey login successful", "user_id", account.ID)
	return &api.PasskeyCompleteResponse{
		Verified:     true,
		SessionToken: token,
		Email:        account.Email,
	}, nil
}
