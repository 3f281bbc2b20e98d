// ABOUTME: Passkey registration ceremony for email-identified accounts
// ABOUTME: Requires discoverable credentials so login can be username-less

package passkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/2389/warden-gate/internal/api"
	"github.com/2389/warden-gate/internal/challenge"
	"github.com/2389/warden-gate/internal/codec"
	"github.com/2389/warden-gate/internal/store"
)

// resolveUser finds the account for an email, or stages a fresh user id for
// one that does not exist yet. Nothing is persisted until the ceremony
// completes.
func (s *Service) resolveUser(ctx context.Context, email string) (*passkeyUser, bool, error) {
	user, err := s.store.GetPasskeyUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		id, err := codec.RandomHex(16)
		if err != nil {
			return nil, false, fmt.Errorf("generating user id: %w", err)
		}
		return &passkeyUser{id: id, email: email}, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("resolving user: %w", err)
	}

	creds, err := s.store.GetPasskeyCredentialsByUser(ctx, user.ID)
	if err != nil {
		return nil, false, fmt.Errorf("loading credentials: %w", err)
	}
	return &passkeyUser{id: user.ID, email: email, creds: creds}, false, nil
}

// BeginRegistration starts a passkey registration ceremony for an email.
func (s *Service) BeginRegistration(ctx context.Context, email string) (*api.PasskeyStartResponse, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}

	user, _, err := s.resolveUser(ctx, email)
	if err != nil {
		return nil, err
	}

	exclusions := make([]protocol.CredentialDescriptor, len(user.creds))
	for i, c := range user.creds {
		exclusions[i] = protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: c.CredentialID,
		}
	}

	options, sessionData, err := s.webauthn.BeginRegistration(user,
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementRequired,
			UserVerification: protocol.VerificationRequired,
		}),
		webauthn.WithCredentialParameters([]protocol.CredentialParameter{
			{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgES256},
			{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgRS256},
		}),
		webauthn.WithExclusions(exclusions),
	)
	if err != nil {
		return nil, fmt.Errorf("beginning registration: %w", err)
	}

	sessionID, err := codec.RandomToken(32)
	if err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}
	err = s.challenges.Put(ctx, sessionID, &challenge.Record{
		Kind:    challenge.KindPasskeyRegister,
		Subject: email,
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

// CompleteRegistration verifies the attestation and persists the account and
// credential together. A failed verification persists nothing.
func (s *Service) CompleteRegistration(ctx context.Context, email, sessionID string, response []byte) (*api.PasskeyCompleteResponse, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}

	rec, ok := s.challenges.Take(ctx, sessionID)
	if !ok || rec.Kind != challenge.KindPasskeyRegister || rec.Subject != email {
		return nil, ErrInvalidChallenge
	}
	userID := string(rec.Session.UserID)

	parsed, err := s.parser.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		s.logger.Error("failed to parse attestation response", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrCeremonyFailed, err)
	}

	var creds []*store.PasskeyCredential
	existing, err := s.store.GetPasskeyUserByEmail(ctx, email)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// New account, created below once the ceremony verifies.
	case err != nil:
		return nil, fmt.Errorf("resolving user: %w", err)
	default:
		if existing.ID != userID {
			return nil, ErrInvalidChallenge
		}
		creds, err = s.store.GetPasskeyCredentialsByUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("loading credentials: %w", err)
		}
	}

	user := &passkeyUser{id: userID, email: email, creds: creds}
	credential, err := s.webauthn.CreateCredential(user, rec.Session, parsed)
	if err != nil {
		s.logger.Error("failed to verify attestation", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrCeremonyFailed, err)
	}

	if existing == nil {
		err = s.store.CreatePasskeyUser(ctx, &store.PasskeyUser{
			ID:        userID,
			Email:     email,
			CreatedAt: time.Now(),
		})
		if err != nil {
			return nil, fmt.Errorf("creating user: %w", err)
		}
	}

	if err := s.storeCredential(ctx, userID, credential); err != nil {
		return nil, err
	}

	token, err := s.mintSession(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("passkey registered", "user_id", userID)
	return &api.PasskeyCompleteResponse{
		Verified:     true,
		SessionToken: token,
		Email:        email,
	}, nil
}

func (s *Service) storeCredential(ctx context.Context, userID string, cred *webauthn.Credential) error {
	credID, err := codec.RandomHex(16)
	if err != nil {
		return fmt.Errorf("generating credential id: %w", err)
	}

	transportsJSON, err := json.Marshal(cred.Transport)
	if err != nil {
		return fmt.Errorf("encoding transports: %w", err)
	}

	err = s.store.CreatePasskeyCredential(ctx, &store.PasskeyCredential{
		ID:              credID,
		UserID:          userID,
		CredentialID:    cred.ID,
		PublicKey:       cred.PublicKey,
		AttestationType: cred.AttestationType,
		Transports:      string(transportsJSON),
		SignCount:       cred.Authenticator.SignCount,
		BackupEligible:  cred.Flags.BackupEligible,
		BackupState:     cred.Flags.BackupState,
		CreatedAt:       time.Now(),
	})
	if err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}
	return nil
}
