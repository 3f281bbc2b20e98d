// ABOUTME: Registration ceremony for the owner-lock flow
// ABOUTME: First registration claims ownership; later ones require link eligibility

package gate

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

// registrationUser resolves who a registering device would be registering as.
// With no owner on record any device may claim ownership under a fresh user
// id; once an owner exists only devices inside a link-eligibility window may
// add a credential, and they register under the owner's user id.
func (s *Service) registrationUser(ctx context.Context, deviceID string) (string, []*store.Credential, error) {
	owner, err := s.store.GetOwner(ctx)
	if errors.Is(err, store.ErrNotFound) {
		userID, err := codec.RandomHex(16)
		if err != nil {
			return "", nil, fmt.Errorf("generating user id: %w", err)
		}
		return userID, nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("resolving owner: %w", err)
	}

	device, err := s.store.GetDevice(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, ErrLocked
	}
	if err != nil {
		return "", nil, fmt.Errorf("resolving device: %w", err)
	}
	if device.EligibleUntil == nil || time.Now().After(*device.EligibleUntil) {
		return "", nil, ErrLocked
	}

	creds, err := s.store.GetCredentialsByDevice(ctx, deviceID)
	if err != nil {
		return "", nil, fmt.Errorf("loading credentials: %w", err)
	}
	return owner.UserID, creds, nil
}

// BeginRegister starts a registration ceremony for a device and returns the
// creation options plus a single-use challenge token.
func (s *Service) BeginRegister(ctx context.Context, deviceID string) (*api.ChallengeResponse, error) {
	userID, existing, err := s.registrationUser(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	user := &gateUser{userID: userID, creds: existing}
	options, sessionData, err := s.webauthn.BeginRegistration(user,
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			AuthenticatorAttachment: protocol.Platform,
			UserVerification:        protocol.VerificationRequired,
		}),
		webauthn.WithCredentialParameters([]protocol.CredentialParameter{
			{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgES256},
			{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgRS256},
		}),
		webauthn.WithExclusions(exclusionList(existing)),
	)
	if err != nil {
		return nil, fmt.Errorf("beginning registration: %w", err)
	}

	token, err := codec.RandomToken(32)
	if err != nil {
		return nil, fmt.Errorf("generating challenge token: %w", err)
	}
	err = s.challenges.Put(ctx, token, &challenge.Record{
		Kind:    challenge.KindRegister,
		Subject: deviceID,
		Session: *sessionData,
	})
	if err != nil {
		return nil, fmt.Errorf("storing challenge: %w", err)
	}

	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("encoding options: %w", err)
	}

	return &api.ChallengeResponse{
		ChallengeToken: token,
		Options:        optionsJSON,
		UserID:         userID,
	}, nil
}

// FinishRegister verifies an attestation response and records the credential.
// If two devices race to become owner, the store's singleton constraint picks
// the winner and the loser gets ErrOwnerExists with nothing persisted.
func (s *Service) FinishRegister(ctx context.Context, deviceID, challengeToken string, response []byte) (*api.VerifyResponse, error) {
	rec, ok := s.challenges.Take(ctx, challengeToken)
	if !ok || rec.Kind != challenge.KindRegister || rec.Subject != deviceID {
		return nil, ErrInvalidChallenge
	}
	userID := string(rec.Session.UserID)

	parsed, err := s.parser.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		s.logger.Error("failed to parse attestation response", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrCeremonyFailed, err)
	}

	existing, err := s.store.GetCredentialsByDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}
	user := &gateUser{userID: userID, creds: existing}

	credential, err := s.webauthn.CreateCredential(user, rec.Session, parsed)
	if err != nil {
		s.logger.Error("failed to verify attestation", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrCeremonyFailed, err)
	}

	owner, err := s.store.GetOwner(ctx)
	linkRegistered := false
	switch {
	case errors.Is(err, store.ErrNotFound):
		err = s.store.CreateOwner(ctx, &store.Owner{
			UserID:    userID,
			DeviceID:  deviceID,
			CreatedAt: time.Now(),
		})
		if err != nil {
			// Lost the race; nothing has been persisted for this device.
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("resolving owner: %w", err)
	default:
		if owner.UserID != userID {
			return nil, ErrInvalidChallenge
		}
		linkRegistered = true
	}

	credID, err := s.storeCredential(ctx, deviceID, userID, credential)
	if err != nil {
		return nil, err
	}

	// The eligibility window is consumed only once the credential is on disk,
	// so a failed insert leaves the device able to retry with its link.
	if linkRegistered {
		if err := s.store.MarkDeviceRegistered(ctx, deviceID); err != nil {
			return nil, fmt.Errorf("marking device registered: %w", err)
		}
	}

	sessionToken, err := s.mintSession(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("device registered", "device_id", deviceID, "credential_id", credID)
	return &api.VerifyResponse{
		Verified:     true,
		SessionToken: sessionToken,
		UserID:       userID,
		CredentialID: codec.ToBase64URL(credential.ID),
	}, nil
}

// storeCredential persists a verified webauthn credential.
func (s *Service) storeCredential(ctx context.Context, deviceID, userID string, cred *webauthn.Credential) (string, error) {
	credID, err := codec.RandomHex(16)
	if err != nil {
		return "", fmt.Errorf("generating credential id: %w", err)
	}

	transportsJSON, err := json.Marshal(cred.Transport)
	if err != nil {
		return "", fmt.Errorf("encoding transports: %w", err)
	}

	err = s.store.CreateCredential(ctx, &store.Credential{
		ID:              credID,
		DeviceID:        deviceID,
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
		return "", fmt.Errorf("storing credential: %w", err)
	}
	return credID, nil
}
