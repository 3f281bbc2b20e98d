// ABOUTME: Authentication ceremony for the owner-lock flow
// ABOUTME: Assertion verification against the device's stored credentials

package gate

import (
	"bytes"
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

// BeginAuthenticate starts an assertion ceremony for a device. Devices with
// no stored credential get ErrUnknownCredential so the client can purge any
// stale local credential reference.
func (s *Service) BeginAuthenticate(ctx context.Context, deviceID string) (*api.ChallengeResponse, error) {
	creds, err := s.store.GetCredentialsByDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}
	if len(creds) == 0 {
		return nil, ErrUnknownCredential
	}

	user := &gateUser{userID: creds[0].UserID, creds: creds}
	options, sessionData, err := s.webauthn.BeginLogin(user,
		webauthn.WithUserVerification(protocol.VerificationRequired),
	)
	if err != nil {
		return nil, fmt.Errorf("beginning login: %w", err)
	}

	token, err := codec.RandomToken(32)
	if err != nil {
		return nil, fmt.Errorf("generating challenge token: %w", err)
	}
	err = s.challenges.Put(ctx, token, &challenge.Record{
		Kind:    challenge.KindAuthenticate,
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

	return &api.ChallengeResponse{ChallengeToken: token, Options: optionsJSON}, nil
}

// FinishAuthenticate verifies an assertion response and mints a session.
func (s *Service) FinishAuthenticate(ctx context.Context, deviceID, challengeToken string, response []byte) (*api.VerifyResponse, error) {
	rec, ok := s.challenges.Take(ctx, challengeToken)
	if !ok || rec.Kind != challenge.KindAuthenticate || rec.Subject != deviceID {
		return nil, ErrInvalidChallenge
	}

	parsed, err := s.parser.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		s.logger.Error("failed to parse assertion response", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrCeremonyFailed, err)
	}

	stored, err := s.store.GetCredentialByCredentialID(ctx, parsed.RawID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownCredential
	}
	if err != nil {
		return nil, fmt.Errorf("looking up credential: %w", err)
	}
	if stored.DeviceID != deviceID {
		return nil, ErrUnknownCredential
	}

	creds, err := s.store.GetCredentialsByDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}
	user := &gateUser{userID: stored.UserID, creds: creds}

	credential, err := s.webauthn.ValidateLogin(user, rec.Session, parsed)
	if err != nil {
		s.logger.Error("failed to validate assertion", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrCeremonyFailed, err)
	}
	if !bytes.Equal(credential.ID, stored.CredentialID) {
		return nil, ErrUnknownCredential
	}

	if err := s.store.UpdateCredentialSignCount(ctx, stored.ID, credential.Authenticator.SignCount); err != nil {
		s.logger.Warn("failed to update sign count", "error", err)
	}

	sessionToken, err := s.mintSession(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("device authenticated", "device_id", deviceID)
	return &api.VerifyResponse{
		Verified:     true,
		SessionToken: sessionToken,
		UserID:       stored.UserID,
	}, nil
}
