// ABOUTME: Registration, authentication, and device-link ceremonies
// ABOUTME: Local writes are all-or-nothing: nothing persists unless the server verified

package client

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/warden-gate/internal/api"
)

// Register runs the full registration ceremony: challenge, platform
// attestation, server verification. Credential id, user id, and session
// token are only written after the server accepts; any failure leaves local
// state untouched.
func (c *Client) Register(ctx context.Context, progress chan<- ProgressEvent) error {
	if err := c.beginCeremony(); err != nil {
		return err
	}
	defer c.endCeremony()

	emit(progress, StageCheckingSupport, "checking platform support")
	if err := c.CheckSupport(ctx); err != nil {
		return err
	}

	deviceID, err := c.DeviceID()
	if err != nil {
		return err
	}

	emit(progress, StageRequesting, "requesting registration challenge")
	chal, err := c.transport.registerChallenge(ctx, deviceID)
	if err != nil {
		return err
	}

	emit(progress, StageAwaitingUser, "waiting for "+AuthenticatorLabel())
	ceremonyCtx, cancel := context.WithTimeout(ctx, ceremonyTimeout)
	defer cancel()
	credential, err := c.auth.Create(ceremonyCtx, chal.Options)
	if err != nil {
		if errors.Is(ceremonyCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: ceremony timed out", ErrCancelled)
		}
		return err
	}

	emit(progress, StageVerifying, "verifying with server")
	result, err := c.transport.register(ctx, deviceID, chal.ChallengeToken, credential)
	if err != nil {
		return err
	}
	if !result.Verified {
		return fmt.Errorf("%w: server did not verify the credential", ErrService)
	}

	if err := c.storage.Set(gatePrefix+keyCredentialID, result.CredentialID); err != nil {
		return fmt.Errorf("persisting credential id: %w", err)
	}
	if err := c.storage.Set(gatePrefix+keyUserID, result.UserID); err != nil {
		c.purgeCredential()
		return fmt.Errorf("persisting user id: %w", err)
	}
	if result.SessionToken != "" {
		if err := c.storage.Set(gatePrefix+keySessionToken, result.SessionToken); err != nil {
			return fmt.Errorf("persisting session token: %w", err)
		}
	}

	emit(progress, StageDone, "registered")
	return nil
}

// Authenticate runs the unlock ceremony. If the server no longer knows this
// device's credential, the stale local reference is purged and
// ErrInvalidState is returned so the caller can route to re-registration.
func (c *Client) Authenticate(ctx context.Context, progress chan<- ProgressEvent) error {
	if err := c.beginCeremony(); err != nil {
		return err
	}
	defer c.endCeremony()

	emit(progress, StageCheckingSupport, "checking platform support")
	if err := c.CheckSupport(ctx); err != nil {
		return err
	}

	deviceID, err := c.DeviceID()
	if err != nil {
		return err
	}

	emit(progress, StageRequesting, "requesting authentication challenge")
	chal, err := c.transport.authChallenge(ctx, deviceID)
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			c.purgeCredential()
		}
		return err
	}

	emit(progress, StageAwaitingUser, "waiting for "+AuthenticatorLabel())
	ceremonyCtx, cancel := context.WithTimeout(ctx, ceremonyTimeout)
	defer cancel()
	credential, err := c.auth.Get(ceremonyCtx, chal.Options)
	if err != nil {
		if errors.Is(ceremonyCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: ceremony timed out", ErrCancelled)
		}
		return err
	}

	emit(progress, StageVerifying, "verifying with server")
	result, err := c.transport.verify(ctx, deviceID, chal.ChallengeToken, credential)
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			c.purgeCredential()
		}
		return err
	}
	if !result.Verified {
		return fmt.Errorf("%w: server did not verify the assertion", ErrService)
	}

	if err := c.storage.Set(gatePrefix+keySessionToken, result.SessionToken); err != nil {
		return fmt.Errorf("persisting session token: %w", err)
	}

	emit(progress, StageDone, "authenticated")
	return nil
}

// CreateDeviceLink mints a single-use code for linking another device. The
// session must be valid; the code is shown once and never retrievable again.
func (c *Client) CreateDeviceLink(ctx context.Context) (*api.DeviceLinkResponse, error) {
	token := c.SessionToken()
	if token == "" {
		return nil, fmt.Errorf("%w: no session", ErrInvalidState)
	}
	return c.transport.createDeviceLink(ctx, token)
}

// ClaimDeviceLink redeems a link code on this device, opening its
// registration window. The code is normalized before sending, so users can
// type it in either case. Failures are surfaced verbatim, never retried.
func (c *Client) ClaimDeviceLink(ctx context.Context, code string) error {
	deviceID, err := c.DeviceID()
	if err != nil {
		return err
	}

	code = strings.ToUpper(strings.TrimSpace(code))
	result, err := c.transport.claimDeviceLink(ctx, deviceID, code)
	if err != nil {
		return err
	}
	if !result.Claimed {
		return fmt.Errorf("%w: claim was not accepted", ErrService)
	}
	return nil
}
