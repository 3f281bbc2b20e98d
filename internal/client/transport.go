// ABOUTME: HTTP transport for the auth endpoints with strict response decoding
// ABOUTME: Malformed or failed responses become typed errors, never nil data

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/2389/warden-gate/internal/api"
)

const (
	pathAuthenticate        = "/api/biometric-authenticate"
	pathRegister            = "/api/biometric-register"
	pathPasskeyRegister     = "/api/passkey-register"
	pathPasskeyAuthenticate = "/api/passkey-authenticate"
)

// transport issues action requests and decodes the discriminated responses.
type transport struct {
	baseURL string
	client  *http.Client
}

func newTransport(baseURL string, client *http.Client) *transport {
	if client == nil {
		client = http.DefaultClient
	}
	return &transport{baseURL: baseURL, client: client}
}

// post sends an action envelope and decodes a success body into out.
// Network failures and 5xx responses map to ErrService; other failures map
// to the typed error for their machine code.
func (t *transport) post(ctx context.Context, path string, reqBody, out any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrService, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrService, err)
	}

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp.StatusCode, body)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: malformed response: %v", ErrService, err)
	}
	return nil
}

// decodeError maps a non-2xx reply onto the client error taxonomy.
func decodeError(status int, body []byte) error {
	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Code == "" {
		if status >= 500 {
			return fmt.Errorf("%w: server returned %d", ErrService, status)
		}
		return fmt.Errorf("%w: malformed error response (%d)", ErrService, status)
	}

	switch errResp.Code {
	case api.CodeLocked, api.CodeOwnerExists:
		return fmt.Errorf("%w: %s", ErrLocked, errResp.Error)
	case api.CodeUnknownCredential:
		return fmt.Errorf("%w: %s", ErrInvalidState, errResp.Error)
	case api.CodeServiceUnavailable:
		return fmt.Errorf("%w: %s", ErrService, errResp.Error)
	default:
		// Link conflicts, validation failures, and the like carry their
		// server message; callers surface it rather than retrying.
		return fmt.Errorf("%s (%s)", errResp.Error, errResp.Code)
	}
}

func (t *transport) checkAccess(ctx context.Context, deviceID string) (*api.AccessStatus, error) {
	var status api.AccessStatus
	err := t.post(ctx, pathAuthenticate, api.GateRequest{
		Action:   api.ActionCheckAccess,
		DeviceID: deviceID,
	}, &status)
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func (t *transport) authChallenge(ctx context.Context, deviceID string) (*api.ChallengeResponse, error) {
	var resp api.ChallengeResponse
	err := t.post(ctx, pathAuthenticate, api.GateRequest{
		Action:   api.ActionGetChallenge,
		DeviceID: deviceID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *transport) verify(ctx context.Context, deviceID, challengeToken string, credential json.RawMessage) (*api.VerifyResponse, error) {
	var resp api.VerifyResponse
	err := t.post(ctx, pathAuthenticate, api.GateRequest{
		Action:         api.ActionVerify,
		DeviceID:       deviceID,
		ChallengeToken: challengeToken,
		Credential:     credential,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *transport) verifySession(ctx context.Context, token string) (*api.SessionStatus, error) {
	var resp api.SessionStatus
	err := t.post(ctx, pathAuthenticate, api.GateRequest{
		Action:       api.ActionVerifySession,
		SessionToken: token,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *transport) createDeviceLink(ctx context.Context, sessionToken string) (*api.DeviceLinkResponse, error) {
	var resp api.DeviceLinkResponse
	err := t.post(ctx, pathAuthenticate, api.GateRequest{
		Action:       api.ActionCreateLink,
		SessionToken: sessionToken,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *transport) claimDeviceLink(ctx context.Context, deviceID, code string) (*api.ClaimLinkResponse, error) {
	var resp api.ClaimLinkResponse
	err := t.post(ctx, pathAuthenticate, api.GateRequest{
		Action:   api.ActionClaimLink,
		DeviceID: deviceID,
		Code:     code,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *transport) logout(ctx context.Context, token string) error {
	return t.post(ctx, pathAuthenticate, api.GateRequest{
		Action:       api.ActionLogout,
		SessionToken: token,
	}, nil)
}

func (t *transport) registerChallenge(ctx context.Context, deviceID string) (*api.ChallengeResponse, error) {
	var resp api.ChallengeResponse
	err := t.post(ctx, pathRegister, api.GateRequest{
		Action:   api.ActionGetChallenge,
		DeviceID: deviceID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *transport) register(ctx context.Context, deviceID, challengeToken string, credential json.RawMessage) (*api.VerifyResponse, error) {
	var resp api.VerifyResponse
	err := t.post(ctx, pathRegister, api.GateRequest{
		Action:         api.ActionRegister,
		DeviceID:       deviceID,
		ChallengeToken: challengeToken,
		Credential:     credential,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *transport) passkeyStartRegister(ctx context.Context, email string) (*api.PasskeyStartResponse, error) {
	var resp api.PasskeyStartResponse
	err := t.post(ctx, pathPasskeyRegister, api.PasskeyRequest{
		Action: api.ActionStart,
		Email:  email,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *transport) passkeyCompleteRegister(ctx context.Context, email, sessionID string, credential json.RawMessage) (*api.PasskeyCompleteResponse, error) {
	var resp api.PasskeyCompleteResponse
	err := t.post(ctx, pathPasskeyRegister, api.PasskeyRequest{
		Action:     api.ActionComplete,
		Email:      email,
		SessionID:  sessionID,
		Credential: credential,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *transport) passkeyStartLogin(ctx context.Context, conditional bool) (*api.PasskeyStartResponse, error) {
	action := api.ActionStart
	if conditional {
		action = api.ActionStartConditional
	}
	var resp api.PasskeyStartResponse
	err := t.post(ctx, pathPasskeyAuthenticate, api.PasskeyRequest{Action: action}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *transport) passkeyCompleteLogin(ctx context.Context, sessionID string, credential json.RawMessage) (*api.PasskeyCompleteResponse, error) {
	var resp api.PasskeyCompleteResponse
	err := t.post(ctx, pathPasskeyAuthenticate, api.PasskeyRequest{
		Action:     api.ActionComplete,
		SessionID:  sessionID,
		Credential: credential,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *transport) passkeyList(ctx context.Context, sessionToken string) (*api.PasskeyListResponse, error) {
	var resp api.PasskeyListResponse
	err := t.post(ctx, pathPasskeyAuthenticate, api.PasskeyRequest{
		Action:       api.ActionList,
		SessionToken: sessionToken,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *transport) passkeyDelete(ctx context.Context, sessionToken, credentialID string) error {
	return t.post(ctx, pathPasskeyAuthenticate, api.PasskeyRequest{
		Action:       api.ActionDelete,
		SessionToken: sessionToken,
		CredentialID: credentialID,
	}, nil)
}

func (t *transport) passkeyCheckUser(ctx context.Context, email string) (*api.CheckUserResponse, error) {
	var resp api.CheckUserResponse
	err := t.post(ctx, pathPasskeyAuthenticate, api.PasskeyRequest{
		Action: api.ActionCheckUser,
		Email:  email,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *transport) passkeyLogout(ctx context.Context, sessionToken string) error {
	return t.post(ctx, pathPasskeyAuthenticate, api.PasskeyRequest{
		Action:       api.ActionLogout,
		SessionToken: sessionToken,
	}, nil)
}
