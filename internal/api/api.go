// ABOUTME: Shared wire types for the action-based auth endpoints
// ABOUTME: Request envelopes carry an action discriminator; errors carry a machine code

package api

import "encoding/json"

// Actions accepted by POST /api/biometric-authenticate.
const (
	ActionCheckAccess      = "check-access"
	ActionGetChallenge     = "get-challenge"
	ActionVerify           = "verify"
	ActionVerifySession    = "verify-session"
	ActionCreateLink       = "create-device-link"
	ActionClaimLink        = "claim-device-link"
	ActionRegister         = "register"
	ActionStart            = "start"
	ActionComplete         = "complete"
	ActionList             = "list"
	ActionDelete           = "delete"
	ActionCheckUser        = "check-user"
	ActionLogout           = "logout"
	ActionStartConditional = "start-conditional"
)

// Machine-readable error codes. Clients branch on these, not on messages.
const (
	CodeInvalidRequest     = "invalid_request"
	CodeLocked             = "locked"
	CodeOwnerExists        = "owner_exists"
	CodeUnknownCredential  = "unknown_credential"
	CodeLinkClaimed        = "link_claimed"
	CodeLinkExpired        = "link_expired"
	CodeLinkInvalid        = "link_invalid"
	CodeNotEligible        = "not_eligible"
	CodeUnauthorized       = "unauthorized"
	CodeNotFound           = "not_found"
	CodeServiceUnavailable = "service_unavailable"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// GateRequest is the envelope for both owner-lock endpoints. Fields beyond
// Action are populated per-action; unused ones stay empty.
type GateRequest struct {
	Action   string `json:"action"`
	DeviceID string `json:"deviceId,omitempty"`
	UserID   string `json:"userId,omitempty"`

	// Session token for verify-session and create-device-link.
	SessionToken string `json:"sessionToken,omitempty"`

	// Single-use challenge token returned by get-challenge, echoed back
	// with verify and register.
	ChallengeToken string `json:"challengeToken,omitempty"`

	// Raw WebAuthn ceremony response (attestation or assertion) as produced
	// by the authenticator, passed through without client-side inspection.
	Credential json.RawMessage `json:"credential,omitempty"`

	// Device-link code for claim-device-link.
	Code string `json:"code,omitempty"`
}

// AccessStatus is the check-access reply. HasOwner and IsOwnerDevice are
// pointers because a service error leaves them unknown; decision logic must
// treat nil as "unknown", never as false.
type AccessStatus struct {
	HasOwner      *bool `json:"hasOwner"`
	IsOwnerDevice *bool `json:"isOwnerDevice"`
	CanLinkDevice bool  `json:"canLinkDevice"`
	ServiceError  bool  `json:"serviceError"`
}

// ChallengeResponse carries ceremony options for the client plus the
// single-use token that binds the eventual verify/register call to them.
type ChallengeResponse struct {
	ChallengeToken string          `json:"challengeToken"`
	Options        json.RawMessage `json:"options"`
	UserID         string          `json:"userId,omitempty"`
}

// VerifyResponse is returned by verify and register on success.
type VerifyResponse struct {
	Verified     bool   `json:"verified"`
	SessionToken string `json:"sessionToken,omitempty"`
	UserID       string `json:"userId,omitempty"`
	CredentialID string `json:"credentialId,omitempty"`
}

// SessionStatus is the verify-session reply.
type SessionStatus struct {
	Valid bool `json:"valid"`
}

// DeviceLinkResponse is the create-device-link reply. The code is shown to
// the user exactly once and never stored in the clear; ExpiresIn is the
// remaining lifetime in seconds.
type DeviceLinkResponse struct {
	LinkCode  string `json:"linkCode"`
	ExpiresIn int    `json:"expiresIn"`
}

// ClaimLinkResponse is the claim-device-link reply.
type ClaimLinkResponse struct {
	Claimed bool   `json:"claimed"`
	UserID  string `json:"userId"`
}

// PasskeyRequest is the envelope for both passkey endpoints.
type PasskeyRequest struct {
	Action       string          `json:"action"`
	Email        string          `json:"email,omitempty"`
	SessionToken string          `json:"sessionToken,omitempty"`
	SessionID    string          `json:"sessionId,omitempty"`
	CredentialID string          `json:"credentialId,omitempty"`
	Credential   json.RawMessage `json:"credential,omitempty"`
}

// PasskeyStartResponse carries ceremony options for the passkey variant.
type PasskeyStartResponse struct {
	SessionID string          `json:"sessionId"`
	Options   json.RawMessage `json:"options"`
}

// PasskeyCompleteResponse is returned by complete on success.
type PasskeyCompleteResponse struct {
	Verified     bool   `json:"verified"`
	SessionToken string `json:"sessionToken,omitempty"`
	Email        string `json:"email,omitempty"`
}

// PasskeyInfo describes one registered passkey in a list reply.
type PasskeyInfo struct {
	ID         string `json:"id"`
	CreatedAt  string `json:"createdAt"`
	LastUsedAt string `json:"lastUsedAt,omitempty"`
	BackedUp   bool   `json:"backedUp"`
}

// PasskeyListResponse is the list reply.
type PasskeyListResponse struct {
	Passkeys []PasskeyInfo `json:"passkeys"`
}

// CheckUserResponse is the check-user reply.
type CheckUserResponse struct {
	Exists      bool `json:"exists"`
	HasPasskeys bool `json:"hasPasskeys"`
}

// OKResponse acknowledges actions with no other payload (delete, logout).
type OKResponse struct {
	OK bool `json:"ok"`
}
