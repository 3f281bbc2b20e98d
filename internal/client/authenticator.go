// ABOUTME: Platform authenticator abstraction for credential ceremonies
// ABOUTME: Stands in for the OS credential provider; implementations vary per platform

package client

import (
	"context"
	"encoding/json"
	"runtime"
)

// Authenticator performs platform credential ceremonies. Create runs an
// attestation (registration) ceremony against the given creation options;
// Get runs an assertion ceremony against request options. Both return the
// raw ceremony response for the server to verify, and are expected to honor
// context cancellation by returning an error wrapping ErrCancelled.
type Authenticator interface {
	// Available reports whether a platform authenticator can be used at all.
	Available(ctx context.Context) bool
	Create(ctx context.Context, options json.RawMessage) (json.RawMessage, error)
	Get(ctx context.Context, options json.RawMessage) (json.RawMessage, error)
}

// AuthenticatorKind classifies the platform's credential provider. It is
// cosmetic, used only for UI copy, never for decisions.
type AuthenticatorKind int

const (
	KindPasskey AuthenticatorKind = iota
	KindFaceID
	KindTouchID
	KindFingerprint
	KindWindowsHello
	KindBiometric
)

// String returns the user-facing name of the provider.
func (k AuthenticatorKind) String() string {
	switch k {
	case KindFaceID:
		return "Face ID"
	case KindTouchID:
		return "Touch ID"
	case KindFingerprint:
		return "Fingerprint"
	case KindWindowsHello:
		return "Windows Hello"
	case KindBiometric:
		return "Biometric"
	default:
		return "Passkey"
	}
}

// DetectAuthenticatorKind guesses the provider from the platform. Phones
// lead with their biometric sensor; everything else falls back to the
// generic passkey label.
func DetectAuthenticatorKind() AuthenticatorKind {
	switch runtime.GOOS {
	case "ios":
		return KindFaceID
	case "darwin":
		return KindTouchID
	case "android":
		return KindFingerprint
	case "windows":
		return KindWindowsHello
	default:
		return KindPasskey
	}
}

// AuthenticatorLabel names the platform's credential provider for UI copy,
// e.g. an unlock button reading "Unlock with Touch ID".
func AuthenticatorLabel() string {
	return DetectAuthenticatorKind().String()
}

// UnlockLabel is the ready-made button label for the unlock affordance.
func UnlockLabel() string {
	return "Unlock with " + AuthenticatorLabel()
}
