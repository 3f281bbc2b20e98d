// ABOUTME: Error taxonomy for the device-side auth client
// ABOUTME: Callers branch on these to pick the right recovery path

package client

import "errors"

var (
	// ErrUnsupported means this device has no platform authenticator.
	// Terminal for the device; offer an alternative sign-in path.
	ErrUnsupported = errors.New("platform authenticator not available")

	// ErrCancelled means the user aborted the ceremony or it timed out.
	// Retryable.
	ErrCancelled = errors.New("ceremony cancelled")

	// ErrInvalidState means the local credential reference is stale or
	// unknown server-side. Local credential state has been purged; the
	// device must re-register.
	ErrInvalidState = errors.New("local credential is stale")

	// ErrService means the network failed or the server reported an
	// internal problem. Must never be rendered as "no owner yet".
	ErrService = errors.New("service unavailable")

	// ErrLocked means another device owns this dashboard. Only device-link
	// or an out-of-band fallback can move forward.
	ErrLocked = errors.New("locked to another device")

	// ErrCeremonyInFlight means a platform credential ceremony is already
	// outstanding; only one may run at a time.
	ErrCeremonyInFlight = errors.New("another ceremony is in progress")
)
