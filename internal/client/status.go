// ABOUTME: Pure decision logic mapping access status to a UI branch
// ABOUTME: Unknown owner state always resolves to the service-error branch

package client

import "github.com/2389/warden-gate/internal/api"

// Decision is the UI branch an access check resolves to.
type Decision int

const (
	// DecisionServiceError: show a service problem, disable registration.
	DecisionServiceError Decision = iota
	// DecisionSetup: no owner yet, offer first-time registration.
	DecisionSetup
	// DecisionUnlock: this device owns the dashboard, offer unlock.
	DecisionUnlock
	// DecisionLocked: another device owns the dashboard; device-link or
	// fallback sign-in are the only paths forward.
	DecisionLocked
)

func (d Decision) String() string {
	switch d {
	case DecisionSetup:
		return "setup"
	case DecisionUnlock:
		return "unlock"
	case DecisionLocked:
		return "locked"
	default:
		return "service-error"
	}
}

// Decide resolves the UI branch from an access status. It is a pure function
// of (hasOwner, isOwnerDevice, serviceError). Any unknown owner state is a
// service error: an outage must disable registration, never enable it.
func Decide(status *api.AccessStatus) Decision {
	if status == nil || status.ServiceError {
		return DecisionServiceError
	}
	if status.HasOwner == nil {
		return DecisionServiceError
	}
	if !*status.HasOwner {
		return DecisionSetup
	}
	if status.IsOwnerDevice == nil {
		return DecisionServiceError
	}
	if *status.IsOwnerDevice {
		return DecisionUnlock
	}
	return DecisionLocked
}
