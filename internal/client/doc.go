// Package client is the device-side half of warden-gate.
//
// A Client wraps everything a device needs to participate in the owner-lock
// flow: a stable device identifier, local persistence for the credential and
// session token, transport to the gate endpoints, and an Authenticator that
// performs the actual platform ceremony. PasskeyClient does the same for the
// email-scoped multi-device variant.
//
// Local state is written only after the server has verified a ceremony, so a
// failed or cancelled ceremony leaves the device exactly as it was. Storage
// degrades from the configured state directory to a temp directory to process
// memory, probed once at construction.
package client
