// Package store provides persistence for warden-gate.
//
// # Data Model
//
// The gate's trust model centers on a singleton owner record:
//
//   - Owner: the single account the dashboard is locked to, created by the
//     first registration ceremony. The singleton primary key makes the
//     "who registers first" race safe at the database level.
//   - Device: a browser/device trusted by the owner. The original device is
//     recorded at owner creation; further devices are added by redeeming
//     device-link codes and stay registration-eligible only for a grace
//     window (eligible_until).
//   - Credential: WebAuthn public-key credentials, one or more per device.
//   - DeviceLink: short-lived single-use codes; only bcrypt hashes are
//     stored, and claims are atomic updates so a code can never be redeemed
//     twice.
//   - GateSession: minted session tokens keyed by JWT jti, enabling
//     server-side revocation.
//   - PasskeyUser / PasskeyCredential: the parallel email-scoped
//     multi-device passkey flow.
//
// # Implementation
//
// SQLiteStore is the production implementation, using modernc.org/sqlite
// (pure Go, no cgo) with WAL mode and automatic schema creation. Timestamps
// are stored as RFC3339 strings in UTC.
package store
