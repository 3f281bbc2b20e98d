// ABOUTME: Store interface and data types for warden-gate persistence
// ABOUTME: Owner record, trusted devices, credentials, device links, and sessions

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrOwnerExists is returned when trying to create an owner while one is already recorded
var ErrOwnerExists = errors.New("owner already exists")

// ErrLinkClaimed is returned when a device link has already been redeemed
var ErrLinkClaimed = errors.New("device link already claimed")

// ErrLinkExpired is returned when a device link has passed its expiry
var ErrLinkExpired = errors.New("device link expired")

// ErrSessionNotFound is returned when a session doesn't exist or is expired
var ErrSessionNotFound = errors.New("session not found")

// ErrEmailExists is returned when creating a passkey user with a taken email
var ErrEmailExists = errors.New("email already registered")

// Device provenance values for Device.AddedVia
const (
	DeviceAddedOwner = "owner"       // The original owner-lock device
	DeviceAddedLink  = "device-link" // Added by redeeming a device-link code
)

// Owner is the singleton record binding the dashboard to one account.
// UserID is the client-generated 128-bit identifier created during the
// first registration ceremony; DeviceID is the device that performed it.
type Owner struct {
	UserID    string
	DeviceID  string
	CreatedAt time.Time
}

// Device is a browser/device trusted by the owner account.
// EligibleUntil is set while a link-claimed device may still complete
// registration; it is cleared once a credential is recorded.
type Device struct {
	ID            string
	UserID        string
	AddedVia      string
	LinkedAt      time.Time
	EligibleUntil *time.Time
}

// Credential is a stored WebAuthn public-key credential for a trusted device.
type Credential struct {
	ID              string
	DeviceID        string
	UserID          string
	CredentialID    []byte
	PublicKey       []byte
	AttestationType string
	Transports      string // JSON array
	SignCount       uint32
	BackupEligible  bool
	BackupState     bool
	CreatedAt       time.Time
	LastUsedAt      *time.Time
}

// DeviceLink is a short-lived single-use code authorizing one new device to
// become eligible for registration. Only the bcrypt hash of the code is kept.
type DeviceLink struct {
	ID        string
	CodeHash  string
	CreatedBy string // device id of the minting session
	CreatedAt time.Time
	ExpiresAt time.Time
	ClaimedBy string
	ClaimedAt *time.Time
}

// GateSession is a minted session token record; ID is the token's jti claim
// so individual tokens can be revoked server-side.
type GateSession struct {
	ID        string
	DeviceID  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// PasskeyUser is an email-identified account in the multi-device passkey flow.
type PasskeyUser struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

// PasskeyCredential is a discoverable credential bound to a passkey user.
type PasskeyCredential struct {
	ID              string
	UserID          string
	CredentialID    []byte
	PublicKey       []byte
	AttestationType string
	Transports      string // JSON array
	SignCount       uint32
	BackupEligible  bool
	BackupState     bool
	CreatedAt       time.Time
	LastUsedAt      *time.Time
}

// Store defines the interface for warden-gate persistence.
type Store interface {
	// Owner and trusted devices
	CreateOwner(ctx context.Context, owner *Owner) error
	GetOwner(ctx context.Context) (*Owner, error)
	AddDevice(ctx context.Context, device *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	ListDevices(ctx context.Context) ([]*Device, error)
	MarkDeviceRegistered(ctx context.Context, id string) error

	// Credentials
	CreateCredential(ctx context.Context, cred *Credential) error
	GetCredentialsByDevice(ctx context.Context, deviceID string) ([]*Credential, error)
	GetCredentialByCredentialID(ctx context.Context, credentialID []byte) (*Credential, error)
	UpdateCredentialSignCount(ctx context.Context, id string, signCount uint32) error
	DeleteCredential(ctx context.Context, id string) error

	// Device links
	CreateDeviceLink(ctx context.Context, link *DeviceLink) error
	ListOpenDeviceLinks(ctx context.Context) ([]*DeviceLink, error)
	ClaimDeviceLink(ctx context.Context, id, deviceID string) error
	DeleteExpiredDeviceLinks(ctx context.Context) error

	// Gate sessions
	CreateGateSession(ctx context.Context, session *GateSession) error
	GetGateSession(ctx context.Context, id string) (*GateSession, error)
	DeleteGateSession(ctx context.Context, id string) error
	DeleteExpiredGateSessions(ctx context.Context) error

	// Passkey users and credentials
	CreatePasskeyUser(ctx context.Context, user *PasskeyUser) error
	GetPasskeyUser(ctx context.Context, id string) (*PasskeyUser, error)
	GetPasskeyUserByEmail(ctx context.Context, email string) (*PasskeyUser, error)
	CreatePasskeyCredential(ctx context.Context, cred *PasskeyCredential) error
	GetPasskeyCredentialsByUser(ctx context.Context, userID string) ([]*PasskeyCredential, error)
	GetPasskeyCredentialByCredentialID(ctx context.Context, credentialID []byte) (*PasskeyCredential, error)
	UpdatePasskeyCredentialSignCount(ctx context.Context, id string, signCount uint32) error
	DeletePasskeyCredential(ctx context.Context, userID, id string) error

	// Close releases database resources
	Close() error
}
