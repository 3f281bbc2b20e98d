// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides owner/device/credential/link/session persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS owner (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			user_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			added_via TEXT NOT NULL,
			linked_at DATETIME NOT NULL,
			eligible_until DATETIME
		);

		CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			credential_id BLOB NOT NULL UNIQUE,
			public_key BLOB NOT NULL,
			attestation_type TEXT,
			transports TEXT,
			sign_count INTEGER NOT NULL DEFAULT 0,
			backup_eligible INTEGER NOT NULL DEFAULT 0,
			backup_state INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			last_used_at DATETIME,
			FOREIGN KEY (device_id) REFERENCES devices(id)
		);

		CREATE INDEX IF NOT EXISTS idx_credentials_device
			ON credentials(device_id);

		CREATE TABLE IF NOT EXISTS device_links (
			id TEXT PRIMARY KEY,
			code_hash TEXT NOT NULL,
			created_by TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			claimed_by TEXT,
			claimed_at DATETIME
		);

		CREATE TABLE IF NOT EXISTS gate_sessions (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_gate_sessions_expires
			ON gate_sessions(expires_at);

		CREATE TABLE IF NOT EXISTS passkey_users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS passkey_credentials (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			credential_id BLOB NOT NULL UNIQUE,
			public_key BLOB NOT NULL,
			attestation_type TEXT,
			transports TEXT,
			sign_count INTEGER NOT NULL DEFAULT 0,
			backup_eligible INTEGER NOT NULL DEFAULT 0,
			backup_state INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			last_used_at DATETIME,
			FOREIGN KEY (user_id) REFERENCES passkey_users(id)
		);

		CREATE INDEX IF NOT EXISTS idx_passkey_credentials_user
			ON passkey_credentials(user_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ----------------------------------------------------------------------------
// Owner and devices
// ----------------------------------------------------------------------------

// CreateOwner records the owner and its device in one transaction.
// The singleton primary key makes concurrent first registrations race-safe:
// exactly one insert wins, the rest get ErrOwnerExists.
func (s *SQLiteStore) CreateOwner(ctx context.Context, owner *Owner) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO owner (id, user_id, device_id, created_at) VALUES (1, ?, ?, ?)`,
		owner.UserID,
		owner.DeviceID,
		owner.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrOwnerExists
		}
		return fmt.Errorf("inserting owner: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO devices (id, user_id, added_via, linked_at, eligible_until) VALUES (?, ?, ?, ?, NULL)`,
		owner.DeviceID,
		owner.UserID,
		DeviceAddedOwner,
		owner.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting owner device: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing owner: %w", err)
	}

	s.logger.Info("owner recorded", "device_id", owner.DeviceID)
	return nil
}

// GetOwner retrieves the singleton owner record.
func (s *SQLiteStore) GetOwner(ctx context.Context) (*Owner, error) {
	var owner Owner
	var createdAtStr string

	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, device_id, created_at FROM owner WHERE id = 1`,
	).Scan(&owner.UserID, &owner.DeviceID, &createdAtStr)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying owner: %w", err)
	}

	owner.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &owner, nil
}

// AddDevice records a device trusted via a claimed device link.
func (s *SQLiteStore) AddDevice(ctx context.Context, device *Device) error {
	var eligibleUntil any
	if device.EligibleUntil != nil {
		eligibleUntil = device.EligibleUntil.UTC().Format(time.RFC3339)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, user_id, added_via, linked_at, eligible_until) VALUES (?, ?, ?, ?, ?)`,
		device.ID,
		device.UserID,
		device.AddedVia,
		device.LinkedAt.UTC().Format(time.RFC3339),
		eligibleUntil,
	)
	if err != nil {
		return fmt.Errorf("inserting device: %w", err)
	}

	s.logger.Info("device added", "device_id", device.ID, "added_via", device.AddedVia)
	return nil
}

// GetDevice retrieves a trusted device by its id.
func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, added_via, linked_at, eligible_until FROM devices WHERE id = ?`, id)
	return scanDevice(row)
}

// ListDevices returns all trusted devices, oldest first.
func (s *SQLiteStore) ListDevices(ctx context.Context) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, added_via, linked_at, eligible_until FROM devices ORDER BY linked_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var devices []*Device
	for rows.Next() {
		var d Device
		var linkedAtStr string
		var eligibleStr sql.NullString
		if err := rows.Scan(&d.ID, &d.UserID, &d.AddedVia, &linkedAtStr, &eligibleStr); err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		if d.LinkedAt, err = time.Parse(time.RFC3339, linkedAtStr); err != nil {
			return nil, fmt.Errorf("parsing linked_at: %w", err)
		}
		if eligibleStr.Valid {
			t, err := time.Parse(time.RFC3339, eligibleStr.String)
			if err != nil {
				return nil, fmt.Errorf("parsing eligible_until: %w", err)
			}
			d.EligibleUntil = &t
		}
		devices = append(devices, &d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// MarkDeviceRegistered clears the registration-eligibility window once a
// credential has been recorded for the device.
func (s *SQLiteStore) MarkDeviceRegistered(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE devices SET eligible_until = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDevice(row *sql.Row) (*Device, error) {
	var d Device
	var linkedAtStr string
	var eligibleStr sql.NullString

	err := row.Scan(&d.ID, &d.UserID, &d.AddedVia, &linkedAtStr, &eligibleStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device: %w", err)
	}

	if d.LinkedAt, err = time.Parse(time.RFC3339, linkedAtStr); err != nil {
		return nil, fmt.Errorf("parsing linked_at: %w", err)
	}
	if eligibleStr.Valid {
		t, err := time.Parse(time.RFC3339, eligibleStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing eligible_until: %w", err)
		}
		d.EligibleUntil = &t
	}
	return &d, nil
}

// ----------------------------------------------------------------------------
// Credentials
// ----------------------------------------------------------------------------

// CreateCredential stores a new WebAuthn credential for a device.
func (s *SQLiteStore) CreateCredential(ctx context.Context, cred *Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, device_id, user_id, credential_id, public_key, attestation_type, transports, sign_count, backup_eligible, backup_state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cred.ID,
		cred.DeviceID,
		cred.UserID,
		cred.CredentialID,
		cred.PublicKey,
		cred.AttestationType,
		cred.Transports,
		cred.SignCount,
		cred.BackupEligible,
		cred.BackupState,
		cred.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting credential: %w", err)
	}

	s.logger.Info("created credential", "id", cred.ID, "device_id", cred.DeviceID)
	return nil
}

// GetCredentialsByDevice retrieves all credentials registered by a device.
func (s *SQLiteStore) GetCredentialsByDevice(ctx context.Context, deviceID string) ([]*Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, user_id, credential_id, public_key, attestation_type, transports, sign_count, backup_eligible, backup_state, created_at, last_used_at
		FROM credentials
		WHERE device_id = ?
		ORDER BY created_at ASC`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var creds []*Credential
	for rows.Next() {
		cred, err := scanCredentialRow(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating credentials: %w", err)
	}
	return creds, nil
}

// GetCredentialByCredentialID retrieves a credential by its WebAuthn credential ID.
func (s *SQLiteStore) GetCredentialByCredentialID(ctx context.Context, credentialID []byte) (*Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, user_id, credential_id, public_key, attestation_type, transports, sign_count, backup_eligible, backup_state, created_at, last_used_at
		FROM credentials
		WHERE credential_id = ?`, credentialID)
	if err != nil {
		return nil, fmt.Errorf("querying credential: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("querying credential: %w", err)
		}
		return nil, ErrNotFound
	}
	return scanCredentialRow(rows)
}

// UpdateCredentialSignCount updates the sign count and last-used time for a credential.
func (s *SQLiteStore) UpdateCredentialSignCount(ctx context.Context, id string, signCount uint32) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET sign_count = ?, last_used_at = ? WHERE id = ?`,
		signCount, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("updating sign count: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCredential removes a credential by its row id.
func (s *SQLiteStore) DeleteCredential(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredentialRow(row rowScanner) (*Credential, error) {
	var cred Credential
	var transports sql.NullString
	var createdAtStr string
	var lastUsedStr sql.NullString

	err := row.Scan(
		&cred.ID,
		&cred.DeviceID,
		&cred.UserID,
		&cred.CredentialID,
		&cred.PublicKey,
		&cred.AttestationType,
		&transports,
		&cred.SignCount,
		&cred.BackupEligible,
		&cred.BackupState,
		&createdAtStr,
		&lastUsedStr,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning credential: %w", err)
	}

	cred.Transports = transports.String
	if cred.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if lastUsedStr.Valid {
		t, err := time.Parse(time.RFC3339, lastUsedStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_used_at: %w", err)
		}
		cred.LastUsedAt = &t
	}
	return &cred, nil
}

// ----------------------------------------------------------------------------
// Device links
// ----------------------------------------------------------------------------

// CreateDeviceLink stores a new pending device link.
func (s *SQLiteStore) CreateDeviceLink(ctx context.Context, link *DeviceLink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_links (id, code_hash, created_by, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		link.ID,
		link.CodeHash,
		link.CreatedBy,
		link.CreatedAt.UTC().Format(time.RFC3339),
		link.ExpiresAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting device link: %w", err)
	}

	s.logger.Info("device link created", "id", link.ID, "created_by", link.CreatedBy)
	return nil
}

// ListOpenDeviceLinks returns unclaimed, unexpired device links.
// The short code is stored only as a bcrypt hash, so claim attempts must
// compare against each open link.
func (s *SQLiteStore) ListOpenDeviceLinks(ctx context.Context) ([]*DeviceLink, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code_hash, created_by, created_at, expires_at
		FROM device_links
		WHERE claimed_at IS NULL AND expires_at > ?
		ORDER BY created_at DESC`, now)
	if err != nil {
		return nil, fmt.Errorf("querying device links: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var links []*DeviceLink
	for rows.Next() {
		var link DeviceLink
		var createdAtStr, expiresAtStr string
		if err := rows.Scan(&link.ID, &link.CodeHash, &link.CreatedBy, &createdAtStr, &expiresAtStr); err != nil {
			return nil, fmt.Errorf("scanning device link: %w", err)
		}
		if link.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if link.ExpiresAt, err = time.Parse(time.RFC3339, expiresAtStr); err != nil {
			return nil, fmt.Errorf("parsing expires_at: %w", err)
		}
		links = append(links, &link)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device links: %w", err)
	}
	return links, nil
}

// ClaimDeviceLink atomically marks a link as claimed by a device.
// The atomic update prevents TOCTOU races: the second claim of the same
// code observes zero affected rows and gets ErrLinkClaimed.
func (s *SQLiteStore) ClaimDeviceLink(ctx context.Context, id, deviceID string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	result, err := s.db.ExecContext(ctx, `
		UPDATE device_links
		SET claimed_by = ?, claimed_at = ?
		WHERE id = ?
		  AND claimed_at IS NULL
		  AND expires_at > ?`,
		deviceID, now, id, now)
	if err != nil {
		return fmt.Errorf("claiming device link: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected > 0 {
		s.logger.Info("device link claimed", "id", id, "device_id", deviceID)
		return nil
	}

	// Zero rows affected - determine why
	var claimedAt sql.NullString
	var expiresAtStr string
	err = s.db.QueryRowContext(ctx,
		`SELECT claimed_at, expires_at FROM device_links WHERE id = ?`, id,
	).Scan(&claimedAt, &expiresAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying device link: %w", err)
	}

	if claimedAt.Valid {
		return ErrLinkClaimed
	}

	expiresAt, err := time.Parse(time.RFC3339, expiresAtStr)
	if err != nil {
		return fmt.Errorf("parsing expires_at: %w", err)
	}
	if time.Now().After(expiresAt) {
		return ErrLinkExpired
	}

	return ErrNotFound
}

// DeleteExpiredDeviceLinks removes links past their expiry.
func (s *SQLiteStore) DeleteExpiredDeviceLinks(ctx context.Context) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM device_links WHERE expires_at <= ?`, now); err != nil {
		return fmt.Errorf("deleting expired device links: %w", err)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Gate sessions
// ----------------------------------------------------------------------------

// CreateGateSession records a minted session token.
func (s *SQLiteStore) CreateGateSession(ctx context.Context, session *GateSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gate_sessions (id, device_id, created_at, expires_at)
		VALUES (?, ?, ?, ?)`,
		session.ID,
		session.DeviceID,
		session.CreatedAt.UTC().Format(time.RFC3339),
		session.ExpiresAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting gate session: %w", err)
	}
	return nil
}

// GetGateSession retrieves a non-expired session by its id (the token jti).
func (s *SQLiteStore) GetGateSession(ctx context.Context, id string) (*GateSession, error) {
	var session GateSession
	var createdAtStr, expiresAtStr string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, device_id, created_at, expires_at FROM gate_sessions WHERE id = ?`, id,
	).Scan(&session.ID, &session.DeviceID, &createdAtStr, &expiresAtStr)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying gate session: %w", err)
	}

	if session.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if session.ExpiresAt, err = time.Parse(time.RFC3339, expiresAtStr); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}

	if time.Now().After(session.ExpiresAt) {
		return nil, ErrSessionNotFound
	}
	return &session, nil
}

// DeleteGateSession removes a session, revoking its token.
func (s *SQLiteStore) DeleteGateSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM gate_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting gate session: %w", err)
	}
	return nil
}

// DeleteExpiredGateSessions removes sessions past their expiry.
func (s *SQLiteStore) DeleteExpiredGateSessions(ctx context.Context) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM gate_sessions WHERE expires_at <= ?`, now); err != nil {
		return fmt.Errorf("deleting expired gate sessions: %w", err)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Passkey users and credentials
// ----------------------------------------------------------------------------

// CreatePasskeyUser stores a new email-identified passkey account.
func (s *SQLiteStore) CreatePasskeyUser(ctx context.Context, user *PasskeyUser) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO passkey_users (id, email, created_at)
		VALUES (?, ?, ?)`,
		user.ID,
		user.Email,
		user.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailExists
		}
		return fmt.Errorf("inserting passkey user: %w", err)
	}

	s.logger.Info("passkey user created", "id", user.ID)
	return nil
}

// GetPasskeyUser retrieves a passkey user by id.
func (s *SQLiteStore) GetPasskeyUser(ctx context.Context, id string) (*PasskeyUser, error) {
	return s.getPasskeyUser(ctx, `SELECT id, email, created_at FROM passkey_users WHERE id = ?`, id)
}

// GetPasskeyUserByEmail retrieves a passkey user by email.
func (s *SQLiteStore) GetPasskeyUserByEmail(ctx context.Context, email string) (*PasskeyUser, error) {
	return s.getPasskeyUser(ctx, `SELECT id, email, created_at FROM passkey_users WHERE email = ?`, email)
}

func (s *SQLiteStore) getPasskeyUser(ctx context.Context, query string, arg any) (*PasskeyUser, error) {
	var user PasskeyUser
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, query, arg).Scan(&user.ID, &user.Email, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying passkey user: %w", err)
	}

	if user.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &user, nil
}

// CreatePasskeyCredential stores a new discoverable credential.
func (s *SQLiteStore) CreatePasskeyCredential(ctx context.Context, cred *PasskeyCredential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO passkey_credentials (id, user_id, credential_id, public_key, attestation_type, transports, sign_count, backup_eligible, backup_state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cred.ID,
		cred.UserID,
		cred.CredentialID,
		cred.PublicKey,
		cred.AttestationType,
		cred.Transports,
		cred.SignCount,
		cred.BackupEligible,
		cred.BackupState,
		cred.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting passkey credential: %w", err)
	}

	s.logger.Info("created passkey credential", "id", cred.ID, "user_id", cred.UserID)
	return nil
}

// GetPasskeyCredentialsByUser retrieves all credentials for a passkey user.
func (s *SQLiteStore) GetPasskeyCredentialsByUser(ctx context.Context, userID string) ([]*PasskeyCredential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, credential_id, public_key, attestation_type, transports, sign_count, backup_eligible, backup_state, created_at, last_used_at
		FROM passkey_credentials
		WHERE user_id = ?
		ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying passkey credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var creds []*PasskeyCredential
	for rows.Next() {
		cred, err := scanPasskeyCredentialRow(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating passkey credentials: %w", err)
	}
	return creds, nil
}

// GetPasskeyCredentialByCredentialID retrieves a credential by its WebAuthn credential ID.
func (s *SQLiteStore) GetPasskeyCredentialByCredentialID(ctx context.Context, credentialID []byte) (*PasskeyCredential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, credential_id, public_key, attestation_type, transports, sign_count, backup_eligible, backup_state, created_at, last_used_at
		FROM passkey_credentials
		WHERE credential_id = ?`, credentialID)
	if err != nil {
		return nil, fmt.Errorf("querying passkey credential: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("querying passkey credential: %w", err)
		}
		return nil, ErrNotFound
	}
	return scanPasskeyCredentialRow(rows)
}

// UpdatePasskeyCredentialSignCount updates the sign count and last-used time.
func (s *SQLiteStore) UpdatePasskeyCredentialSignCount(ctx context.Context, id string, signCount uint32) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE passkey_credentials SET sign_count = ?, last_used_at = ? WHERE id = ?`,
		signCount, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("updating passkey sign count: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePasskeyCredential removes a credential, scoped to its owning user.
func (s *SQLiteStore) DeletePasskeyCredential(ctx context.Context, userID, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM passkey_credentials WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("deleting passkey credential: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPasskeyCredentialRow(row rowScanner) (*PasskeyCredential, error) {
	var cred PasskeyCredential
	var transports sql.NullString
	var createdAtStr string
	var lastUsedStr sql.NullString

	err := row.Scan(
		&cred.ID,
		&cred.UserID,
		&cred.CredentialID,
		&cred.PublicKey,
		&cred.AttestationType,
		&transports,
		&cred.SignCount,
		&cred.BackupEligible,
		&cred.BackupState,
		&createdAtStr,
		&lastUsedStr,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning passkey credential: %w", err)
	}

	cred.Transports = transports.String
	if cred.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if lastUsedStr.Valid {
		t, err := time.Parse(time.RFC3339, lastUsedStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_used_at: %w", err)
		}
		cred.LastUsedAt = &t
	}
	return &cred, nil
}

// isUniqueViolation reports whether err is a SQLite unique-constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
