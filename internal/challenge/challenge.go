// ABOUTME: Challenge-session storage for in-progress WebAuthn ceremonies
// ABOUTME: In-memory implementation with TTL expiry and background cleanup

package challenge

import (
	"context"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
)

// Ceremony kinds stored alongside session data so a challenge issued for one
// flow cannot be replayed against another.
const (
	KindRegister         = "register"
	KindAuthenticate     = "authenticate"
	KindPasskeyRegister  = "passkey-register"
	KindPasskeyLogin     = "passkey-login"
	KindPasskeyCondition = "passkey-conditional"
)

// DefaultTTL is how long an issued challenge stays redeemable.
const DefaultTTL = 5 * time.Minute

// Record holds the server-side state of one in-progress ceremony.
type Record struct {
	Kind      string               `json:"kind"`
	Subject   string               `json:"subject"` // device id or passkey user id
	Session   webauthn.SessionData `json:"session"`
	ExpiresAt time.Time            `json:"expiresAt"`
}

// Store holds in-progress ceremony state keyed by an opaque challenge token.
// Take is single-use: a record is removed when retrieved, so a challenge can
// only ever complete one ceremony.
type Store interface {
	Put(ctx context.Context, token string, rec *Record) error
	Take(ctx context.Context, token string) (*Record, bool)
	Close() error
}

// MemoryStore is the default in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	cancel  context.CancelFunc
}

// NewMemoryStore creates a MemoryStore and starts its cleanup goroutine.
func NewMemoryStore() *MemoryStore {
	ctx, cancel := context.WithCancel(context.Background())
	s := &MemoryStore{
		records: make(map[string]*Record),
		cancel:  cancel,
	}
	go s.cleanupLoop(ctx)
	return s
}

// Put stores a record under the given token.
func (s *MemoryStore) Put(_ context.Context, token string, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = time.Now().Add(DefaultTTL)
	}
	s.records[token] = rec
	return nil
}

// Take retrieves and removes a record. Expired records are treated as absent.
func (s *MemoryStore) Take(_ context.Context, token string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[token]
	if !ok {
		return nil, false
	}
	delete(s.records, token)
	if time.Now().After(rec.ExpiresAt) {
		return nil, false
	}
	return rec, true
}

// Close stops the cleanup goroutine.
func (s *MemoryStore) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *MemoryStore) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			for k, v := range s.records {
				if now.After(v.ExpiresAt) {
					delete(s.records, k)
				}
			}
			s.mu.Unlock()
		}
	}
}
