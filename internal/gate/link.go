// ABOUTME: Device-link codes for granting a second device registration eligibility
// ABOUTME: Codes are single-use, short-lived, and stored only as bcrypt hashes

package gate

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/warden-gate/internal/api"
	"github.com/2389/warden-gate/internal/codec"
	"github.com/2389/warden-gate/internal/store"
)

// linkCodeAlphabet omits characters that read ambiguously (0/O, 1/I/L).
const linkCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const linkCodeLength = 6

// generateLinkCode produces a random code from the unambiguous alphabet.
func generateLinkCode() (string, error) {
	var sb strings.Builder
	max := big.NewInt(int64(len(linkCodeAlphabet)))
	for i := 0; i < linkCodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("reading random bytes: %w", err)
		}
		sb.WriteByte(linkCodeAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// normalizeLinkCode maps user input onto the canonical code form.
func normalizeLinkCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CreateDeviceLink mints a link code on behalf of an authenticated owner
// session. The plaintext code is returned once and never stored.
func (s *Service) CreateDeviceLink(ctx context.Context, sessionToken string) (*api.DeviceLinkResponse, error) {
	deviceID, err := s.authorize(ctx, sessionToken)
	if err != nil {
		return nil, err
	}

	code, err := generateLinkCode()
	if err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing link code: %w", err)
	}

	linkID, err := codec.RandomHex(16)
	if err != nil {
		return nil, fmt.Errorf("generating link id: %w", err)
	}

	now := time.Now()
	err = s.store.CreateDeviceLink(ctx, &store.DeviceLink{
		ID:        linkID,
		CodeHash:  string(hash),
		CreatedBy: deviceID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.DeviceLinkTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("storing device link: %w", err)
	}

	s.logger.Info("device link created", "link_id", linkID, "created_by", deviceID)
	return &api.DeviceLinkResponse{
		LinkCode:  code,
		ExpiresIn: int(s.config.DeviceLinkTTL.Seconds()),
	}, nil
}

// ClaimDeviceLink redeems a link code for the claiming device, opening its
// registration-eligibility window. The claim is atomic at the store layer:
// two devices racing on the same code produce exactly one winner.
func (s *Service) ClaimDeviceLink(ctx context.Context, deviceID, code string) (*api.ClaimLinkResponse, error) {
	code = normalizeLinkCode(code)
	if len(code) != linkCodeLength {
		return nil, ErrLinkNotFound
	}

	owner, err := s.store.GetOwner(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrLinkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolving owner: %w", err)
	}

	links, err := s.store.ListOpenDeviceLinks(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing device links: %w", err)
	}

	var match *store.DeviceLink
	for _, link := range links {
		if bcrypt.CompareHashAndPassword([]byte(link.CodeHash), []byte(code)) == nil {
			match = link
			break
		}
	}
	if match == nil {
		return nil, ErrLinkNotFound
	}

	if err := s.store.ClaimDeviceLink(ctx, match.ID, deviceID); err != nil {
		return nil, err
	}

	if _, err := s.store.GetDevice(ctx, deviceID); errors.Is(err, store.ErrNotFound) {
		eligibleUntil := time.Now().Add(s.config.LinkGrace)
		err = s.store.AddDevice(ctx, &store.Device{
			ID:            deviceID,
			UserID:        owner.UserID,
			AddedVia:      store.DeviceAddedLink,
			LinkedAt:      time.Now(),
			EligibleUntil: &eligibleUntil,
		})
		if err != nil {
			return nil, fmt.Errorf("adding device: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("resolving device: %w", err)
	}

	s.logger.Info("device link claimed", "link_id", match.ID, "device_id", deviceID)
	return &api.ClaimLinkResponse{Claimed: true, UserID: owner.UserID}, nil
}
