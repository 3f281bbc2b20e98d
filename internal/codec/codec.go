// ABOUTME: Binary/text transcoding helpers for credential material
// ABOUTME: Base64url (no padding) and random identifier generation

package codec

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// ToBase64URL encodes bytes as unpadded base64url, the encoding WebAuthn
// uses for all credential material on the wire.
func ToBase64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// FromBase64URL decodes an unpadded base64url string. Padded input is
// rejected so the round trip with ToBase64URL is exact.
func FromBase64URL(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding base64url: %w", err)
	}
	return b, nil
}

// RandomHex returns n cryptographically random bytes hex-encoded.
func RandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// RandomToken returns n cryptographically random bytes base64url-encoded,
// suitable for opaque tokens and challenge session keys.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
