// ABOUTME: JWT session-token minting and verification for the auth gate
// ABOUTME: Uses HS256 signing with configurable secret; jti claims enable revocation

package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Claims is the verified content of a session token.
type Claims struct {
	Subject string // device id (gate) or user id (passkey)
	TokenID string // jti, matched against the persisted session row
}

// Issuer mints and verifies HS256 session tokens.
type Issuer struct {
	secret []byte
}

// NewIssuer creates an Issuer with the given signing secret.
func NewIssuer(secret []byte) *Issuer {
	return &Issuer{secret: secret}
}

// Mint creates a session token for the given subject. The returned token id
// is the jti claim; persist it so the token can be revoked server-side.
func (i *Issuer) Mint(subject string, ttl time.Duration) (token, tokenID string, err error) {
	now := time.Now()
	tokenID = uuid.NewString()

	claims := jwt.MapClaims{
		"sub": subject,
		"jti": tokenID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token, err = t.SignedString(i.secret)
	if err != nil {
		return "", "", fmt.Errorf("signing token: %w", err)
	}
	return token, tokenID, nil
}

// Verify validates the token signature and expiry and extracts the claims.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	jti, ok := claims["jti"].(string)
	if !ok || jti == "" {
		return nil, fmt.Errorf("%w: jti", ErrMissingClaim)
	}

	return &Claims{Subject: sub, TokenID: jti}, nil
}
