// Package authtoken issues and verifies the signed session tokens that
// back Mathia's session cookie, so a session can be validated without a
// round trip to the shared kv store on every request.
package authtoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalid is returned for an expired, malformed, or badly-signed token.
var ErrInvalid = errors.New("authtoken: invalid session token")

// Claims are the custom claims carried by a Mathia session token.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies session tokens with a single shared secret.
type Issuer struct {
	key []byte
	ttl time.Duration
}

func New(key []byte, ttl time.Duration) *Issuer {
	return &Issuer{key: key, ttl: ttl}
}

// Issue mints a signed token for userID, valid for the issuer's ttl.
func (i *Issuer) Issue(userID string) (string, error) {
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("authtoken: sign: %w", err)
	}
	return signed, nil
}

// Verify parses and validates raw, returning the subject user id.
func (i *Issuer) Verify(raw string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authtoken: unexpected signing method %v", t.Header["alg"])
		}
		return i.key, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalid
	}
	if claims.UserID == "" {
		return "", ErrInvalid
	}
	return claims.UserID, nil
}
