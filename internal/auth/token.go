// Package auth validates the credentials presented by desktop clients and
// control callers.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
	"unicode"

	"github.com/golang-jwt/jwt/v5"
)

const DefaultMinTokenLength = 10

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims is what a validated device token tells us about its holder.
type Claims struct {
	UserID string
}

type Validator interface {
	Validate(token string) (Claims, error)
}

// NewValidator returns an HS256 JWT validator when secret is set and a
// structural validator otherwise.
func NewValidator(secret []byte, minLength int) Validator {
	if len(secret) > 0 {
		return &JWTValidator{Secret: secret}
	}
	return &StructuralValidator{MinLength: minLength}
}

// StructuralValidator accepts any printable token without whitespace of at
// least MinLength characters. It does not prove identity.
type StructuralValidator struct {
	MinLength int
}

func (v *StructuralValidator) Validate(token string) (Claims, error) {
	if token == "" {
		return Claims{}, ErrMissingToken
	}
	minLength := v.MinLength
	if minLength <= 0 {
		minLength = DefaultMinTokenLength
	}
	if len(token) < minLength {
		return Claims{}, ErrInvalidToken
	}
	for _, r := range token {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return Claims{}, ErrInvalidToken
		}
	}
	return Claims{}, nil
}

// JWTValidator accepts HS256 tokens signed with Secret. The subject claim
// becomes the user id.
type JWTValidator struct {
	Secret []byte
}

func (v *JWTValidator) Validate(token string) (Claims, error) {
	if token == "" {
		return Claims{}, ErrMissingToken
	}
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return v.Secret, nil
	})
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	return Claims{UserID: claims.Subject}, nil
}

// ConstantTimeEquals compares two secrets without leaking their contents or
// lengths through timing.
func ConstantTimeEquals(a string, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
