package service

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"dropbeam/internal/server/database"

	"github.com/golang-jwt/jwt/v5"
	"github.com/minio/sha256-simd"
)

const (
	tokenIssuer   = "dropbeam"
	tokenAudience = "transfer-access"
)

var ErrInvalidAccessToken = errors.New("invalid access token")

// AccessClaims prove a successful password check for one transfer. Password
// carries a fingerprint of the password hash the check ran against, so a
// changed or removed password revokes every outstanding token.
type AccessClaims struct {
	Password string `json:"pwd,omitempty"`
	jwt.RegisteredClaims
}

// passwordFingerprint is a short digest of the stored hash, empty when the
// transfer has no password.
func passwordFingerprint(t *database.Transfer) string {
	if t.PasswordHash == nil {
		return ""
	}
	sum := sha256.Sum256([]byte(*t.PasswordHash))
	return hex.EncodeToString(sum[:8])
}

// TokenIssuer signs and verifies transfer access tokens (HS256).
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{secret: secret, ttl: ttl, now: time.Now}
}

// Issue returns a token granting access to t under its current password.
func (ti *TokenIssuer) Issue(t *database.Transfer) (string, time.Time, error) {
	now := ti.now()
	expiresAt := now.Add(ti.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{
		Password: passwordFingerprint(t),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   t.UUID,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})

	signed, err := token.SignedString(ti.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks that token is valid and unexpired, and that it was issued for
// t under the password t has now.
func (ti *TokenIssuer) Verify(token string, t *database.Transfer) error {
	claims := &AccessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return ti.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithSubject(t.UUID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(ti.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAccessToken, err)
	}
	if !parsed.Valid {
		return ErrInvalidAccessToken
	}
	if subtle.ConstantTimeCompare([]byte(claims.Password), []byte(passwordFingerprint(t))) != 1 {
		return fmt.Errorf("%w: password changed", ErrInvalidAccessToken)
	}
	return nil
}
