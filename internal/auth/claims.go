package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTTL is used when GenerateOperatorToken is given a non-positive TTL.
const DefaultTTL = time.Hour

// OperatorClaims extends JWT standard claims with the operator's role.
type OperatorClaims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

// GenerateOperatorToken creates a signed HS256 token for subject.
//
// Parameters:
//   - subject: Operator identity recorded in the audit trail
//   - role: Privilege level
//   - secret: Shared signing secret (security.operators.secret)
//   - ttl: Lifetime; DefaultTTL when zero or negative
//
// Returns:
//   - string: Compact JWT
//   - error: If role is unknown or signing fails
func GenerateOperatorToken(subject string, role Role, secret string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("%w: empty subject", ErrTokenInvalid)
	}
	if _, err := ParseRole(string(role)); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := time.Now()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Role: role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing operator token: %w", err)
	}
	return signed, nil
}

// ParseToken validates and parses an operator token.
// It checks the signature, expiry, subject and role.
func ParseToken(tokenString, secret string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if _, err := ParseRole(string(claims.Role)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	return claims, nil
}
