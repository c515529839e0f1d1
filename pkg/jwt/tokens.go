package jwt

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const issuer = "shipyard"

// Roles recognised by the release API.
const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Claims defines JWT payload for release operators.
type Claims struct {
	Operator string `json:"operator"`
	Role     string `json:"role"`
	jwtlib.RegisteredClaims
}

// CanMutate reports whether the token may create, run or cancel releases.
func (c Claims) CanMutate() bool {
	return c.Role == RoleOperator
}

// GenerateToken issues a signed JWT with provided secret and ttl.
func GenerateToken(operator, role, secret string, ttl time.Duration) (string, error) {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return "", errors.New("operator name required")
	}
	if secret == "" {
		return "", errors.New("signing secret required")
	}
	if role == "" {
		role = RoleOperator
	}
	now := time.Now()
	claims := Claims{
		Operator: operator,
		Role:     role,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    issuer,
			Subject:   operator,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse validates and extracts claims from token.
func Parse(token string, secret string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}), jwtlib.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Operator == "" {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}
