package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/frahmantamala/mpesa-payments/internal"
)

type TokenVerifier interface {
	ValidateToken(tokenString string) (*Claims, error)
}

// JWTTokenGenerator signs and verifies HS256 tokens with a shared secret.
type JWTTokenGenerator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewJWTTokenGenerator(secret, issuer string) *JWTTokenGenerator {
	return &JWTTokenGenerator{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}
}

// GenerateAccessToken is used by the seed command and tests; production
// tokens come from the identity provider sharing the secret.
func (j *JWTTokenGenerator) GenerateAccessToken(subject string, permissions []string, ttl time.Duration) (string, error) {
	now := j.now()
	claims := &Claims{
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

func (j *JWTTokenGenerator) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(j.now),
	}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return j.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, internal.NewUnauthorizedError("Token has expired", internal.ErrCodeTokenExpired)
		}
		return nil, internal.NewUnauthorizedError("Invalid token", internal.ErrCodeInvalidToken).WithCause(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, internal.NewUnauthorizedError("Invalid token", internal.ErrCodeInvalidToken)
	}
	return claims, nil
}
