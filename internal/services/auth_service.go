package services

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

const defaultJWTSecret = "crm-wa-dev-secret-change-in-production"

// AuthService issues and validates the bearer tokens of the HTTP API.
type AuthService struct {
	secret []byte
}

type JWTClaims struct {
	TenantID uint `json:"tenant_id"`
	jwt.RegisteredClaims
}

// NewAuthService falls back to a development secret when secret is empty.
func NewAuthService(secret string) *AuthService {
	if secret == "" {
		secret = defaultJWTSecret
	}
	return &AuthService{secret: []byte(secret)}
}

// IssueToken creates a token for subject scoped to tenantID.
func (as *AuthService) IssueToken(tenantID uint, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(as.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

// ValidateToken validates JWT token and returns its claims
func (as *AuthService) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return as.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}
