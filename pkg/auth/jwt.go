// Package auth issues and verifies the short-lived tokens a management node
// attaches to every connect request it sends to a host agent.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token has expired")
	ErrInvalidClaims = errors.New("invalid token claims")
	ErrEmptyHostID   = errors.New("hostID cannot be empty")
	ErrEmptyNodeID   = errors.New("nodeID cannot be empty")
	ErrShortSecret   = errors.New("secret must be at least 32 characters")
	ErrHostMismatch  = errors.New("token was issued for a different host")
)

// MinSecretLength is the shortest accepted HMAC secret
const MinSecretLength = 32

// Audience marks tokens meant for host agents
const Audience = "fleet-agent"

// ConnectClaims identify which management node may connect to which host
type ConnectClaims struct {
	NodeID string `json:"node_id"`
	HostID string `json:"host_id"`
	jwt.RegisteredClaims
}

// TokenManager signs and verifies connect tokens with HS256
type TokenManager struct {
	secretKey     []byte
	tokenDuration time.Duration
	issuer        string
	now           func() time.Time
}

// NewTokenManager creates a token manager.
// Returns an error if the secret is shorter than 32 characters.
func NewTokenManager(secret string, tokenDuration time.Duration, issuer string) (*TokenManager, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrShortSecret
	}
	if tokenDuration <= 0 {
		tokenDuration = 5 * time.Minute
	}

	return &TokenManager{
		secretKey:     []byte(secret),
		tokenDuration: tokenDuration,
		issuer:        issuer,
		now:           time.Now,
	}, nil
}

// Issue signs a token allowing nodeID to connect to hostID
func (m *TokenManager) Issue(nodeID, hostID string) (string, error) {
	if nodeID == "" {
		return "", ErrEmptyNodeID
	}
	if hostID == "" {
		return "", ErrEmptyHostID
	}

	now := m.now()
	claims := ConnectClaims{
		NodeID: nodeID,
		HostID: hostID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   hostID,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenDuration)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and returns its claims
func (m *TokenManager) Verify(tokenString string) (*ConnectClaims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(Audience),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	claims := &ConnectClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secretKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.NodeID == "" {
		return nil, fmt.Errorf("%w: missing node_id", ErrInvalidClaims)
	}
	if claims.HostID == "" {
		return nil, fmt.Errorf("%w: missing host_id", ErrInvalidClaims)
	}
	return claims, nil
}

// VerifyFor verifies a token and checks it names hostID
func (m *TokenManager) VerifyFor(tokenString, hostID string) (*ConnectClaims, error) {
	claims, err := m.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.HostID != hostID {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrHostMismatch, claims.HostID, hostID)
	}
	return claims, nil
}

// TokenDuration returns the configured token lifetime
func (m *TokenManager) TokenDuration() time.Duration {
	return m.tokenDuration
}
