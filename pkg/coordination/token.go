package coordination

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token kinds. Join tokens admit a new agent into the coordination
// plane; agent tokens authenticate member-to-member API calls such as
// forwarded store writes.
const (
	TokenKindJoin  = "join"
	TokenKindAgent = "agent"
)

const minSecretLength = 32

var (
	ErrSecretTooShort = fmt.Errorf("token secret must be at least %d characters", minSecretLength)
	ErrInvalidToken   = errors.New("invalid token")
)

// TokenClaims is the validated content of a fleet token.
type TokenClaims struct {
	Kind  string
	Fleet string
	Node  string
}

type tokenClaims struct {
	Kind  string `json:"kind"`
	Fleet string `json:"fleet"`
	jwt.RegisteredClaims
}

// TokenManager mints and validates the HMAC-signed tokens agents use
// against each other. Every member derives it from the same shared
// secret, so validation is local.
type TokenManager struct {
	secret   []byte
	joinTTL  time.Duration
	agentTTL time.Duration
}

// NewTokenManager creates a manager from the fleet's shared secret.
func NewTokenManager(secret string) (*TokenManager, error) {
	if len(secret) < minSecretLength {
		return nil, ErrSecretTooShort
	}
	return &TokenManager{
		secret:   []byte(secret),
		joinTTL:  time.Hour,
		agentTTL: 5 * time.Minute,
	}, nil
}

// MintJoin creates a token an operator hands to a joining agent.
func (tm *TokenManager) MintJoin(fleet, node string) (string, error) {
	return tm.mint(TokenKindJoin, fleet, node, tm.joinTTL)
}

// MintAgent creates a short-lived token for member-to-member calls.
// Minted per request, so there is no refresh path.
func (tm *TokenManager) MintAgent(fleet, node string) (string, error) {
	return tm.mint(TokenKindAgent, fleet, node, tm.agentTTL)
}

func (tm *TokenManager) mint(kind, fleet, node string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		Kind:  kind,
		Fleet: fleet,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   node,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", kind, err)
	}
	return signed, nil
}

// Validate checks signature and expiry and returns the claims.
func (tm *TokenManager) Validate(tokenString string) (*TokenClaims, error) {
	var claims tokenClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		return tm.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return &TokenClaims{Kind: claims.Kind, Fleet: claims.Fleet, Node: claims.Subject}, nil
}

// ValidateKind validates the token and additionally requires a kind.
func (tm *TokenManager) ValidateKind(tokenString, kind string) (*TokenClaims, error) {
	claims, err := tm.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Kind != kind {
		return nil, fmt.Errorf("%w: expected %s token, got %s", ErrInvalidToken, kind, claims.Kind)
	}
	return claims, nil
}
