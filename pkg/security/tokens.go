package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated principal carried by a client token
type Identity struct {
	UserID string
	Admin  bool
}

// Claims is the JWT claim set issued for client sessions
type Claims struct {
	Admin bool `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// TokenManager issues and validates client bearer tokens
type TokenManager struct {
	secret []byte
}

// NewTokenManager creates a token manager signing with the given secret
func NewTokenManager(secret string) (*TokenManager, error) {
	if secret == "" {
		return nil, fmt.Errorf("token secret cannot be empty")
	}
	return &TokenManager{secret: []byte(secret)}, nil
}

// IssueToken creates a signed token for a user
func (tm *TokenManager) IssueToken(userID string, admin bool, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id cannot be empty")
	}

	now := time.Now()
	claims := Claims{
		Admin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    "catalyst",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies a bearer token and returns the identity it carries
func (tm *TokenManager) ValidateToken(tokenString string) (*Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return tm.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("invalid token")
	}

	return &Identity{UserID: claims.Subject, Admin: claims.Admin}, nil
}

// BootstrapToken represents a one-time token for enrolling a node
type BootstrapToken struct {
	Token     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// BootstrapManager manages one-time node enrollment tokens
type BootstrapManager struct {
	tokens map[string]*BootstrapToken
	mu     sync.RWMutex
}

// NewBootstrapManager creates a new bootstrap token manager
func NewBootstrapManager() *BootstrapManager {
	return &BootstrapManager{
		tokens: make(map[string]*BootstrapToken),
	}
}

// GenerateToken generates a new enrollment token
func (bm *BootstrapManager) GenerateToken(duration time.Duration) (*BootstrapToken, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return nil, fmt.Errorf("failed to generate random token: %w", err)
	}

	bt := &BootstrapToken{
		Token:     hex.EncodeToString(bytes),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(duration),
	}

	bm.mu.Lock()
	bm.tokens[bt.Token] = bt
	bm.mu.Unlock()

	return bt, nil
}

// ClaimToken consumes an enrollment token, succeeding at most once per token
func (bm *BootstrapManager) ClaimToken(token string) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	bt, exists := bm.tokens[token]
	if !exists {
		return fmt.Errorf("invalid token")
	}
	if time.Now().After(bt.ExpiresAt) {
		delete(bm.tokens, token)
		return fmt.Errorf("token expired")
	}

	delete(bm.tokens, token)
	return nil
}

// CleanupExpiredTokens removes expired tokens
func (bm *BootstrapManager) CleanupExpiredTokens() {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	now := time.Now()
	for token, bt := range bm.tokens {
		if now.After(bt.ExpiresAt) {
			delete(bm.tokens, token)
		}
	}
}
