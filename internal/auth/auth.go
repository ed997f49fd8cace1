// Package auth verifies bearer tokens against stored API keys. A token
// has the form "loom_<key_id>.<secret>"; only the bcrypt hash of the
// secret is ever persisted.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const tokenPrefix = "loom_"

// ErrInvalidToken is returned for malformed, unknown, or mismatched
// tokens. Callers must not distinguish the cases to the client.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is the authenticated caller extracted from a token.
type Identity struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}

// KeyRecord is a stored API key.
type KeyRecord struct {
	KeyID      string
	TenantID   string
	UserID     string
	Role       string
	SecretHash string
}

// KeyStore looks up key records. Absence is (nil, nil).
type KeyStore interface {
	Get(ctx context.Context, keyID string) (*KeyRecord, error)
	Put(ctx context.Context, rec KeyRecord) error
}

// Verifier authenticates bearer tokens.
type Verifier struct {
	store KeyStore
}

// NewVerifier creates a Verifier over the key store.
func NewVerifier(store KeyStore) *Verifier {
	return &Verifier{store: store}
}

// VerifyToken parses and checks a bearer token, returning the caller's
// identity.
func (v *Verifier) VerifyToken(ctx context.Context, token string) (*Identity, error) {
	keyID, secret, ok := splitToken(token)
	if !ok {
		return nil, ErrInvalidToken
	}

	rec, err := v.store.Get(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("auth: key lookup: %w", err)
	}
	if rec == nil {
		return nil, ErrInvalidToken
	}

	if err := bcrypt.CompareHashAndPassword([]byte(rec.SecretHash), []byte(secret)); err != nil {
		return nil, ErrInvalidToken
	}

	return &Identity{UserID: rec.UserID, TenantID: rec.TenantID, Role: rec.Role}, nil
}

func splitToken(token string) (keyID, secret string, ok bool) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(token, tokenPrefix)
	keyID, secret, found := strings.Cut(rest, ".")
	if !found || keyID == "" || secret == "" {
		return "", "", false
	}
	return keyID, secret, true
}

// Mint creates a new API key for the identity, stores its hash, and
// returns the one-time plaintext token.
func Mint(ctx context.Context, store KeyStore, id Identity) (string, error) {
	keyID, err := randomHex(8)
	if err != nil {
		return "", err
	}
	secret, err := randomHex(24)
	if err != nil {
		return "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash secret: %w", err)
	}

	rec := KeyRecord{
		KeyID:      keyID,
		TenantID:   id.TenantID,
		UserID:     id.UserID,
		Role:       id.Role,
		SecretHash: string(hash),
	}
	if err := store.Put(ctx, rec); err != nil {
		return "", err
	}

	return tokenPrefix + keyID + "." + secret, nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
