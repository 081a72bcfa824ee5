// Package auth resolves bearer API keys to tenant actors.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tollgate/internal/types"
)

const (
	// KeyScheme marks live tenant keys.
	KeyScheme = "tg_live_"
	// prefixLen is the scheme plus eight lookup characters stored in clear.
	prefixLen = len(KeyScheme) + 8
	secretLen = 32

	bcryptCost = 12
)

// KeyStore is the persistence the authenticator needs.
type KeyStore interface {
	ListActiveByPrefix(ctx context.Context, prefix string) ([]*types.APIKey, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
	Create(ctx context.Context, tenantID, name, prefix, hash string, expiresAt *time.Time) (*types.APIKey, error)
}

// KeyAuthenticator implements core.Authenticator for tenant API keys.
type KeyAuthenticator struct {
	store  KeyStore
	now    func() time.Time
	logger *slog.Logger
}

func NewKeyAuthenticator(store KeyStore, logger *slog.Logger) *KeyAuthenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyAuthenticator{store: store, now: time.Now, logger: logger}
}

// ResolveToken finds the key whose bcrypt hash matches token. Malformed and
// unknown tokens are auth_token_invalid; expired ones auth_token_revoked.
func (a *KeyAuthenticator) ResolveToken(ctx context.Context, token string) (*types.Actor, error) {
	if !strings.HasPrefix(token, KeyScheme) || len(token) < prefixLen+secretLen {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid API key", nil)
	}

	candidates, err := a.store.ListActiveByPrefix(ctx, token[:prefixLen])
	if err != nil {
		return nil, err
	}
	for _, k := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(token)) != nil {
			continue
		}
		now := a.now()
		if !k.Usable(now) {
			return nil, types.NewAppError(types.ErrCodeAuthTokenRevoked, "API key has expired", nil)
		}
		if err := a.store.TouchLastUsed(ctx, k.ID, now); err != nil {
			a.logger.WarnContext(ctx, "failed to record api key usage", "key_id", k.ID, "error", err)
		}
		return &types.Actor{ID: k.ID, Type: types.ActorTypeAPIKey, TenantID: k.TenantID}, nil
	}
	return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid API key", nil)
}

// Issue mints a new key for tenantID. The plaintext is returned once and
// never stored.
func (a *KeyAuthenticator) Issue(ctx context.Context, tenantID, name string, ttl time.Duration) (string, *types.APIKey, error) {
	plaintext, err := GenerateKey()
	if err != nil {
		return "", nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcryptCost)
	if err != nil {
		return "", nil, fmt.Errorf("hashing api key: %w", err)
	}
	var expiresAt *time.Time
	if ttl > 0 {
		t := a.now().Add(ttl)
		expiresAt = &t
	}
	key, err := a.store.Create(ctx, tenantID, name, plaintext[:prefixLen], string(hash), expiresAt)
	if err != nil {
		return "", nil, err
	}
	return plaintext, key, nil
}

// GenerateKey returns KeyScheme followed by 40 random hex characters.
func GenerateKey() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	return KeyScheme + hex.EncodeToString(buf), nil
}
