package types

import "time"

// APIKey is a tenant credential. Only the bcrypt hash of the secret is stored;
// KeyPrefix is the non-secret lookup handle embedded in the plaintext key.
type APIKey struct {
	ID         string
	TenantID   string
	KeyPrefix  string
	KeyHash    string
	Name       string
	LastUsedAt *time.Time
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	CreatedAt  time.Time
}

// Usable reports whether the key is neither revoked nor expired at now.
func (k *APIKey) Usable(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}
