// Package auth provides API-key authentication and the caller identity
// passed into every service operation.
//
// Authentication model:
//   - Registration, webhooks and delivery-code confirmation are public
//   - Everything else requires an API key ("Authorization: Bearer hf_...")
//   - Admin routes additionally require the admin role
//   - Services re-check party/role authorization on every operation
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"time"

	"github.com/holdfast/holdfast/internal/apperr"
	"github.com/holdfast/holdfast/internal/idgen"
)

const keyPrefix = "hf_"

// Roles
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Errors
var (
	ErrNoAPIKey      = apperr.New(apperr.KindUnauthorized, "API key required")
	ErrInvalidAPIKey = apperr.New(apperr.KindUnauthorized, "invalid or revoked API key")
	ErrKeyNotFound   = apperr.New(apperr.KindNotFound, "API key not found")
	ErrAdminOnly     = apperr.New(apperr.KindUnauthorized, "admin role required")
)

// Actor is the authenticated caller of a service operation.
type Actor struct {
	UserID string
	Roles  []string
}

// IsAdmin reports whether the actor holds the admin role.
func (a Actor) IsAdmin() bool {
	return slices.Contains(a.Roles, RoleAdmin)
}

// System is the actor used by background timers.
var System = Actor{UserID: "system", Roles: []string{RoleAdmin}}

// RequireAdmin returns ErrAdminOnly unless the actor is an admin.
func (a Actor) RequireAdmin() error {
	if !a.IsAdmin() {
		return ErrAdminOnly
	}
	return nil
}

// APIKey represents an API key
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	UserID    string     `json:"userId"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  *time.Time `json:"lastUsed,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	ListByUser(ctx context.Context, userID string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
}

// RoleResolver looks up a user's roles at authentication time, so role
// changes take effect without reissuing keys.
type RoleResolver interface {
	Roles(ctx context.Context, userID string) ([]string, error)
}

// Manager handles authentication
type Manager struct {
	store Store
	roles RoleResolver
}

// NewManager creates a new auth manager
func NewManager(store Store, roles RoleResolver) *Manager {
	return &Manager{store: store, roles: roles}
}

// GenerateKey creates a new API key for a user.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, userID, name string) (rawKey string, key *APIKey, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey = keyPrefix + hex.EncodeToString(b)
	key, err = m.ImportKey(ctx, userID, rawKey, name)
	if err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ImportKey registers an externally provisioned raw key (the bootstrap
// admin key). Importing an already known key returns its record.
func (m *Manager) ImportKey(ctx context.Context, userID, rawKey, name string) (*APIKey, error) {
	if !strings.HasPrefix(rawKey, keyPrefix) {
		return nil, apperr.Validationf("API keys must start with " + keyPrefix)
	}
	hash := hashKey(rawKey)
	if existing, err := m.store.GetByHash(ctx, hash); err == nil {
		return existing, nil
	}

	key := &APIKey{
		ID:        idgen.WithPrefix("ak_"),
		Hash:      hash,
		UserID:    userID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Authenticate validates a raw key and returns the caller.
func (m *Manager) Authenticate(ctx context.Context, rawKey string) (Actor, error) {
	if rawKey == "" {
		return Actor{}, ErrNoAPIKey
	}

	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if !strings.HasPrefix(rawKey, keyPrefix) {
		return Actor{}, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil || key.Revoked {
		return Actor{}, ErrInvalidAPIKey
	}

	roles := []string{RoleUser}
	if m.roles != nil {
		r, err := m.roles.Roles(ctx, key.UserID)
		if err != nil {
			return Actor{}, ErrInvalidAPIKey
		}
		roles = r
	}

	now := time.Now().UTC()
	key.LastUsed = &now
	_ = m.store.Update(ctx, key)

	return Actor{UserID: key.UserID, Roles: roles}, nil
}

// ListKeys returns all keys for a user
func (m *Manager) ListKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	return m.store.ListByUser(ctx, userID)
}

// RevokeKey revokes one of the user's keys
func (m *Manager) RevokeKey(ctx context.Context, keyID, userID string) error {
	keys, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
