// Package auth holds the narrow interfaces to the marketplace's auth
// collaborators: the cached identity of the signed-in user and the
// short-lived realtime ticket endpoint. Token issuance itself happens
// elsewhere (the mobile/web app); chatsyncd only consumes the results.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sanctum-app/chatsync/internal/kv"
)

// identityKey is the durable-store key the signed-in identity is cached under.
const identityKey = "identity"

// Identity is the signed-in user as cached by the app after login.
type Identity struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

// IdentitySource yields the current identity, or nil when signed out.
type IdentitySource interface {
	CurrentIdentity() (*Identity, error)
}

// TicketSource yields a short-lived, single-use ticket for the realtime
// endpoint. A fresh ticket is required for every connection attempt.
type TicketSource interface {
	Ticket(identity *Identity) (string, error)
}

// KVIdentityStore reads and writes the cached identity in the durable store.
type KVIdentityStore struct {
	store *kv.Store
}

// NewKVIdentityStore creates an identity store backed by the given KV store.
func NewKVIdentityStore(store *kv.Store) *KVIdentityStore {
	return &KVIdentityStore{store: store}
}

// CurrentIdentity returns the cached identity, or nil if the user is signed out.
// A missing key is not an error: it is the normal signed-out condition.
func (s *KVIdentityStore) CurrentIdentity() (*Identity, error) {
	data, err := s.store.Get(identityKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	if id.UserID == "" || id.Token == "" {
		return nil, nil
	}
	return &id, nil
}

// SaveIdentity caches the identity after a successful login.
func (s *KVIdentityStore) SaveIdentity(id *Identity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	return s.store.Set(identityKey, data)
}

// ClearIdentity removes the cached identity on logout.
func (s *KVIdentityStore) ClearIdentity() error {
	return s.store.Delete(identityKey)
}
