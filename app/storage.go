package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound reports a missing or expired store entry.
var ErrNotFound = errors.New("app: not found")

// Store is the keyed TTL record store backing codes, tokens, device
// bindings, and audit records. Read-modify-write sequences on one key
// must be atomic; GetAndRemove is the single-use consumption primitive.
type Store interface {
	Get(ctx context.Context, key string, value any) error
	Put(ctx context.Context, key string, value any, ttl time.Duration) error
	GetAndRemove(ctx context.Context, key string, value any) error
	Remove(ctx context.Context, key string) error
}

// Store key formats. The layout is deterministic so operators can inspect
// a shared backend.
const (
	keyAuthorizationCode = "oauth2:authorization:code:"
	keyAccessToken       = "oauth2:token:access:"
	keyRefreshToken      = "oauth2:token:refresh:"
	keyDeviceCode        = "oauth2:device:code:"
	keyUserCode          = "oauth2:device:user_code:"
	keyRegistrationToken = "oauth2:registration:token:"
	keyAudit             = "oauth2:audit:"
)

// MemoryStore is the in-process Store used in dev mode and tests. Values
// are kept as the marshaled form so Get semantics match a remote backend.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewMemoryStore constructs an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) live(key string) (memoryEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

// Get loads the record at key into value.
func (s *MemoryStore) Get(_ context.Context, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.live(key)
	if !ok {
		return ErrNotFound
	}
	return decodeValue(entry.data, value)
}

// Put stores value at key. A zero ttl means no expiry.
func (s *MemoryStore) Put(_ context.Context, key string, value any, ttl time.Duration) error {
	data, err := encodeValue(value)
	if err != nil {
		return err
	}
	entry := memoryEntry{data: data}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry
	return nil
}

// GetAndRemove atomically loads and deletes the record at key. At most
// one concurrent caller observes the value.
func (s *MemoryStore) GetAndRemove(_ context.Context, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.live(key)
	if !ok {
		return ErrNotFound
	}
	delete(s.entries, key)
	return decodeValue(entry.data, value)
}

// Remove deletes the record at key. Removing a missing key is not an
// error.
func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func encodeValue(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("app: encode store value: %w", err)
	}
	return data, nil
}

func decodeValue(data []byte, value any) error {
	if err := json.Unmarshal(data, value); err != nil {
		return fmt.Errorf("app: decode store value: %w", err)
	}
	return nil
}
