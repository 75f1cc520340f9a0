package app

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"oauthd/jose"
)

// KeyConfig controls server signing key management.
type KeyConfig struct {
	JWKSPath       string        `yaml:"jwks_path"`
	RotateInterval time.Duration `yaml:"rotate_interval"`
	ActiveKeys     int           `yaml:"active_keys"`
}

// KeyManager holds the server's signing keys. Several keys are active at
// once; each signing call picks one at random so key compromise exposure
// is spread, and retired keys stay in the JWKS for verification until
// rotated out.
type KeyManager struct {
	mu        sync.RWMutex
	active    []jose.Key
	retired   []jose.Key
	maxActive int
	storePath string
	logger    *slog.Logger

	// pick selects the active key index for one signing call. Tests pin
	// it for determinism.
	pick func(n int) int
}

// NewKeyManager loads keys from disk or generates a fresh set.
func NewKeyManager(cfg KeyConfig, logger *slog.Logger) (*KeyManager, error) {
	maxActive := cfg.ActiveKeys
	if maxActive <= 0 {
		maxActive = 2
	}
	m := &KeyManager{
		maxActive: maxActive,
		storePath: cfg.JWKSPath,
		logger:    logger,
		pick:      cryptoIntn,
	}

	if cfg.JWKSPath != "" {
		if err := m.loadFromDisk(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	for len(m.active) < maxActive {
		if err := m.Rotate(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// StartRotation rotates keys on a ticker until stop closes.
func (m *KeyManager) StartRotation(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Rotate(); err != nil {
					m.logger.Error("key rotation failed", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Rotate generates a new signing key, retiring the oldest active key once
// the active set is full. One retired generation stays verifiable.
func (m *KeyManager) Rotate() error {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("app: generate signing key: %w", err)
	}
	key := jose.Key{Key: priv, KeyID: randomKeyID(), Algorithm: jose.RS256, Use: "sig"}

	m.mu.Lock()
	m.active = append(m.active, key)
	if len(m.active) > m.maxActive {
		m.retired = append([]jose.Key{m.active[0]}, m.retired...)
		m.active = m.active[1:]
		if len(m.retired) > 1 {
			m.retired = m.retired[:1]
		}
	}
	m.mu.Unlock()

	if m.storePath != "" {
		return m.persist()
	}
	return nil
}

// SigningKey returns one randomly chosen active key.
func (m *KeyManager) SigningKey() jose.Key {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[m.pick(len(m.active))]
}

// VerificationKeys returns every public key a token may be signed under.
func (m *KeyManager) VerificationKeys() *jose.KeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := &jose.KeySet{}
	for _, key := range m.active {
		set.Keys = append(set.Keys, key.Public())
	}
	for _, key := range m.retired {
		set.Keys = append(set.Keys, key.Public())
	}
	return set
}

// HasKeys reports whether any signing key is configured. JWS fallback
// verification only applies when this is true.
func (m *KeyManager) HasKeys() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active) > 0
}

// PublicJWKS is the key set served at the JWKS endpoint.
func (m *KeyManager) PublicJWKS() *jose.KeySet {
	return m.VerificationKeys()
}

func (m *KeyManager) persist() error {
	m.mu.RLock()
	set := jose.KeySet{Keys: append(append([]jose.Key{}, m.active...), m.retired...)}
	m.mu.RUnlock()

	payload, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return fmt.Errorf("app: marshal key set: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.storePath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.storePath, payload, 0o600)
}

func (m *KeyManager) loadFromDisk() error {
	payload, err := os.ReadFile(m.storePath)
	if err != nil {
		return err
	}
	var set jose.KeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return fmt.Errorf("app: parse key set: %w", err)
	}

	var active, retired []jose.Key
	for _, key := range set.Keys {
		if _, ok := key.Key.(*rsa.PrivateKey); !ok {
			continue
		}
		if len(active) < m.maxActive {
			active = append(active, key)
		} else {
			retired = append(retired, key)
		}
	}
	m.active = active
	m.retired = retired
	return nil
}

func randomKeyID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "kid"
	}
	return hex.EncodeToString(buf)
}

// cryptoIntn draws a uniform index from the process-wide entropy source.
func cryptoIntn(n int) int {
	if n <= 1 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}
