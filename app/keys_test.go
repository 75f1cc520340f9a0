package app

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKeyManagerGeneratesActiveSet(t *testing.T) {
	km, err := NewKeyManager(KeyConfig{ActiveKeys: 2}, testLogger())
	if err != nil {
		t.Fatalf("new key manager: %v", err)
	}
	if !km.HasKeys() {
		t.Fatal("no keys after construction")
	}
	if got := len(km.PublicJWKS().Keys); got != 2 {
		t.Fatalf("JWKS has %d keys, want 2", got)
	}
	for _, key := range km.PublicJWKS().Keys {
		if !key.IsPublic() {
			t.Fatalf("JWKS leaked a private key (kid %s)", key.KeyID)
		}
	}
}

func TestKeyManagerSigningKeyPick(t *testing.T) {
	km, err := NewKeyManager(KeyConfig{ActiveKeys: 3}, testLogger())
	if err != nil {
		t.Fatalf("new key manager: %v", err)
	}

	// Pin the pick so each active slot is observable.
	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		idx := i
		km.pick = func(n int) int { return idx % n }
		seen[km.SigningKey().KeyID] = true
	}
	if len(seen) != 3 {
		t.Fatalf("picked %d distinct keys, want 3", len(seen))
	}
}

func TestKeyManagerRotateKeepsRetiredVerifiable(t *testing.T) {
	km, err := NewKeyManager(KeyConfig{ActiveKeys: 2}, testLogger())
	if err != nil {
		t.Fatalf("new key manager: %v", err)
	}
	km.pick = func(int) int { return 0 }
	oldest := km.SigningKey().KeyID

	if err := km.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	// The displaced key moves to the retired set and stays in the JWKS.
	var found bool
	for _, key := range km.VerificationKeys().Keys {
		if key.KeyID == oldest {
			found = true
		}
	}
	if !found {
		t.Fatal("retired key dropped from verification set")
	}

	// A second rotation bounds the retired set to one generation.
	if err := km.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if got := len(km.VerificationKeys().Keys); got != 3 {
		t.Fatalf("verification set has %d keys, want 3 (2 active + 1 retired)", got)
	}
}

func TestKeyManagerPersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jwks.json")

	km, err := NewKeyManager(KeyConfig{JWKSPath: path, ActiveKeys: 2}, testLogger())
	if err != nil {
		t.Fatalf("new key manager: %v", err)
	}
	km.pick = func(int) int { return 0 }
	firstKid := km.SigningKey().KeyID

	reloaded, err := NewKeyManager(KeyConfig{JWKSPath: path, ActiveKeys: 2}, testLogger())
	if err != nil {
		t.Fatalf("reload key manager: %v", err)
	}
	var found bool
	for _, key := range reloaded.VerificationKeys().Keys {
		if key.KeyID == firstKid {
			found = true
		}
	}
	if !found {
		t.Fatalf("key %s lost across restart", firstKid)
	}
}
