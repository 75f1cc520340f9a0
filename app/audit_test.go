package app

import (
	"context"
	"testing"
	"time"
)

func TestAuditorLockout(t *testing.T) {
	ctx := context.Background()
	audit := NewAuditor(NewMemoryStore(), 3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := audit.Record(ctx, "token", "client:alice"); err != nil {
			t.Fatalf("record: %v", err)
		}
		locked, err := audit.LockedOut(ctx, "token", "client:alice")
		if err != nil {
			t.Fatalf("locked out: %v", err)
		}
		if locked {
			t.Fatalf("locked out after %d failures, ceiling is 3", i+1)
		}
	}

	if err := audit.Record(ctx, "token", "client:alice"); err != nil {
		t.Fatalf("record: %v", err)
	}
	locked, err := audit.LockedOut(ctx, "token", "client:alice")
	if err != nil {
		t.Fatalf("locked out: %v", err)
	}
	if !locked {
		t.Fatal("expected lockout after exceeding the ceiling")
	}

	// Other identifiers are unaffected.
	locked, err = audit.LockedOut(ctx, "token", "client:bob")
	if err != nil {
		t.Fatalf("locked out: %v", err)
	}
	if locked {
		t.Fatal("unrelated identifier locked out")
	}
}

func TestAuditorClearResetsFailures(t *testing.T) {
	ctx := context.Background()
	audit := NewAuditor(NewMemoryStore(), 1, time.Minute)

	for i := 0; i < 5; i++ {
		if err := audit.Record(ctx, "register", "client-1"); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := audit.Clear(ctx, "register", "client-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	locked, err := audit.LockedOut(ctx, "register", "client-1")
	if err != nil {
		t.Fatalf("locked out: %v", err)
	}
	if locked {
		t.Fatal("still locked out after clear")
	}
}

func TestAuditorPollInterval(t *testing.T) {
	ctx := context.Background()
	audit := NewAuditor(NewMemoryStore(), 10, time.Minute)

	wait, _, err := audit.PollInterval(ctx, "dc-1")
	if err != nil {
		t.Fatalf("poll interval: %v", err)
	}
	if wait != 0 {
		t.Fatalf("fresh device code should have no backoff, got %v", wait)
	}

	// Backoff grows with the square root of the failure count.
	for i := 0; i < 4; i++ {
		if err := audit.Record(ctx, "device", "dc-1"); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	wait, last, err := audit.PollInterval(ctx, "dc-1")
	if err != nil {
		t.Fatalf("poll interval: %v", err)
	}
	if wait != 10*time.Second {
		t.Fatalf("after 4 failures want 10s, got %v", wait)
	}
	if time.Since(last) > time.Minute {
		t.Fatalf("last failure time not recorded: %v", last)
	}
}
