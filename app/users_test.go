package app

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryUserDirectory(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryUserDirectory([]User{
		{ID: "user-1", Username: "alice", Password: "s3cret", Email: "alice@example.com"},
	})

	ok, err := dir.Authenticate(ctx, "alice", "s3cret")
	if err != nil || !ok {
		t.Fatalf("good credentials: ok=%v err=%v", ok, err)
	}
	ok, err = dir.Authenticate(ctx, "alice", "wrong")
	if err != nil || ok {
		t.Fatalf("bad password: ok=%v err=%v", ok, err)
	}
	// An unknown user is a clean false, not an error.
	ok, err = dir.Authenticate(ctx, "mallory", "s3cret")
	if err != nil || ok {
		t.Fatalf("unknown user: ok=%v err=%v", ok, err)
	}

	user, err := dir.LoadUser(ctx, "user-1")
	if err != nil || user.Username != "alice" {
		t.Fatalf("load by id: %+v, %v", user, err)
	}
	user, err = dir.LoadUserByName(ctx, "alice")
	if err != nil || user.ID != "user-1" {
		t.Fatalf("load by name: %+v, %v", user, err)
	}
	if _, err := dir.LoadUser(ctx, "nobody"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestMemoryUserDirectoryCopiesRecords(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryUserDirectory([]User{{ID: "user-1", Username: "alice", Name: "Alice"}})

	user, err := dir.LoadUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	user.Name = "Mutated"

	again, err := dir.LoadUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if again.Name != "Alice" {
		t.Fatal("caller mutation leaked into the directory")
	}
}
