package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"sync"
)

// User is a directory entry with the claim groups the scopes gate.
type User struct {
	ID       string `yaml:"id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// profile scope
	Name    string `yaml:"name"`
	Picture string `yaml:"picture"`

	// email scope
	Email         string `yaml:"email"`
	EmailVerified bool   `yaml:"email_verified"`

	// phone scope
	PhoneNumber string `yaml:"phone_number"`

	// address scope
	Address string `yaml:"address"`
}

// ErrUserNotFound reports an unknown user id or username.
var ErrUserNotFound = errors.New("app: user not found")

// UserDirectory is the authentication collaborator.
type UserDirectory interface {
	Authenticate(ctx context.Context, username, password string) (bool, error)
	LoadUser(ctx context.Context, id string) (*User, error)
	LoadUserByName(ctx context.Context, username string) (*User, error)
}

// MemoryUserDirectory serves YAML-configured users.
type MemoryUserDirectory struct {
	mu     sync.RWMutex
	byID   map[string]*User
	byName map[string]*User
}

// NewMemoryUserDirectory indexes the configured users.
func NewMemoryUserDirectory(users []User) *MemoryUserDirectory {
	d := &MemoryUserDirectory{
		byID:   make(map[string]*User, len(users)),
		byName: make(map[string]*User, len(users)),
	}
	for i := range users {
		user := users[i]
		d.byID[user.ID] = &user
		d.byName[user.Username] = &user
	}
	return d
}

// Authenticate checks username/password in constant time.
func (d *MemoryUserDirectory) Authenticate(_ context.Context, username, password string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	user, ok := d.byName[username]
	if !ok {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(user.Password), []byte(password)) == 1, nil
}

// LoadUser returns the user with the given id.
func (d *MemoryUserDirectory) LoadUser(_ context.Context, id string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	user, ok := d.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

// LoadUserByName returns the user with the given username.
func (d *MemoryUserDirectory) LoadUserByName(_ context.Context, username string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	user, ok := d.byName[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

// ResourcePolicy decides whether a requested resource is covered by the
// granted scope. It runs once per grant, before any token is minted.
type ResourcePolicy interface {
	InScope(ctx context.Context, resource, scope string) bool
}

// AllowAllResources is the default policy: every resource is in scope.
// Deployments with resource-level restrictions supply their own policy.
type AllowAllResources struct{}

// InScope always permits.
func (AllowAllResources) InScope(context.Context, string, string) bool { return true }
