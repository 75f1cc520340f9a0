package app

import (
	"context"
	"errors"
	"math"
	"time"
)

// AuditRecord counts consecutive failures for one (endpoint, identifier)
// pair. Counts only grow until the record's TTL expires.
type AuditRecord struct {
	Type        string    `json:"type"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
}

// Auditor tracks authentication failures and enforces lockout and device
// polling backoff.
type Auditor struct {
	store       Store
	maxFailures int
	ttl         time.Duration
}

// NewAuditor builds an auditor locking out after maxFailures consecutive
// failures; records expire after ttl.
func NewAuditor(store Store, maxFailures int, ttl time.Duration) *Auditor {
	return &Auditor{store: store, maxFailures: maxFailures, ttl: ttl}
}

func auditKey(endpoint, identifier string) string {
	return keyAudit + endpoint + ":" + identifier
}

// Record notes one more failure for (endpoint, identifier).
func (a *Auditor) Record(ctx context.Context, endpoint, identifier string) error {
	key := auditKey(endpoint, identifier)
	var record AuditRecord
	if err := a.store.Get(ctx, key, &record); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	record.Type = endpoint
	record.Failures++
	record.LastFailure = time.Now()
	return a.store.Put(ctx, key, record, a.ttl)
}

// Clear drops the failure record after a successful attempt.
func (a *Auditor) Clear(ctx context.Context, endpoint, identifier string) error {
	return a.store.Remove(ctx, auditKey(endpoint, identifier))
}

// LockedOut reports whether (endpoint, identifier) exceeded the failure
// ceiling. While true, attempts fail even with correct credentials.
func (a *Auditor) LockedOut(ctx context.Context, endpoint, identifier string) (bool, error) {
	var record AuditRecord
	err := a.store.Get(ctx, auditKey(endpoint, identifier), &record)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return record.Failures > a.maxFailures, nil
}

// PollInterval returns the minimum wait before the next device poll for
// this identifier: 5*sqrt(failures) seconds since the last recorded poll.
func (a *Auditor) PollInterval(ctx context.Context, identifier string) (time.Duration, time.Time, error) {
	var record AuditRecord
	err := a.store.Get(ctx, auditKey("device", identifier), &record)
	if errors.Is(err, ErrNotFound) {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, err
	}
	wait := time.Duration(5*math.Sqrt(float64(record.Failures))) * time.Second
	return wait, record.LastFailure, nil
}
