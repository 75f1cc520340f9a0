package app

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// DeviceGrant is the record behind one device code. The subject is bound
// out of band exactly once; redemption consumes the grant.
type DeviceGrant struct {
	DeviceCode string    `json:"device_code"`
	UserCode   string    `json:"user_code"`
	ClientID   string    `json:"client_id"`
	Scope      string    `json:"scope,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Virgin     bool      `json:"virgin"`
}

// Bound returns the grant with the subject attached.
func (g DeviceGrant) Bound(subject string) DeviceGrant {
	g.Subject = subject
	return g
}

// Consumed returns the grant with its single-use budget spent.
func (g DeviceGrant) Consumed() DeviceGrant {
	g.Virgin = false
	return g
}

// DeviceAuthorizationResponse is the RFC 8628 device authorization
// payload.
type DeviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}

// DeviceService runs the device authorization flow.
type DeviceService struct {
	store           Store
	audit           *Auditor
	ids             IDGenerator
	verificationURI string
	ttl             time.Duration
	logger          *slog.Logger
}

// NewDeviceService wires the device flow.
func NewDeviceService(store Store, audit *Auditor, ids IDGenerator, verificationURI string, ttl time.Duration, logger *slog.Logger) *DeviceService {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &DeviceService{
		store:           store,
		audit:           audit,
		ids:             ids,
		verificationURI: verificationURI,
		ttl:             ttl,
		logger:          logger,
	}
}

// Authorize mints a device code plus short user code pair.
func (d *DeviceService) Authorize(ctx context.Context, client *ClientMetadata, scope string) (DeviceAuthorizationResponse, error) {
	if !client.ScopeAllowed(scope) {
		return DeviceAuthorizationResponse{}, NewError(ErrInvalidScope, "scope exceeds registration")
	}

	id, err := d.ids.NextID()
	if err != nil {
		return DeviceAuthorizationResponse{}, err
	}
	deviceCode := "dc-" + id + "-" + randomKeyID()
	userCode := newUserCode()
	now := time.Now()

	grant := DeviceGrant{
		DeviceCode: deviceCode,
		UserCode:   userCode,
		ClientID:   client.ClientID,
		Scope:      scope,
		IssuedAt:   now,
		ExpiresAt:  now.Add(d.ttl),
		Virgin:     true,
	}
	if err := d.store.Put(ctx, keyDeviceCode+deviceCode, grant, d.ttl); err != nil {
		return DeviceAuthorizationResponse{}, err
	}
	if err := d.store.Put(ctx, keyUserCode+userCode, deviceCode, d.ttl); err != nil {
		return DeviceAuthorizationResponse{}, err
	}

	return DeviceAuthorizationResponse{
		DeviceCode:              deviceCode,
		UserCode:                userCode,
		VerificationURI:         d.verificationURI,
		VerificationURIComplete: d.verificationURI + "?user_code=" + userCode,
		ExpiresIn:               int64(d.ttl.Seconds()),
		Interval:                5,
	}, nil
}

// Complete binds a verified user identity to the grant behind userCode.
// The binding happens exactly once: a second completion, or a completion
// after redemption, is a silent no-op.
func (d *DeviceService) Complete(ctx context.Context, userCode, subject string) error {
	userCode = strings.ToUpper(strings.TrimSpace(userCode))
	var deviceCode string
	err := d.store.Get(ctx, keyUserCode+userCode, &deviceCode)
	if errors.Is(err, ErrNotFound) {
		return NewError(ErrInvalidGrant, "unknown user code")
	}
	if err != nil {
		return err
	}

	var grant DeviceGrant
	if err := d.store.Get(ctx, keyDeviceCode+deviceCode, &grant); err != nil {
		if errors.Is(err, ErrNotFound) {
			return NewError(ErrExpiredToken, "device code expired")
		}
		return err
	}
	if grant.Subject != "" || !grant.Virgin {
		return nil
	}
	ttl := time.Until(grant.ExpiresAt)
	return d.store.Put(ctx, keyDeviceCode+deviceCode, grant.Bound(subject), ttl)
}

// Redeem exchanges a device code after the user completed verification.
// Polling before completion returns authorization_pending, or slow_down
// while inside the backoff window; exactly one redemption succeeds.
func (d *DeviceService) Redeem(ctx context.Context, client *ClientMetadata, deviceCode string) (DeviceGrant, error) {
	var grant DeviceGrant
	err := d.store.Get(ctx, keyDeviceCode+deviceCode, &grant)
	if errors.Is(err, ErrNotFound) {
		return DeviceGrant{}, NewError(ErrExpiredToken, "unknown or expired device code")
	}
	if err != nil {
		return DeviceGrant{}, err
	}
	if grant.ClientID != client.ClientID {
		return DeviceGrant{}, NewError(ErrInvalidGrant, "device code was issued to another client")
	}
	if time.Now().After(grant.ExpiresAt) {
		return DeviceGrant{}, NewError(ErrExpiredToken, "device code expired")
	}
	if !grant.Virgin {
		return DeviceGrant{}, NewError(ErrInvalidGrant, "device code already redeemed")
	}

	if grant.Subject == "" {
		// Not completed yet. Enforce the poll backoff before recording
		// this attempt.
		wait, last, err := d.audit.PollInterval(ctx, deviceCode)
		if err != nil {
			return DeviceGrant{}, err
		}
		if wait > 0 && time.Since(last) < wait {
			return DeviceGrant{}, NewError(ErrSlowDown, "polling too fast")
		}
		if err := d.audit.Record(ctx, "device", deviceCode); err != nil {
			d.logger.Error("audit record failed", "error", err)
		}
		return DeviceGrant{}, NewError(ErrAuthorizationPending, "user has not completed verification")
	}

	// Consume atomically: remove, then re-store as non-virgin. The
	// remove is the linearization point for concurrent redeemers.
	var consumed DeviceGrant
	if err := d.store.GetAndRemove(ctx, keyDeviceCode+deviceCode, &consumed); err != nil {
		if errors.Is(err, ErrNotFound) {
			return DeviceGrant{}, NewError(ErrInvalidGrant, "device code already redeemed")
		}
		return DeviceGrant{}, err
	}
	if !consumed.Virgin {
		return DeviceGrant{}, NewError(ErrInvalidGrant, "device code already redeemed")
	}
	ttl := time.Until(consumed.ExpiresAt)
	if err := d.store.Put(ctx, keyDeviceCode+deviceCode, consumed.Consumed(), ttl); err != nil {
		return DeviceGrant{}, err
	}
	return consumed, nil
}

const userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"

// newUserCode builds a short code like "BDFG-HJKM" from a confusion-
// resistant consonant alphabet.
func newUserCode() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "XXXX-XXXX"
	}
	out := make([]byte, 0, 9)
	for i, b := range buf {
		if i == 4 {
			out = append(out, '-')
		}
		out = append(out, userCodeAlphabet[int(b)%len(userCodeAlphabet)])
	}
	return string(out)
}
