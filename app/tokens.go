package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"oauthd/jose"
)

// Token types stored alongside the token string.
const (
	TokenTypeAccess       = "access_token"
	TokenTypeRefresh      = "refresh_token"
	TokenTypeDevice       = "device_code"
	TokenTypeRegistration = "registration_access_token"
)

// OAuth2Token is the stored record behind a token string. It is an
// immutable value: state changes go through the transition methods and a
// full store replace, so flipping virgin under concurrent redemption is
// a single atomic swap.
type OAuth2Token struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	Subject   string    `json:"subject,omitempty"`
	ClientID  string    `json:"client_id"`
	Scope     string    `json:"scope,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Virgin    bool      `json:"virgin"`
	Revoked   bool      `json:"revoked"`
}

// Consumed returns the token with its single-use budget spent.
func (t OAuth2Token) Consumed() OAuth2Token {
	t.Virgin = false
	return t
}

// WithRevoked returns the token marked revoked.
func (t OAuth2Token) WithRevoked() OAuth2Token {
	t.Revoked = true
	return t
}

// Expired reports whether the token's lifetime has passed.
func (t OAuth2Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Usable reports whether the token may still be exchanged: alive, not
// revoked, and its single-use budget intact.
func (t OAuth2Token) Usable(now time.Time) bool {
	return !t.Expired(now) && !t.Revoked && t.Virgin
}

// TokenResponse is the token endpoint success payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// TokenConfig carries token lifetimes and rotation policy.
type TokenConfig struct {
	AccessTTL     time.Duration `yaml:"access_ttl"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl"`
	CodeTTL       time.Duration `yaml:"code_ttl"`
	DeviceTTL     time.Duration `yaml:"device_ttl"`
	RotateRefresh bool          `yaml:"rotate_refresh"`
}

// TokenService mints and verifies the server's tokens. Access tokens are
// signed JWTs backed by a store record; refresh and device tokens are
// opaque store entries.
type TokenService struct {
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	rotateRefresh bool
	store         Store
	keys          *KeyManager
	ids           IDGenerator
	logger        *slog.Logger
}

// NewTokenService wires the token service.
func NewTokenService(issuer string, cfg TokenConfig, store Store, keys *KeyManager, ids IDGenerator, logger *slog.Logger) *TokenService {
	accessTTL := cfg.AccessTTL
	if accessTTL <= 0 {
		accessTTL = 10 * time.Minute
	}
	refreshTTL := cfg.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = 30 * 24 * time.Hour
	}
	return &TokenService{
		issuer:        strings.TrimSuffix(issuer, "/"),
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		rotateRefresh: cfg.RotateRefresh,
		store:         store,
		keys:          keys,
		ids:           ids,
		logger:        logger,
	}
}

// Issuer returns the configured issuer identifier.
func (ts *TokenService) Issuer() string { return ts.issuer }

// AccessTTL returns the access token lifetime.
func (ts *TokenService) AccessTTL() time.Duration { return ts.accessTTL }

// IssueAccessToken mints a signed access token for the subject (empty
// for client_credentials) and records it in the store.
func (ts *TokenService) IssueAccessToken(ctx context.Context, subject, clientID, scope string) (string, error) {
	now := time.Now()
	jti, err := ts.ids.NextID()
	if err != nil {
		return "", err
	}
	claims := jose.Claims{
		jose.ClaimIssuer:   ts.issuer,
		jose.ClaimAudience: clientID,
		jose.ClaimIssuedAt: now.Unix(),
		jose.ClaimExpiry:   now.Add(ts.accessTTL).Unix(),
		jose.ClaimID:       jti,
		"client_id":        clientID,
	}
	if subject != "" {
		claims[jose.ClaimSubject] = subject
	}
	if scope != "" {
		claims["scope"] = scope
	}

	key := ts.keys.SigningKey()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, &jose.SignerOptions{Type: jose.ContentTypeJWT})
	if err != nil {
		return "", fmt.Errorf("app: build signer: %w", err)
	}
	token, err := jose.SignClaims(signer, claims)
	if err != nil {
		return "", fmt.Errorf("app: sign access token: %w", err)
	}

	record := OAuth2Token{
		Token:     token,
		TokenType: TokenTypeAccess,
		Subject:   subject,
		ClientID:  clientID,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(ts.accessTTL),
		Virgin:    true,
	}
	if err := ts.store.Put(ctx, keyAccessToken+token, record, ts.accessTTL); err != nil {
		return "", err
	}
	return token, nil
}

// IssueRefreshToken mints an opaque single-use refresh token.
func (ts *TokenService) IssueRefreshToken(ctx context.Context, subject, clientID, scope string) (string, error) {
	now := time.Now()
	id, err := ts.ids.NextID()
	if err != nil {
		return "", err
	}
	token := "rt-" + id + "-" + randomKeyID()
	record := OAuth2Token{
		Token:     token,
		TokenType: TokenTypeRefresh,
		Subject:   subject,
		ClientID:  clientID,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(ts.refreshTTL),
		Virgin:    true,
	}
	if err := ts.store.Put(ctx, keyRefreshToken+token, record, ts.refreshTTL); err != nil {
		return "", err
	}
	return token, nil
}

// RedeemRefreshToken consumes a refresh token: it must be alive, not
// revoked, and virgin. The stored record flips to non-virgin atomically;
// a second redemption of the same token fails.
func (ts *TokenService) RedeemRefreshToken(ctx context.Context, clientID, token string) (OAuth2Token, string, error) {
	var record OAuth2Token
	err := ts.store.GetAndRemove(ctx, keyRefreshToken+token, &record)
	if errors.Is(err, ErrNotFound) {
		return OAuth2Token{}, "", NewError(ErrInvalidGrant, "unknown refresh token")
	}
	if err != nil {
		return OAuth2Token{}, "", err
	}
	if record.ClientID != clientID {
		return OAuth2Token{}, "", NewError(ErrInvalidGrant, "refresh token was issued to another client")
	}
	if !record.Usable(time.Now()) {
		return OAuth2Token{}, "", NewError(ErrInvalidGrant, "refresh token expired, revoked, or already used")
	}

	// Keep the consumed record around so replays are distinguishable
	// from unknown tokens.
	ttl := time.Until(record.ExpiresAt)
	if err := ts.store.Put(ctx, keyRefreshToken+token, record.Consumed(), ttl); err != nil {
		return OAuth2Token{}, "", err
	}
	next := token
	if ts.rotateRefresh {
		next, err = ts.IssueRefreshToken(ctx, record.Subject, record.ClientID, record.Scope)
		if err != nil {
			return OAuth2Token{}, "", err
		}
	}
	return record, next, nil
}

// VerifyAccessToken resolves an inbound bearer token. The store record is
// authoritative; when the store has no entry the token is verified as a
// JWS against the server keys, provided any are configured (tokens may be
// opaque values with no signature at all).
func (ts *TokenService) VerifyAccessToken(ctx context.Context, token string) (OAuth2Token, error) {
	var record OAuth2Token
	err := ts.store.Get(ctx, keyAccessToken+token, &record)
	if err == nil {
		if record.Revoked || record.Expired(time.Now()) {
			return OAuth2Token{}, NewError(ErrInvalidToken, "token revoked or expired")
		}
		return record, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return OAuth2Token{}, err
	}
	if !ts.keys.HasKeys() {
		return OAuth2Token{}, NewError(ErrInvalidToken, "unknown token")
	}

	claims, err := jose.DecodeSigned(token, ts.keys.VerificationKeys())
	if err != nil {
		return OAuth2Token{}, NewError(ErrInvalidToken, "signature verification failed")
	}
	if claims.String(jose.ClaimIssuer) != ts.issuer {
		return OAuth2Token{}, NewError(ErrInvalidToken, "issuer mismatch")
	}
	if claims.Expired(time.Now()) {
		return OAuth2Token{}, NewError(ErrInvalidToken, "token expired")
	}
	out := OAuth2Token{
		Token:     token,
		TokenType: TokenTypeAccess,
		Subject:   claims.String(jose.ClaimSubject),
		ClientID:  claims.String("client_id"),
		Scope:     claims.String("scope"),
	}
	if iat, ok := claims.Time(jose.ClaimIssuedAt); ok {
		out.IssuedAt = iat
	}
	if exp, ok := claims.Time(jose.ClaimExpiry); ok {
		out.ExpiresAt = exp
	}
	return out, nil
}

// Introspect returns the RFC 7662 response for a token of any type.
func (ts *TokenService) Introspect(ctx context.Context, token string) map[string]any {
	record, err := ts.VerifyAccessToken(ctx, token)
	if err != nil {
		// Not an access token: try the refresh token namespace.
		var rt OAuth2Token
		if e := ts.store.Get(ctx, keyRefreshToken+token, &rt); e != nil || !rt.Usable(time.Now()) {
			return map[string]any{"active": false}
		}
		record = rt
	}

	out := map[string]any{
		"active":     true,
		"token_type": record.TokenType,
		"client_id":  record.ClientID,
		"iss":        ts.issuer,
	}
	if record.Subject != "" {
		out["sub"] = record.Subject
	}
	if record.Scope != "" {
		out["scope"] = record.Scope
	}
	if !record.IssuedAt.IsZero() {
		out["iat"] = record.IssuedAt.Unix()
	}
	if !record.ExpiresAt.IsZero() {
		out["exp"] = record.ExpiresAt.Unix()
	}
	return out
}

// Revoke invalidates a token presented by its owning client. Revoking an
// unknown token is a silent no-op per RFC 7009.
func (ts *TokenService) Revoke(ctx context.Context, clientID, token string) error {
	for _, prefix := range []string{keyAccessToken, keyRefreshToken} {
		var record OAuth2Token
		err := ts.store.Get(ctx, prefix+token, &record)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if record.ClientID != clientID {
			return nil
		}
		ttl := time.Until(record.ExpiresAt)
		if ttl <= 0 {
			return ts.store.Remove(ctx, prefix+token)
		}
		return ts.store.Put(ctx, prefix+token, record.WithRevoked(), ttl)
	}
	return nil
}

// RevokeAllForClient invalidates a client's outstanding registration
// token; the registration lifecycle calls this on deprovisioning.
func (ts *TokenService) RevokeAllForClient(ctx context.Context, client *ClientMetadata) error {
	if client.RegistrationAccessToken == "" {
		return nil
	}
	return ts.store.Remove(ctx, keyRegistrationToken+client.RegistrationAccessToken)
}
