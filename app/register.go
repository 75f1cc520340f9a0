package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/url"
	"slices"
	"time"

	"oauthd/jose"
)

// Server-supported negotiation lists. Registration intersects these with
// the client's preferences.
var (
	supportedGrantTypes = []string{
		GrantAuthorizationCode, GrantPassword, GrantClientCredentials,
		GrantRefreshToken, GrantDeviceCode,
	}
	supportedResponseTypes = []string{
		"code", "token", "id_token", "code id_token", "code token",
		"id_token token", "code id_token token",
	}
	supportedIDTokenAlgs = []string{
		jose.RS256, jose.RS384, jose.RS512, jose.PS256, jose.PS384, jose.PS512,
		jose.ES256, jose.ES384, jose.ES512, jose.HS256, jose.HS384, jose.HS512,
	}
)

// RevocationHook is notified when a client is deprovisioned so dependent
// access and refresh tokens can be invalidated.
type RevocationHook func(ctx context.Context, client *ClientMetadata)

// RegistrationConfig tunes dynamic client registration.
type RegistrationConfig struct {
	SecretLifetime time.Duration `yaml:"secret_lifetime"`
}

// RegistrationService implements dynamic client registration: register,
// read, update, deprovision, all guarded by registration access tokens.
type RegistrationService struct {
	clients  ClientRepository
	store    Store
	audit    *Auditor
	ids      IDGenerator
	issuer   string
	lifetime time.Duration
	revoked  RevocationHook
	logger   *slog.Logger
}

// NewRegistrationService wires the registration lifecycle.
func NewRegistrationService(clients ClientRepository, store Store, audit *Auditor, ids IDGenerator,
	issuer string, cfg RegistrationConfig, revoked RevocationHook, logger *slog.Logger) *RegistrationService {
	lifetime := cfg.SecretLifetime
	if lifetime <= 0 {
		lifetime = 30 * 24 * time.Hour
	}
	if revoked == nil {
		revoked = func(context.Context, *ClientMetadata) {}
	}
	return &RegistrationService{
		clients:  clients,
		store:    store,
		audit:    audit,
		ids:      ids,
		issuer:   issuer,
		lifetime: lifetime,
		revoked:  revoked,
		logger:   logger,
	}
}

// Register provisions a new client from the requested metadata.
func (rs *RegistrationService) Register(ctx context.Context, req *ClientMetadata) (*ClientMetadata, error) {
	if err := validateMetadata(req); err != nil {
		return nil, err
	}

	id, err := rs.ids.NextID()
	if err != nil {
		return nil, err
	}
	now := time.Now()

	client := *req
	client.ClientID = "client-" + id
	client.ClientIDIssuedAt = now.Unix()
	client.RegistrationClientURI = rs.issuer + "/register/" + client.ClientID
	rs.negotiate(&client)

	if client.ApplicationType == "" {
		client.ApplicationType = ApplicationTypeWeb
	}
	if client.SubjectType == "" {
		client.SubjectType = SubjectTypePublic
	}
	if client.TokenEndpointAuthMethod == "" {
		if client.ApplicationType == ApplicationTypeNative {
			client.TokenEndpointAuthMethod = "none"
		} else {
			client.TokenEndpointAuthMethod = "client_secret_basic"
		}
	}

	// Secrets only for confidential application types.
	if !client.Public() {
		client.ClientSecret = randomSecret()
		client.ClientSecretExpiresAt = now.Add(rs.lifetime).Unix()
	}

	if err := rs.issueRegistrationToken(ctx, &client); err != nil {
		return nil, err
	}
	if err := rs.clients.Create(ctx, &client); err != nil {
		// The token record has no TTL; reclaim it or it lingers forever.
		_ = rs.store.Remove(ctx, keyRegistrationToken+client.RegistrationAccessToken)
		return nil, NewError(ErrInvalidClientMetadata, "client id collision")
	}
	return &client, nil
}

// Read returns the registration, rotating secret and registration token
// when they are close to expiry.
func (rs *RegistrationService) Read(ctx context.Context, clientID, bearer string) (*ClientMetadata, error) {
	client, err := rs.authenticate(ctx, clientID, bearer)
	if err != nil {
		return nil, err
	}

	if rs.nearExpiry(client) {
		if err := rs.rotateCredentials(ctx, client); err != nil {
			return nil, err
		}
		if err := rs.clients.Refresh(ctx, client); err != nil {
			return nil, err
		}
	}
	return client, nil
}

// Update replaces the registration with the supplied metadata. Fields
// the client omits are deleted; server-assigned fields are preserved. A
// client_secret in the update must match the stored one.
func (rs *RegistrationService) Update(ctx context.Context, clientID, bearer string, req *ClientMetadata) (*ClientMetadata, error) {
	current, err := rs.authenticate(ctx, clientID, bearer)
	if err != nil {
		return nil, err
	}
	if req.ClientID != "" && req.ClientID != clientID {
		return nil, NewError(ErrInvalidClientMetadata, "client_id cannot change")
	}
	if req.ClientSecret != "" && req.ClientSecret != current.ClientSecret {
		return nil, NewError(ErrInvalidClientMetadata, "client_secret cannot change")
	}
	if err := validateMetadata(req); err != nil {
		return nil, err
	}

	// Field-by-field overwrite from the request; omitted fields vanish.
	next := *req
	next.ClientID = current.ClientID
	next.ClientSecret = current.ClientSecret
	next.ClientIDIssuedAt = current.ClientIDIssuedAt
	next.ClientSecretExpiresAt = current.ClientSecretExpiresAt
	next.RegistrationAccessToken = current.RegistrationAccessToken
	next.RegistrationClientURI = current.RegistrationClientURI
	rs.negotiate(&next)

	if err := rs.clients.Refresh(ctx, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// Deprovision removes the client and its registration token, then
// notifies the revocation hook.
func (rs *RegistrationService) Deprovision(ctx context.Context, clientID, bearer string) error {
	client, err := rs.authenticate(ctx, clientID, bearer)
	if err != nil {
		return err
	}
	if err := rs.store.Remove(ctx, keyRegistrationToken+client.RegistrationAccessToken); err != nil {
		return err
	}
	if err := rs.clients.Remove(ctx, clientID); err != nil {
		return err
	}
	rs.revoked(ctx, client)
	return nil
}

// authenticate resolves the client and checks the registration access
// token, under the same audit lockout as password grants.
func (rs *RegistrationService) authenticate(ctx context.Context, clientID, bearer string) (*ClientMetadata, error) {
	locked, err := rs.audit.LockedOut(ctx, "register", clientID)
	if err != nil {
		return nil, err
	}
	if locked {
		return nil, NewError(ErrAccessDenied, "too many failed attempts")
	}

	client, err := rs.clients.Load(ctx, clientID)
	if errors.Is(err, ErrClientNotFound) {
		return nil, NewError(ErrInvalidClient, "unknown client")
	}
	if err != nil {
		return nil, err
	}

	var owner string
	err = rs.store.Get(ctx, keyRegistrationToken+bearer, &owner)
	if errors.Is(err, ErrNotFound) || (err == nil && owner != clientID) {
		if auditErr := rs.audit.Record(ctx, "register", clientID); auditErr != nil {
			rs.logger.Error("audit record failed", "error", auditErr)
		}
		return nil, NewError(ErrInvalidToken, "bad registration access token")
	}
	if err != nil {
		return nil, err
	}
	if err := rs.audit.Clear(ctx, "register", clientID); err != nil {
		rs.logger.Error("audit clear failed", "error", err)
	}
	return client, nil
}

// negotiate intersects the client's preference lists with the server's
// support, keeping the client's order. Empty preferences take the
// server defaults.
func (rs *RegistrationService) negotiate(client *ClientMetadata) {
	client.GrantTypes = intersect(client.GrantTypes, supportedGrantTypes, []string{GrantAuthorizationCode})
	client.ResponseTypes = intersect(client.ResponseTypes, supportedResponseTypes, []string{"code"})
	if client.IDTokenSignedResponseAlg != "" && !slices.Contains(supportedIDTokenAlgs, client.IDTokenSignedResponseAlg) {
		client.IDTokenSignedResponseAlg = firstSupported(supportedIDTokenAlgs)
	}
}

// intersect keeps the preferred entries that are supported, in
// preference order, falling back when nothing matches.
func intersect(preferred, supported, fallback []string) []string {
	if len(preferred) == 0 {
		return fallback
	}
	var out []string
	for _, p := range preferred {
		if slices.Contains(supported, p) {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func firstSupported(supported []string) string {
	if len(supported) == 0 {
		return ""
	}
	return supported[0]
}

func (rs *RegistrationService) nearExpiry(client *ClientMetadata) bool {
	if client.ClientSecretExpiresAt == 0 {
		return false
	}
	return time.Until(time.Unix(client.ClientSecretExpiresAt, 0)) < rs.lifetime/10
}

func (rs *RegistrationService) rotateCredentials(ctx context.Context, client *ClientMetadata) error {
	if err := rs.store.Remove(ctx, keyRegistrationToken+client.RegistrationAccessToken); err != nil {
		return err
	}
	client.ClientSecret = randomSecret()
	client.ClientSecretExpiresAt = time.Now().Add(rs.lifetime).Unix()
	return rs.issueRegistrationToken(ctx, client)
}

func (rs *RegistrationService) issueRegistrationToken(ctx context.Context, client *ClientMetadata) error {
	client.RegistrationAccessToken = randomSecret()
	return rs.store.Put(ctx, keyRegistrationToken+client.RegistrationAccessToken, client.ClientID, 0)
}

func validateMetadata(req *ClientMetadata) error {
	for _, uri := range req.RedirectURIs {
		parsed, err := url.Parse(uri)
		if err != nil || !parsed.IsAbs() || parsed.Fragment != "" {
			return NewError(ErrInvalidRedirectURI, "redirect URIs must be absolute and fragment-free")
		}
	}
	switch req.ApplicationType {
	case "", ApplicationTypeWeb, ApplicationTypeNative:
	default:
		return NewError(ErrInvalidClientMetadata, "unknown application_type")
	}
	switch req.SubjectType {
	case "", SubjectTypePublic, SubjectTypePairwise:
	default:
		return NewError(ErrInvalidClientMetadata, "unknown subject_type")
	}
	return nil
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return base64.RawURLEncoding.EncodeToString([]byte(time.Now().String()))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
