package app

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// AuthorizationCode is the pending-authorization record behind one code
// string. At most one record exists per code; redemption consumes it.
type AuthorizationCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri,omitempty"`
	Scope               string    `json:"scope,omitempty"`
	Nonce               string    `json:"nonce,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Subject             string    `json:"subject"`
	AuthTime            time.Time `json:"auth_time"`
	MaxAge              int64     `json:"max_age,omitempty"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// Redirect describes the authorization response sent back through the
// user agent. Parameters travel in the query for code-only responses and
// in the fragment when tokens are returned directly.
type Redirect struct {
	URI      string
	Params   url.Values
	Fragment bool
}

// URL renders the full redirect target.
func (r *Redirect) URL() string {
	sep := "?"
	if r.Fragment {
		sep = "#"
	}
	return r.URI + sep + r.Params.Encode()
}

// GrantConfig tunes the grant state machine.
type GrantConfig struct {
	ForcePKCE bool `yaml:"force_pkce"`
}

// Authorizer drives the authorization and token endpoints. Each call is
// a pure function of (stored state, request): validation steps run in
// order and short-circuit, so no tokens are minted after any failed
// precondition.
type Authorizer struct {
	tokens    *TokenService
	clients   ClientRepository
	users     UserDirectory
	store     Store
	audit     *Auditor
	ids       IDGenerator
	policy    ResourcePolicy
	devices   *DeviceService
	codeTTL   time.Duration
	forcePKCE bool
	logger    *slog.Logger
}

// NewAuthorizer wires the grant state machine.
func NewAuthorizer(tokens *TokenService, clients ClientRepository, users UserDirectory, store Store,
	audit *Auditor, ids IDGenerator, policy ResourcePolicy, devices *DeviceService,
	cfg TokenConfig, grants GrantConfig, logger *slog.Logger) *Authorizer {
	codeTTL := cfg.CodeTTL
	if codeTTL <= 0 {
		codeTTL = time.Minute
	}
	if policy == nil {
		policy = AllowAllResources{}
	}
	return &Authorizer{
		tokens:    tokens,
		clients:   clients,
		users:     users,
		store:     store,
		audit:     audit,
		ids:       ids,
		policy:    policy,
		devices:   devices,
		codeTTL:   codeTTL,
		forcePKCE: grants.ForcePKCE,
		logger:    logger,
	}
}

// Authorize handles one authorization-endpoint call for an authenticated
// subject and returns the redirect descriptor. Protocol failures after
// the redirect URI is validated return a redirect carrying the error;
// before that, the error itself.
func (a *Authorizer) Authorize(ctx context.Context, req *AuthorizationRequest, subject string, authTime time.Time) (*Redirect, error) {
	client, err := a.clients.Load(ctx, req.ClientID)
	if errors.Is(err, ErrClientNotFound) {
		return nil, NewError(ErrInvalidClient, "unknown client")
	}
	if err != nil {
		return nil, err
	}
	if !client.RedirectAllowed(req.RedirectURI) {
		// Never redirect to an unregistered URI.
		return nil, NewError(ErrInvalidRedirectURI, "redirect_uri is not registered")
	}
	redirectURI := req.RedirectURI
	if redirectURI == "" && len(client.RedirectURIs) == 1 {
		redirectURI = client.RedirectURIs[0]
	}
	if redirectURI == "" {
		return nil, NewError(ErrInvalidRequest, "redirect_uri required")
	}

	fragment := req.ResponseType.UsesFragment()
	fail := func(oe *Error) (*Redirect, error) {
		params := url.Values{"error": {oe.Code}}
		if oe.Description != "" {
			params.Set("error_description", oe.Description)
		}
		if req.State != "" {
			params.Set("state", req.State)
		}
		return &Redirect{URI: redirectURI, Params: params, Fragment: fragment}, nil
	}

	if req.ResponseType == ResponseTypeUnknown {
		return fail(NewError(ErrUnsupportedResponseType, "unrecognized response_type"))
	}
	if err := checkPKCE(req, client, a.forcePKCE); err != nil {
		return fail(err)
	}
	if !client.ScopeAllowed(req.Scope) {
		return fail(NewError(ErrInvalidScope, "scope exceeds registration"))
	}
	if req.Resource != "" && !a.policy.InScope(ctx, req.Resource, req.Scope) {
		return fail(NewError(ErrInvalidScope, "requested resource not covered by granted scope"))
	}

	params := url.Values{}
	if req.State != "" {
		params.Set("state", req.State)
	}

	if req.ResponseType.IncludesCode() {
		code, err := a.mintCode(ctx, req, client, subject, authTime)
		if err != nil {
			return nil, err
		}
		params.Set("code", code)
	}

	var accessToken string
	if req.ResponseType.IncludesToken() {
		accessToken, err = a.tokens.IssueAccessToken(ctx, subject, client.ClientID, req.Scope)
		if err != nil {
			return nil, err
		}
		params.Set("access_token", accessToken)
		params.Set("token_type", "Bearer")
		params.Set("expires_in", strconv.FormatInt(int64(a.tokens.AccessTTL().Seconds()), 10))
	}

	if req.ResponseType.IncludesIDToken() {
		user, err := a.users.LoadUser(ctx, subject)
		if err != nil {
			return nil, err
		}
		idToken, err := a.tokens.IssueIDToken(IDTokenRequest{
			Client:      client,
			User:        user,
			Scope:       req.Scope,
			Nonce:       req.Nonce,
			AuthTime:    authTime,
			MaxAge:      req.MaxAge,
			AccessToken: accessToken,
			Code:        params.Get("code"),
		})
		if err != nil {
			return nil, err
		}
		params.Set("id_token", idToken)
	}

	return &Redirect{URI: redirectURI, Params: params, Fragment: fragment}, nil
}

func (a *Authorizer) mintCode(ctx context.Context, req *AuthorizationRequest, client *ClientMetadata, subject string, authTime time.Time) (string, error) {
	id, err := a.ids.NextID()
	if err != nil {
		return "", err
	}
	code := "ac-" + id + "-" + randomKeyID()
	record := AuthorizationCode{
		Code:                code,
		ClientID:            client.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Subject:             subject,
		AuthTime:            authTime,
		MaxAge:              req.MaxAge,
		ExpiresAt:           time.Now().Add(a.codeTTL),
	}
	if err := a.store.Put(ctx, keyAuthorizationCode+code, record, a.codeTTL); err != nil {
		return "", err
	}
	return code, nil
}

// checkPKCE enforces challenge presence, length, and method.
func checkPKCE(req *AuthorizationRequest, client *ClientMetadata, force bool) *Error {
	if req.CodeChallenge == "" {
		if force && client.Public() && req.ResponseType.IncludesCode() {
			return NewError(ErrInvalidRequest, "code_challenge required for public clients")
		}
		return nil
	}
	if n := len(req.CodeChallenge); n < 43 || n > 128 {
		return NewError(ErrInvalidRequest, "code_challenge must be 43-128 characters")
	}
	switch req.CodeChallengeMethod {
	case "", "plain", "S256":
		return nil
	default:
		return NewError(ErrInvalidRequest, "unsupported code_challenge_method")
	}
}

// Token handles one token-endpoint call for an authenticated client.
func (a *Authorizer) Token(ctx context.Context, client *ClientMetadata, req *TokenRequest) (TokenResponse, error) {
	if !client.GrantAllowed(req.GrantType) {
		return TokenResponse{}, NewError(ErrUnauthorizedClient, "client may not use this grant")
	}

	switch req.GrantType {
	case GrantAuthorizationCode:
		return a.grantAuthorizationCode(ctx, client, req)
	case GrantPassword:
		return a.grantPassword(ctx, client, req)
	case GrantClientCredentials:
		return a.grantClientCredentials(ctx, client, req)
	case GrantRefreshToken:
		return a.grantRefreshToken(ctx, client, req)
	case GrantDeviceCode:
		return a.grantDeviceCode(ctx, client, req)
	default:
		return TokenResponse{}, NewError(ErrInvalidGrant, "unknown grant type")
	}
}

func (a *Authorizer) grantAuthorizationCode(ctx context.Context, client *ClientMetadata, req *TokenRequest) (TokenResponse, error) {
	if req.Code == "" {
		return TokenResponse{}, NewError(ErrInvalidRequest, "code required")
	}

	// Single use: the code leaves the store before any further check, so
	// a concurrent redemption of the same code finds nothing.
	var code AuthorizationCode
	err := a.store.GetAndRemove(ctx, keyAuthorizationCode+req.Code, &code)
	if errors.Is(err, ErrNotFound) {
		return TokenResponse{}, NewError(ErrInvalidGrant, "unknown or already used code")
	}
	if err != nil {
		return TokenResponse{}, err
	}
	if time.Now().After(code.ExpiresAt) {
		return TokenResponse{}, NewError(ErrInvalidGrant, "code expired")
	}
	if code.ClientID != client.ClientID {
		return TokenResponse{}, NewError(ErrInvalidGrant, "code was issued to another client")
	}
	if code.RedirectURI != req.RedirectURI {
		return TokenResponse{}, NewError(ErrInvalidGrant, "redirect_uri mismatch")
	}
	if err := verifyPKCE(code, req.CodeVerifier); err != nil {
		return TokenResponse{}, err
	}

	return a.mint(ctx, client, code.Subject, code.Scope, req.Resource, &code)
}

func (a *Authorizer) grantPassword(ctx context.Context, client *ClientMetadata, req *TokenRequest) (TokenResponse, error) {
	if req.Username == "" || req.Password == "" {
		return TokenResponse{}, NewError(ErrInvalidRequest, "username and password required")
	}
	auditID := client.ClientID + ":" + req.Username

	locked, err := a.audit.LockedOut(ctx, "token:password", auditID)
	if err != nil {
		return TokenResponse{}, err
	}
	if locked {
		return TokenResponse{}, NewError(ErrAccessDenied, "too many failed attempts")
	}

	ok, err := a.users.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		return TokenResponse{}, err
	}
	if !ok {
		if err := a.audit.Record(ctx, "token:password", auditID); err != nil {
			a.logger.Error("audit record failed", "error", err)
		}
		return TokenResponse{}, NewError(ErrInvalidGrant, "bad credentials")
	}
	if err := a.audit.Clear(ctx, "token:password", auditID); err != nil {
		a.logger.Error("audit clear failed", "error", err)
	}

	user, err := a.users.LoadUserByName(ctx, req.Username)
	if err != nil {
		return TokenResponse{}, err
	}
	return a.mint(ctx, client, user.ID, req.Scope, req.Resource, nil)
}

func (a *Authorizer) grantClientCredentials(ctx context.Context, client *ClientMetadata, req *TokenRequest) (TokenResponse, error) {
	if client.Public() {
		return TokenResponse{}, NewError(ErrUnauthorizedClient, "public clients may not use client_credentials")
	}
	// No subject: the token represents the client itself.
	return a.mint(ctx, client, "", req.Scope, req.Resource, nil)
}

func (a *Authorizer) grantRefreshToken(ctx context.Context, client *ClientMetadata, req *TokenRequest) (TokenResponse, error) {
	if req.RefreshToken == "" {
		return TokenResponse{}, NewError(ErrInvalidRequest, "refresh_token required")
	}
	record, next, err := a.tokens.RedeemRefreshToken(ctx, client.ClientID, req.RefreshToken)
	if err != nil {
		return TokenResponse{}, err
	}
	if req.Resource != "" && !a.policy.InScope(ctx, req.Resource, record.Scope) {
		return TokenResponse{}, NewError(ErrInvalidScope, "requested resource not covered by granted scope")
	}

	accessToken, err := a.tokens.IssueAccessToken(ctx, record.Subject, client.ClientID, record.Scope)
	if err != nil {
		return TokenResponse{}, err
	}
	return TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(a.tokens.AccessTTL().Seconds()),
		RefreshToken: next,
		Scope:        record.Scope,
	}, nil
}

func (a *Authorizer) grantDeviceCode(ctx context.Context, client *ClientMetadata, req *TokenRequest) (TokenResponse, error) {
	if req.DeviceCode == "" {
		return TokenResponse{}, NewError(ErrInvalidRequest, "device_code required")
	}
	grant, err := a.devices.Redeem(ctx, client, req.DeviceCode)
	if err != nil {
		return TokenResponse{}, err
	}
	return a.mint(ctx, client, grant.Subject, grant.Scope, req.Resource, nil)
}

// mint runs the resource-scope policy check and issues the token set.
// Every grant funnels through here; nothing is minted before the check.
func (a *Authorizer) mint(ctx context.Context, client *ClientMetadata, subject, scope, resource string, code *AuthorizationCode) (TokenResponse, error) {
	if resource != "" && !a.policy.InScope(ctx, resource, scope) {
		return TokenResponse{}, NewError(ErrInvalidScope, "requested resource not covered by granted scope")
	}

	accessToken, err := a.tokens.IssueAccessToken(ctx, subject, client.ClientID, scope)
	if err != nil {
		return TokenResponse{}, err
	}
	resp := TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(a.tokens.AccessTTL().Seconds()),
		Scope:       scope,
	}

	if subject != "" {
		refreshToken, err := a.tokens.IssueRefreshToken(ctx, subject, client.ClientID, scope)
		if err != nil {
			return TokenResponse{}, err
		}
		resp.RefreshToken = refreshToken
	}

	if code != nil && containsScope(scope, "openid") {
		user, err := a.users.LoadUser(ctx, code.Subject)
		if err != nil {
			return TokenResponse{}, err
		}
		idToken, err := a.tokens.IssueIDToken(IDTokenRequest{
			Client:      client,
			User:        user,
			Scope:       scope,
			Nonce:       code.Nonce,
			AuthTime:    code.AuthTime,
			MaxAge:      code.MaxAge,
			AccessToken: accessToken,
		})
		if err != nil {
			return TokenResponse{}, err
		}
		resp.IDToken = idToken
	}
	return resp, nil
}

// verifyPKCE checks the verifier against the stored challenge per the
// declared method. Any mismatch is access_denied.
func verifyPKCE(code AuthorizationCode, verifier string) *Error {
	if code.CodeChallenge == "" {
		return nil
	}
	if verifier == "" {
		return NewError(ErrInvalidRequest, "code_verifier required")
	}
	var derived string
	switch code.CodeChallengeMethod {
	case "", "plain":
		derived = verifier
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		derived = base64.RawURLEncoding.EncodeToString(sum[:])
	default:
		return NewError(ErrInvalidRequest, "unsupported code_challenge_method")
	}
	if subtle.ConstantTimeCompare([]byte(derived), []byte(code.CodeChallenge)) != 1 {
		return NewError(ErrAccessDenied, "code_verifier does not match challenge")
	}
	return nil
}

func containsScope(scope, token string) bool {
	for _, s := range strings.Fields(scope) {
		if s == token {
			return true
		}
	}
	return false
}
