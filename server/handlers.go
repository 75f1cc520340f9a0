package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"oauthd/app"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config       Config
	Logger       *slog.Logger
	Store        app.Store
	Keys         *app.KeyManager
	Clients      app.ClientRepository
	Users        app.UserDirectory
	Tokens       *app.TokenService
	Devices      *app.DeviceService
	Authorizer   *app.Authorizer
	Registration *app.RegistrationService

	stopRotation chan struct{}
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	issuer := strings.TrimSuffix(cfg.Server.Issuer, "/")

	var store app.Store
	switch cfg.Storage.Backend {
	case "redis":
		redisStore, err := app.NewRedisStore(ctx, cfg.Storage.Redis)
		if err != nil {
			return nil, fmt.Errorf("init redis: %w", err)
		}
		store = redisStore
	default:
		store = app.NewMemoryStore()
	}

	keys, err := app.NewKeyManager(cfg.Keys.Build(cfg.Server.SecretsPath), logger)
	if err != nil {
		return nil, err
	}

	ids, err := app.NewSnowflakeGenerator(cfg.Server.NodeID)
	if err != nil {
		return nil, err
	}

	auditWindow := parseDuration(cfg.Audit.Window, DefaultAuditWindow)
	audit := app.NewAuditor(store, cfg.Audit.MaxFailures, auditWindow)

	clients := app.NewMemoryClientRepository()
	if err := app.LoadStaticClients(ctx, clients, cfg.Clients); err != nil {
		return nil, fmt.Errorf("load static clients: %w", err)
	}
	users := app.NewMemoryUserDirectory(cfg.Users)

	tokenCfg := cfg.Tokens.Build()
	tokens := app.NewTokenService(issuer, tokenCfg, store, keys, ids, logger)
	devices := app.NewDeviceService(store, audit, ids, issuer+"/device", tokenCfg.DeviceTTL, logger)
	authorizer := app.NewAuthorizer(tokens, clients, users, store, audit, ids, nil, devices, tokenCfg, cfg.Grants, logger)

	revoked := func(ctx context.Context, client *app.ClientMetadata) {
		if err := tokens.RevokeAllForClient(ctx, client); err != nil {
			logger.Error("revoke tokens for deprovisioned client", "client_id", client.ClientID, "error", err)
		}
	}
	registration := app.NewRegistrationService(clients, store, audit, ids, issuer, cfg.Registration.Build(), revoked, logger)

	a := &App{
		Config:       cfg,
		Logger:       logger,
		Store:        store,
		Keys:         keys,
		Clients:      clients,
		Users:        users,
		Tokens:       tokens,
		Devices:      devices,
		Authorizer:   authorizer,
		Registration: registration,
		stopRotation: make(chan struct{}),
	}

	if interval := parseDuration(cfg.Keys.RotateInterval, 0); interval > 0 {
		keys.StartRotation(interval, a.stopRotation)
	}
	return a, nil
}

// Close stops background workers.
func (a *App) Close() {
	close(a.stopRotation)
}

func (a *App) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, app.BuildDiscoveryDocument(a.Config.Server.Issuer))
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Keys.PublicJWKS())
}

func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, app.NewError(app.ErrInvalidRequest, "invalid form"))
		return
	}
	req := app.ParseRequest(r.Form)
	if req.Illegal() {
		writeError(w, app.NewError(app.ErrInvalidRequest, "repeated parameter"))
		return
	}

	// A request without response_type is a device authorization request.
	if !req.Has("response_type") {
		a.deviceAuthorization(w, r, req)
		return
	}

	user, ok := a.authenticateUser(w, r)
	if !ok {
		return
	}

	var maxAge int64
	if v := req.Get("max_age"); v != "" {
		maxAge, _ = strconv.ParseInt(v, 10, 64)
	}
	authReq := &app.AuthorizationRequest{
		ResponseType:        app.ParseResponseType(req.Get("response_type")),
		RawResponseType:     req.Get("response_type"),
		ClientID:            req.Get("client_id"),
		RedirectURI:         req.Get("redirect_uri"),
		Scope:               req.Get("scope"),
		State:               req.Get("state"),
		Nonce:               req.Get("nonce"),
		CodeChallenge:       req.Get("code_challenge"),
		CodeChallengeMethod: req.Get("code_challenge_method"),
		MaxAge:              maxAge,
		Resource:            req.Get("resource"),
		Prompt:              req.Get("prompt"),
	}

	ctx := app.WithSubject(r.Context(), user.ID)
	redirect, err := a.Authorizer.Authorize(ctx, authReq, user.ID, time.Now())
	if err != nil {
		a.Logger.Warn("authorize rejected", "client_id", authReq.ClientID, "error", err)
		writeError(w, err)
		return
	}
	http.Redirect(w, r, redirect.URL(), http.StatusFound)
}

// deviceAuthorization serves both POST /device_authorization and the
// response_type-less /authorize form of the same request.
func (a *App) deviceAuthorization(w http.ResponseWriter, r *http.Request, req *app.Request) {
	client, err := a.authenticateClient(r, req)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := a.Devices.Authorize(r.Context(), client, req.Get("scope"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, app.NewError(app.ErrInvalidRequest, "invalid form"))
		return
	}
	req := app.ParseRequest(r.PostForm)
	if req.Illegal() {
		writeError(w, app.NewError(app.ErrInvalidRequest, "repeated parameter"))
		return
	}
	a.deviceAuthorization(w, r, req)
}

var deviceTemplate = template.Must(template.New("device").Parse(`<!doctype html>
<html><head><title>Device Verification</title></head><body>
<h1>Connect a device</h1>
{{if .Message}}<p>{{.Message}}</p>{{end}}
<form method="post" action="/device">
<label>Code shown on your device: <input name="user_code" value="{{.UserCode}}" autofocus></label>
<button type="submit">Continue</button>
</form>
</body></html>
`))

func (a *App) handleDeviceForm(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = deviceTemplate.Execute(w, map[string]string{
		"UserCode": r.URL.Query().Get("user_code"),
	})
}

func (a *App) handleDeviceComplete(w http.ResponseWriter, r *http.Request) {
	user, ok := a.authenticateUser(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, app.NewError(app.ErrInvalidRequest, "invalid form"))
		return
	}
	userCode := r.PostFormValue("user_code")
	ctx := app.WithSubject(r.Context(), user.ID)
	if err := a.Devices.Complete(ctx, userCode, user.ID); err != nil {
		a.Logger.Warn("device completion failed", "error", err)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		_ = deviceTemplate.Execute(w, map[string]string{
			"Message": "That code was not recognized. Check the device and try again.",
		})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<!doctype html><html><body><h1>Device connected</h1><p>You can return to your device.</p></body></html>")
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, app.NewError(app.ErrInvalidRequest, "invalid form"))
		return
	}
	req := app.ParseRequest(r.PostForm)
	if req.Illegal() {
		writeError(w, app.NewError(app.ErrInvalidRequest, "repeated parameter"))
		return
	}

	client, err := a.authenticateClient(r, req)
	if err != nil {
		writeError(w, err)
		return
	}

	tokenReq := &app.TokenRequest{
		GrantType:    req.Get("grant_type"),
		Code:         req.Get("code"),
		RedirectURI:  req.Get("redirect_uri"),
		CodeVerifier: req.Get("code_verifier"),
		Username:     req.Get("username"),
		Password:     req.Get("password"),
		RefreshToken: req.Get("refresh_token"),
		DeviceCode:   req.Get("device_code"),
		Scope:        req.Get("scope"),
		Resource:     req.Get("resource"),
	}

	resp, err := a.Authorizer.Token(r.Context(), client, tokenReq)
	if err != nil {
		a.Logger.Warn("token request rejected", "client_id", client.ClientID, "grant_type", tokenReq.GrantType, "error", err)
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, app.NewError(app.ErrInvalidRequest, "invalid form"))
		return
	}
	req := app.ParseRequest(r.PostForm)
	if _, err := a.authenticateClient(r, req); err != nil {
		writeError(w, err)
		return
	}
	token := req.Get("token")
	if token == "" {
		writeError(w, app.NewError(app.ErrInvalidRequest, "token required"))
		return
	}
	writeJSON(w, http.StatusOK, a.Tokens.Introspect(r.Context(), token))
}

func (a *App) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, app.NewError(app.ErrInvalidRequest, "invalid form"))
		return
	}
	req := app.ParseRequest(r.PostForm)
	client, err := a.authenticateClient(r, req)
	if err != nil {
		writeError(w, err)
		return
	}
	token := req.Get("token")
	if token == "" {
		writeError(w, app.NewError(app.ErrInvalidRequest, "token required"))
		return
	}
	if err := a.Tokens.Revoke(r.Context(), client.ClientID, token); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *App) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	bearer := extractBearerToken(r.Header.Get("Authorization"))
	if bearer == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="userinfo"`)
		writeError(w, app.NewError(app.ErrInvalidToken, "bearer token required"))
		return
	}
	token, err := a.Tokens.VerifyAccessToken(r.Context(), bearer)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeError(w, err)
		return
	}
	if !scopeContains(token.Scope, "openid") {
		w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
		writeError(w, app.NewError(app.ErrInsufficientScope, "openid scope required"))
		return
	}

	resp := map[string]any{"sub": token.Subject}
	user, err := a.Users.LoadUser(r.Context(), token.Subject)
	if err == nil {
		if scopeContains(token.Scope, "profile") {
			if user.Name != "" {
				resp["name"] = user.Name
			}
			if user.Picture != "" {
				resp["picture"] = user.Picture
			}
		}
		if scopeContains(token.Scope, "email") && user.Email != "" {
			resp["email"] = user.Email
			resp["email_verified"] = user.EmailVerified
		}
		if scopeContains(token.Scope, "phone") && user.PhoneNumber != "" {
			resp["phone_number"] = user.PhoneNumber
		}
		if scopeContains(token.Scope, "address") && user.Address != "" {
			resp["address"] = map[string]any{"formatted": user.Address}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	var meta app.ClientMetadata
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		writeError(w, app.NewError(app.ErrInvalidClientMetadata, "malformed registration request"))
		return
	}
	client, err := a.Registration.Register(r.Context(), &meta)
	if err != nil {
		writeError(w, err)
		return
	}
	a.Logger.Info("client registered", "client_id", client.ClientID)
	writeJSON(w, http.StatusCreated, client)
}

func (a *App) handleRegisterRead(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	client, err := a.Registration.Read(r.Context(), clientID, extractBearerToken(r.Header.Get("Authorization")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, client)
}

func (a *App) handleRegisterUpdate(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	var meta app.ClientMetadata
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		writeError(w, app.NewError(app.ErrInvalidClientMetadata, "malformed registration request"))
		return
	}
	client, err := a.Registration.Update(r.Context(), clientID, extractBearerToken(r.Header.Get("Authorization")), &meta)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, client)
}

func (a *App) handleRegisterDelete(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	if err := a.Registration.Deprovision(r.Context(), clientID, extractBearerToken(r.Header.Get("Authorization"))); err != nil {
		writeError(w, err)
		return
	}
	a.Logger.Info("client deprovisioned", "client_id", clientID)
	w.WriteHeader(http.StatusNoContent)
}

// authenticateClient resolves the calling client from Basic auth or body
// parameters. Public clients authenticate by identifier alone.
func (a *App) authenticateClient(r *http.Request, req *app.Request) (*app.ClientMetadata, error) {
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = req.Get("client_id")
		clientSecret = req.Get("client_secret")
	}
	if clientID == "" {
		return nil, app.NewError(app.ErrInvalidClient, "client authentication required")
	}
	client, err := a.Clients.Load(r.Context(), clientID)
	if errors.Is(err, app.ErrClientNotFound) {
		return nil, app.NewError(app.ErrInvalidClient, "unknown client")
	}
	if err != nil {
		return nil, err
	}
	if client.Public() {
		return client, nil
	}
	if !client.SecretMatches(clientSecret) {
		return nil, app.NewError(app.ErrInvalidClient, "client authentication failed")
	}
	return client, nil
}

// authenticateUser resolves the resource owner from Basic credentials
// against the user directory, challenging when they are absent or wrong.
func (a *App) authenticateUser(w http.ResponseWriter, r *http.Request) (*app.User, bool) {
	username, password, ok := r.BasicAuth()
	if ok {
		authed, err := a.Users.Authenticate(r.Context(), username, password)
		if err == nil && authed {
			if user, err := a.Users.LoadUserByName(r.Context(), username); err == nil {
				return user, true
			}
		}
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="oauthd"`)
	http.Error(w, "authentication required", http.StatusUnauthorized)
	return nil, false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders the wire form of an endpoint failure.
func writeError(w http.ResponseWriter, err error) {
	oe := app.AsError(err)
	if oe.Code == app.ErrInvalidClient {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauthd"`)
	}
	writeJSON(w, oe.StatusCode(), oe)
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func scopeContains(scope, token string) bool {
	for _, part := range strings.Fields(scope) {
		if part == token {
			return true
		}
	}
	return false
}
