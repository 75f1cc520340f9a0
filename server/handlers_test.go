package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"oauthd/app"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.Issuer = "http://auth.test"
	cfg.Server.SecretsPath = t.TempDir()
	cfg.Clients = []app.StaticClient{{
		ClientID:     "webapp",
		ClientSecret: "webapp-secret",
		RedirectURIs: []string{"http://rp.test/callback"},
		GrantTypes: []string{
			"authorization_code", "refresh_token", "password",
			"client_credentials", "urn:ietf:params:oauth:grant-type:device_code",
		},
		Scope: "openid profile email offline_access",
	}}
	cfg.Users = []app.User{{
		ID:       "user-1",
		Username: "alice",
		Password: "s3cret",
		Name:     "Alice Example",
		Email:    "alice@example.com",
	}}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := NewApp(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func doForm(t *testing.T, handler http.Handler, method, path string, form url.Values, decorate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req := httptest.NewRequest(method, path, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if decorate != nil {
		decorate(req)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func asAlice(req *http.Request)  { req.SetBasicAuth("alice", "s3cret") }
func asWebapp(req *http.Request) { req.SetBasicAuth("webapp", "webapp-secret") }

func TestDiscoveryDocument(t *testing.T) {
	handler := newTestApp(t).Routes()
	rec := doForm(t, handler, http.MethodGet, "/.well-known/openid-configuration", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	doc := decodeBody(t, rec)
	if doc["issuer"] != "http://auth.test" {
		t.Fatalf("issuer = %v", doc["issuer"])
	}
	if doc["authorization_endpoint"] != "http://auth.test/authorize" {
		t.Fatalf("authorization_endpoint = %v", doc["authorization_endpoint"])
	}
	if doc["jwks_uri"] != "http://auth.test/.well-known/jwks.json" {
		t.Fatalf("jwks_uri = %v", doc["jwks_uri"])
	}
}

func TestJWKSEndpointServesPublicKeys(t *testing.T) {
	handler := newTestApp(t).Routes()
	for _, path := range []string{"/.well-known/jwks.json", "/jwks.json"} {
		rec := doForm(t, handler, http.MethodGet, path, nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d", path, rec.Code)
		}
		var jwks struct {
			Keys []map[string]any `json:"keys"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &jwks); err != nil {
			t.Fatalf("%s: decode: %v", path, err)
		}
		if len(jwks.Keys) == 0 {
			t.Fatalf("%s: empty key set", path)
		}
		for _, key := range jwks.Keys {
			if _, leaked := key["d"]; leaked {
				t.Fatalf("%s: private material published", path)
			}
		}
	}
}

func TestAuthorizeRequiresUserAuthentication(t *testing.T) {
	handler := newTestApp(t).Routes()
	rec := doForm(t, handler, http.MethodGet,
		"/authorize?response_type=code&client_id=webapp&redirect_uri=http://rp.test/callback", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); !strings.HasPrefix(got, "Basic") {
		t.Fatalf("WWW-Authenticate = %q", got)
	}

	rec = doForm(t, handler, http.MethodGet,
		"/authorize?response_type=code&client_id=webapp&redirect_uri=http://rp.test/callback",
		nil, func(req *http.Request) { req.SetBasicAuth("alice", "wrong") })
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: status %d", rec.Code)
	}
}

func TestAuthorizationCodeFlowOverHTTP(t *testing.T) {
	handler := newTestApp(t).Routes()

	rec := doForm(t, handler, http.MethodGet,
		"/authorize?response_type=code&client_id=webapp&redirect_uri=http://rp.test/callback&scope=openid+email&state=xyz",
		nil, asAlice)
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize status %d: %s", rec.Code, rec.Body.String())
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if loc.Query().Get("state") != "xyz" {
		t.Fatalf("state = %q", loc.Query().Get("state"))
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in %q", rec.Header().Get("Location"))
	}

	rec = doForm(t, handler, http.MethodPost, "/token", url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {"http://rp.test/callback"},
	}, asWebapp)
	if rec.Code != http.StatusOK {
		t.Fatalf("token status %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("Cache-Control = %q", rec.Header().Get("Cache-Control"))
	}
	tokens := decodeBody(t, rec)
	access, _ := tokens["access_token"].(string)
	refresh, _ := tokens["refresh_token"].(string)
	idToken, _ := tokens["id_token"].(string)
	if access == "" || refresh == "" || idToken == "" {
		t.Fatalf("incomplete token set: %v", tokens)
	}

	// userinfo releases claims gated on the granted scope.
	rec = doForm(t, handler, http.MethodGet, "/userinfo", nil, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+access)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("userinfo status %d: %s", rec.Code, rec.Body.String())
	}
	info := decodeBody(t, rec)
	if info["sub"] != "user-1" || info["email"] != "alice@example.com" {
		t.Fatalf("userinfo: %v", info)
	}
	if _, ok := info["name"]; ok {
		t.Fatalf("profile claim released without profile scope: %v", info)
	}

	// The refresh grant rotates the token.
	rec = doForm(t, handler, http.MethodPost, "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
	}, asWebapp)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status %d: %s", rec.Code, rec.Body.String())
	}
	rotated := decodeBody(t, rec)
	if rotated["refresh_token"] == refresh {
		t.Fatal("refresh token did not rotate")
	}
}

func TestTokenEndpointClientAuthentication(t *testing.T) {
	handler := newTestApp(t).Routes()

	rec := doForm(t, handler, http.MethodPost, "/token", url.Values{
		"grant_type": {"client_credentials"},
	}, func(req *http.Request) { req.SetBasicAuth("webapp", "wrong") })
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "invalid_client" {
		t.Fatalf("body: %s", rec.Body.String())
	}

	// client_secret_post works too.
	rec = doForm(t, handler, http.MethodPost, "/token", url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"webapp"},
		"client_secret": {"webapp-secret"},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestTokenEndpointRejectsRepeatedParameters(t *testing.T) {
	handler := newTestApp(t).Routes()
	rec := doForm(t, handler, http.MethodPost, "/token", url.Values{
		"grant_type": {"client_credentials", "password"},
		"client_id":  {"webapp"},
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "invalid_request" {
		t.Fatalf("body: %s", rec.Body.String())
	}
}

func TestAuthorizeWithoutResponseTypeIsDeviceAuthorization(t *testing.T) {
	handler := newTestApp(t).Routes()

	rec := doForm(t, handler, http.MethodPost, "/authorize", url.Values{
		"scope": {"openid"},
	}, asWebapp)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody(t, rec)
	if dc, _ := resp["device_code"].(string); dc == "" {
		t.Fatalf("device authorization response: %v", resp)
	}
	if uc, _ := resp["user_code"].(string); uc == "" {
		t.Fatalf("device authorization response: %v", resp)
	}
	if resp["verification_uri"] != "http://auth.test/device" {
		t.Fatalf("verification_uri = %v", resp["verification_uri"])
	}
}

func TestDeviceFlowOverHTTP(t *testing.T) {
	handler := newTestApp(t).Routes()

	rec := doForm(t, handler, http.MethodPost, "/device_authorization", url.Values{
		"scope": {"openid"},
	}, asWebapp)
	if rec.Code != http.StatusOK {
		t.Fatalf("device_authorization status %d: %s", rec.Code, rec.Body.String())
	}
	authz := decodeBody(t, rec)
	deviceCode, _ := authz["device_code"].(string)
	userCode, _ := authz["user_code"].(string)

	poll := url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code": {deviceCode},
	}
	rec = doForm(t, handler, http.MethodPost, "/token", poll, asWebapp)
	if rec.Code != http.StatusBadRequest || decodeBody(t, rec)["error"] != "authorization_pending" {
		t.Fatalf("early poll: %d %s", rec.Code, rec.Body.String())
	}

	// The verification form renders with the code prefilled.
	rec = doForm(t, handler, http.MethodGet, "/device?user_code="+userCode, nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), userCode) {
		t.Fatalf("device form: %d", rec.Code)
	}

	rec = doForm(t, handler, http.MethodPost, "/device", url.Values{
		"user_code": {userCode},
	}, asAlice)
	if rec.Code != http.StatusOK {
		t.Fatalf("device complete: %d %s", rec.Code, rec.Body.String())
	}

	rec = doForm(t, handler, http.MethodPost, "/token", poll, asWebapp)
	if rec.Code != http.StatusOK {
		t.Fatalf("redeem: %d %s", rec.Code, rec.Body.String())
	}
	if at, _ := decodeBody(t, rec)["access_token"].(string); at == "" {
		t.Fatalf("no access token: %s", rec.Body.String())
	}

	rec = doForm(t, handler, http.MethodPost, "/device", url.Values{
		"user_code": {"XXXX-YYYY"},
	}, asAlice)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad user code: %d", rec.Code)
	}
}

func TestIntrospectAndRevokeOverHTTP(t *testing.T) {
	handler := newTestApp(t).Routes()

	rec := doForm(t, handler, http.MethodPost, "/token", url.Values{
		"grant_type": {"password"},
		"username":   {"alice"},
		"password":   {"s3cret"},
		"scope":      {"openid"},
	}, asWebapp)
	if rec.Code != http.StatusOK {
		t.Fatalf("password grant: %d %s", rec.Code, rec.Body.String())
	}
	access, _ := decodeBody(t, rec)["access_token"].(string)

	rec = doForm(t, handler, http.MethodPost, "/introspect", url.Values{"token": {access}}, asWebapp)
	if rec.Code != http.StatusOK {
		t.Fatalf("introspect: %d", rec.Code)
	}
	if out := decodeBody(t, rec); out["active"] != true || out["sub"] != "user-1" {
		t.Fatalf("introspection: %v", out)
	}

	rec = doForm(t, handler, http.MethodPost, "/revoke", url.Values{"token": {access}}, asWebapp)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke: %d %s", rec.Code, rec.Body.String())
	}
	// Revoking an unknown token is still a 200.
	rec = doForm(t, handler, http.MethodPost, "/revoke", url.Values{"token": {"nonsense"}}, asWebapp)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke unknown: %d", rec.Code)
	}

	rec = doForm(t, handler, http.MethodPost, "/introspect", url.Values{"token": {access}}, asWebapp)
	if out := decodeBody(t, rec); out["active"] != false {
		t.Fatalf("revoked token still active: %v", out)
	}

	rec = doForm(t, handler, http.MethodGet, "/userinfo", nil, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+access)
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("revoked bearer on userinfo: %d", rec.Code)
	}
}

func TestRegistrationLifecycleOverHTTP(t *testing.T) {
	handler := newTestApp(t).Routes()

	body, _ := json.Marshal(map[string]any{
		"client_name":   "Fresh RP",
		"redirect_uris": []string{"https://fresh.example/cb"},
		"grant_types":   []string{"authorization_code", "refresh_token"},
	})
	req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}
	created := decodeBody(t, rec)
	clientID, _ := created["client_id"].(string)
	bearer, _ := created["registration_access_token"].(string)
	secret, _ := created["client_secret"].(string)
	if clientID == "" || bearer == "" || secret == "" {
		t.Fatalf("registration response: %v", created)
	}

	withBearer := func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+bearer) }

	rec = doForm(t, handler, http.MethodGet, "/register/"+clientID, nil, withBearer)
	if rec.Code != http.StatusOK {
		t.Fatalf("read: %d %s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["client_name"] != "Fresh RP" {
		t.Fatalf("read body: %s", rec.Body.String())
	}

	rec = doForm(t, handler, http.MethodGet, "/register/"+clientID, nil, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer forged")
	})
	if rec.Code != http.StatusBadRequest && rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged bearer: %d", rec.Code)
	}

	update, _ := json.Marshal(map[string]any{
		"client_name":   "Renamed RP",
		"redirect_uris": []string{"https://fresh.example/cb"},
	})
	req = httptest.NewRequest(http.MethodPut, "/register/"+clientID, bytes.NewReader(update))
	req.Header.Set("Content-Type", "application/json")
	withBearer(req)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["client_name"] != "Renamed RP" {
		t.Fatalf("update body: %s", rec.Body.String())
	}

	rec = doForm(t, handler, http.MethodDelete, "/register/"+clientID, nil, withBearer)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body.String())
	}
	rec = doForm(t, handler, http.MethodGet, "/register/"+clientID, nil, withBearer)
	if rec.Code == http.StatusOK {
		t.Fatal("registration readable after deprovision")
	}
}

func TestUserInfoRequiresOpenIDScope(t *testing.T) {
	handler := newTestApp(t).Routes()

	rec := doForm(t, handler, http.MethodPost, "/token", url.Values{
		"grant_type": {"password"},
		"username":   {"alice"},
		"password":   {"s3cret"},
		"scope":      {"profile"},
	}, asWebapp)
	if rec.Code != http.StatusOK {
		t.Fatalf("password grant: %d %s", rec.Code, rec.Body.String())
	}
	access, _ := decodeBody(t, rec)["access_token"].(string)

	rec = doForm(t, handler, http.MethodGet, "/userinfo", nil, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+access)
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["error"] != "insufficient_scope" {
		t.Fatalf("body: %s", rec.Body.String())
	}

	rec = doForm(t, handler, http.MethodGet, "/userinfo", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing bearer: %d", rec.Code)
	}
}
