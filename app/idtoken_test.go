package app

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"oauthd/jose"
)

func testIDTokenUser() *User {
	return &User{
		ID:            "user-1",
		Username:      "alice",
		Name:          "Alice Example",
		Picture:       "https://img.example/alice.png",
		Email:         "alice@example.com",
		EmailVerified: true,
		PhoneNumber:   "+1 555 0100",
		Address:       "1 Main St",
	}
}

func TestIDTokenReservedClaims(t *testing.T) {
	ts, _, keys := newTestTokenService(t, TokenConfig{AccessTTL: time.Minute})
	client := &ClientMetadata{ClientID: "client-1", SubjectType: SubjectTypePublic}

	token, err := ts.IssueIDToken(IDTokenRequest{
		Client: client,
		User:   testIDTokenUser(),
		Scope:  "openid",
		Nonce:  "n-0S6_WzA2Mj",
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := jose.DecodeSigned(token, keys.VerificationKeys())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if claims.String(jose.ClaimIssuer) != "https://auth.test" {
		t.Fatalf("iss = %q", claims.String(jose.ClaimIssuer))
	}
	if claims.String(jose.ClaimSubject) != "user-1" {
		t.Fatalf("sub = %q", claims.String(jose.ClaimSubject))
	}
	if auds := claims.Audiences(); len(auds) != 1 || auds[0] != "client-1" {
		t.Fatalf("aud = %v", claims.Audiences())
	}
	if claims.String(jose.ClaimNonce) != "n-0S6_WzA2Mj" {
		t.Fatalf("nonce = %q", claims.String(jose.ClaimNonce))
	}
	if claims.Expired(time.Now()) {
		t.Fatal("freshly minted token already expired")
	}
	// openid alone releases no profile claims.
	if _, ok := claims["name"]; ok {
		t.Fatal("name released without the profile scope")
	}
}

func TestIDTokenScopedClaims(t *testing.T) {
	ts, _, keys := newTestTokenService(t, TokenConfig{AccessTTL: time.Minute})
	client := &ClientMetadata{ClientID: "client-1"}

	token, err := ts.IssueIDToken(IDTokenRequest{
		Client: client,
		User:   testIDTokenUser(),
		Scope:  "openid profile email",
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := jose.DecodeSigned(token, keys.VerificationKeys())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if claims["name"] != "Alice Example" || claims["preferred_username"] != "alice" {
		t.Fatalf("profile claims missing: %+v", claims)
	}
	if claims["email"] != "alice@example.com" || claims["email_verified"] != true {
		t.Fatalf("email claims missing: %+v", claims)
	}
	if _, ok := claims["phone_number"]; ok {
		t.Fatal("phone_number released without the phone scope")
	}
	if _, ok := claims["address"]; ok {
		t.Fatal("address released without the address scope")
	}
}

func TestIDTokenPairwiseSubject(t *testing.T) {
	ts, _, keys := newTestTokenService(t, TokenConfig{AccessTTL: time.Minute})
	client := &ClientMetadata{
		ClientID:            "client-1",
		SubjectType:         SubjectTypePairwise,
		SectorIdentifierURI: "https://sector.example",
	}

	token, err := ts.IssueIDToken(IDTokenRequest{Client: client, User: testIDTokenUser(), Scope: "openid"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := jose.DecodeSigned(token, keys.VerificationKeys())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	h := sha256.New()
	h.Write([]byte("https://sector.example"))
	h.Write([]byte("user-1"))
	h.Write([]byte("client-1"))
	want := base64.RawURLEncoding.EncodeToString(h.Sum(nil))

	got := claims.String(jose.ClaimSubject)
	if got != want {
		t.Fatalf("pairwise sub = %q, want %q", got, want)
	}
	if got == "user-1" {
		t.Fatal("pairwise subject leaked the local identifier")
	}
}

func TestIDTokenHashes(t *testing.T) {
	ts, _, keys := newTestTokenService(t, TokenConfig{AccessTTL: time.Minute})
	client := &ClientMetadata{ClientID: "client-1"}

	token, err := ts.IssueIDToken(IDTokenRequest{
		Client:      client,
		User:        testIDTokenUser(),
		Scope:       "openid",
		AccessToken: "access-token-value",
		Code:        "code-value",
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := jose.DecodeSigned(token, keys.VerificationKeys())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	// RS256 selects SHA-256; the claim is the left half of the digest.
	atSum := sha256.Sum256([]byte("access-token-value"))
	if want := base64.RawURLEncoding.EncodeToString(atSum[:16]); claims[jose.ClaimATHash] != want {
		t.Fatalf("at_hash = %v, want %q", claims[jose.ClaimATHash], want)
	}
	cSum := sha256.Sum256([]byte("code-value"))
	if want := base64.RawURLEncoding.EncodeToString(cSum[:16]); claims[jose.ClaimCHash] != want {
		t.Fatalf("c_hash = %v, want %q", claims[jose.ClaimCHash], want)
	}
}

func TestIDTokenAuthTime(t *testing.T) {
	ts, _, keys := newTestTokenService(t, TokenConfig{AccessTTL: time.Minute})
	authTime := time.Now().Add(-5 * time.Minute).Truncate(time.Second)

	decode := func(req IDTokenRequest) jose.Claims {
		t.Helper()
		token, err := ts.IssueIDToken(req)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		claims, err := jose.DecodeSigned(token, keys.VerificationKeys())
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return claims
	}

	claims := decode(IDTokenRequest{
		Client:   &ClientMetadata{ClientID: "client-1", RequireAuthTime: true},
		User:     testIDTokenUser(),
		Scope:    "openid",
		AuthTime: authTime,
	})
	got, ok := claims.Time(jose.ClaimAuthTime)
	if !ok || !got.Equal(authTime) {
		t.Fatalf("auth_time = %v (ok=%v), want %v", got, ok, authTime)
	}

	claims = decode(IDTokenRequest{
		Client:   &ClientMetadata{ClientID: "client-1"},
		User:     testIDTokenUser(),
		Scope:    "openid",
		AuthTime: authTime,
		MaxAge:   300,
	})
	if _, ok := claims.Time(jose.ClaimAuthTime); !ok {
		t.Fatal("auth_time missing despite max_age")
	}

	claims = decode(IDTokenRequest{
		Client:   &ClientMetadata{ClientID: "client-1"},
		User:     testIDTokenUser(),
		Scope:    "openid",
		AuthTime: authTime,
	})
	if _, ok := claims.Time(jose.ClaimAuthTime); ok {
		t.Fatal("auth_time present without require_auth_time or max_age")
	}
}

func TestIDTokenSymmetricSigning(t *testing.T) {
	ts, _, _ := newTestTokenService(t, TokenConfig{AccessTTL: time.Minute})
	client := &ClientMetadata{
		ClientID:                 "client-1",
		ClientSecret:             "a-very-confidential-secret",
		IDTokenSignedResponseAlg: jose.HS256,
	}

	token, err := ts.IssueIDToken(IDTokenRequest{Client: client, User: testIDTokenUser(), Scope: "openid"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// Verifiable with the key stretched from the client secret, and with
	// nothing else.
	derived := jose.KeySet{Keys: []jose.Key{{Key: deriveSymmetricKey(client.ClientSecret, jose.Direct, hmacEncFor(jose.HS256))}}}
	if _, err := jose.DecodeSigned(token, &derived); err != nil {
		t.Fatalf("decode with derived key: %v", err)
	}
	wrong := jose.KeySet{Keys: []jose.Key{{Key: deriveSymmetricKey("other-secret", jose.Direct, hmacEncFor(jose.HS256))}}}
	if _, err := jose.DecodeSigned(token, &wrong); err == nil {
		t.Fatal("token verified under the wrong secret")
	}

	// A symmetric algorithm without a secret cannot sign.
	public := &ClientMetadata{ClientID: "client-2", IDTokenSignedResponseAlg: jose.HS256}
	if _, err := ts.IssueIDToken(IDTokenRequest{Client: public, User: testIDTokenUser(), Scope: "openid"}); err == nil {
		t.Fatal("signed symmetrically without a client secret")
	}
}

func TestIDTokenEncrypted(t *testing.T) {
	ts, _, keys := newTestTokenService(t, TokenConfig{AccessTTL: time.Minute})
	client := &ClientMetadata{
		ClientID:                    "client-1",
		ClientSecret:                "a-very-confidential-secret",
		IDTokenEncryptedResponseAlg: jose.Direct,
		IDTokenEncryptedResponseEnc: jose.A128CBCHS256,
	}

	token, err := ts.IssueIDToken(IDTokenRequest{
		Client: client,
		User:   testIDTokenUser(),
		Scope:  "openid",
		Nonce:  "enc-nonce",
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// Five dot-separated segments mark a compact JWE.
	if strings.Count(token, ".") != 4 {
		t.Fatalf("token is not a compact JWE: %q", token)
	}

	cek := deriveSymmetricKey(client.ClientSecret, jose.Direct, jose.A128CBCHS256)
	decKeys := &jose.KeySet{Keys: []jose.Key{{Key: cek}}}
	claims, err := jose.DecodeEncrypted(token, decKeys, keys.VerificationKeys())
	if err != nil {
		t.Fatalf("decode encrypted: %v", err)
	}
	if claims.String(jose.ClaimNonce) != "enc-nonce" {
		t.Fatalf("nonce = %q", claims.String(jose.ClaimNonce))
	}
	if claims.String(jose.ClaimSubject) != "user-1" {
		t.Fatalf("sub = %q", claims.String(jose.ClaimSubject))
	}
}
