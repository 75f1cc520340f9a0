package jose

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	return key
}

func testECKey(t *testing.T, curve elliptic.Curve) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		t.Fatalf("generate EC key: %v", err)
	}
	return key
}

func TestHMACSigningRegressionVector(t *testing.T) {
	alg, err := signatureAlgorithmFor(HS256)
	if err != nil {
		t.Fatalf("lookup HS256: %v", err)
	}
	sig, err := alg.sign(nil, []byte("Hello World"), []byte("talk is cheap, show me the code"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	want := "a640bd27e1a30fb5c5cb92dbb7aaeb915b7f7c42c3d2f0470f7483136725fbc5"
	if got := hex.EncodeToString(sig); got != want {
		t.Fatalf("HS256 digest mismatch:\n got %s\nwant %s", got, want)
	}
}

// Vector from RFC 7515 appendix A.1.
func TestParseSignedRFCVector(t *testing.T) {
	const token = "eyJ0eXAiOiJKV1QiLA0KICJhbGciOiJIUzI1NiJ9" +
		".eyJpc3MiOiJqb2UiLA0KICJleHAiOjEzMDA4MTkzODAsDQogImh0dHA6Ly9leGFtcGxlLmNvbS9pc19yb290Ijp0cnVlfQ" +
		".dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	const jwk = `{"kty":"oct","k":"AyM1SysPpbyDfgZld3umj1qzKObwVMkoqQ-EstJQLr_T-1qS0gZH75aKtMN3Yj0iPS4hcgUuTwjAzZr1Z9CAow"}`

	var key Key
	if err := key.UnmarshalJSON([]byte(jwk)); err != nil {
		t.Fatalf("parse JWK: %v", err)
	}
	jws, err := ParseSigned(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	payload, err := jws.Verify(key)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(string(payload), `"iss":"joe"`) {
		t.Fatalf("unexpected payload: %s", payload)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	rsaKey := testRSAKey(t)
	p256 := testECKey(t, elliptic.P256())
	p384 := testECKey(t, elliptic.P384())
	p521 := testECKey(t, elliptic.P521())
	secret := []byte("0123456789abcdef0123456789abcdef")

	cases := []struct {
		alg  string
		key  any
		vkey any
	}{
		{HS256, secret, secret},
		{HS384, secret, secret},
		{HS512, secret, secret},
		{RS256, rsaKey, &rsaKey.PublicKey},
		{RS384, rsaKey, &rsaKey.PublicKey},
		{RS512, rsaKey, &rsaKey.PublicKey},
		{PS256, rsaKey, &rsaKey.PublicKey},
		{PS384, rsaKey, &rsaKey.PublicKey},
		{PS512, rsaKey, &rsaKey.PublicKey},
		{ES256, p256, &p256.PublicKey},
		{ES384, p384, &p384.PublicKey},
		{ES512, p521, &p521.PublicKey},
	}

	payload := []byte(`{"sub":"alice","scope":"openid"}`)
	for _, tc := range cases {
		t.Run(tc.alg, func(t *testing.T) {
			signer, err := NewSigner(SigningKey{Algorithm: tc.alg, Key: Key{Key: tc.key, KeyID: "k1"}}, nil)
			if err != nil {
				t.Fatalf("NewSigner: %v", err)
			}
			jws, err := signer.Sign(payload)
			if err != nil {
				t.Fatalf("Sign: %v", err)
			}
			compact, err := jws.CompactSerialize()
			if err != nil {
				t.Fatalf("CompactSerialize: %v", err)
			}

			parsed, err := ParseSigned(compact)
			if err != nil {
				t.Fatalf("ParseSigned: %v", err)
			}
			got, err := parsed.Verify(Key{Key: tc.vkey, KeyID: "k1"})
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if string(got) != string(payload) {
				t.Fatalf("payload mismatch: %q", got)
			}

			// Any single-bit mutation of the signature must fail.
			sig := parsed.Signatures[0].Signature
			for _, bit := range []int{0, len(sig)*8 - 1} {
				mutated := make([]byte, len(sig))
				copy(mutated, sig)
				mutated[bit/8] ^= 1 << (bit % 8)
				parsed.Signatures[0].Signature = mutated
				if _, err := parsed.Verify(Key{Key: tc.vkey, KeyID: "k1"}); err == nil {
					t.Fatalf("verification succeeded with mutated signature bit %d", bit)
				}
			}
		})
	}
}

func TestVerifyWrongKeyFails(t *testing.T) {
	keyA := testRSAKey(t)
	keyB := testRSAKey(t)

	signer, err := NewSigner(SigningKey{Algorithm: RS256, Key: Key{Key: keyA}}, nil)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	jws, err := signer.Sign([]byte("payload"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := jws.Verify(&keyB.PublicKey); !errors.Is(err, ErrCryptoFailure) {
		t.Fatalf("want ErrCryptoFailure, got %v", err)
	}
}

func TestSignerRejectsKeyMismatchAtConstruction(t *testing.T) {
	p256 := testECKey(t, elliptic.P256())
	if _, err := NewSigner(SigningKey{Algorithm: ES384, Key: Key{Key: p256}}, nil); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("want ErrInvalidKey for curve mismatch, got %v", err)
	}
	if _, err := NewSigner(SigningKey{Algorithm: HS256, Key: Key{Key: p256}}, nil); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("want ErrInvalidKey for type mismatch, got %v", err)
	}
}

func TestUnsupportedSignatureAlgorithm(t *testing.T) {
	_, err := NewSigner(SigningKey{Algorithm: "HS1024", Key: Key{Key: []byte("secret")}}, nil)
	if !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("want ErrUnsupportedAlgorithm, got %v", err)
	}
}

func TestUnsecuredToken(t *testing.T) {
	signer, err := NewSigner(SigningKey{Algorithm: None}, nil)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	jws, err := signer.Sign([]byte("open payload"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	compact, err := jws.CompactSerialize()
	if err != nil {
		t.Fatalf("CompactSerialize: %v", err)
	}
	if !strings.HasSuffix(compact, ".") {
		t.Fatalf("alg=none compact form must end with an empty segment: %q", compact)
	}

	parsed, err := ParseSigned(compact)
	if err != nil {
		t.Fatalf("ParseSigned: %v", err)
	}
	// Verification must refuse unsecured tokens.
	if _, err := parsed.Verify(Key{Key: []byte("whatever")}); !errors.Is(err, ErrUnsecuredToken) {
		t.Fatalf("want ErrUnsecuredToken, got %v", err)
	}
	// The explicit opt-in recovers the payload.
	payload, err := parsed.UnsecuredPayload()
	if err != nil {
		t.Fatalf("UnsecuredPayload: %v", err)
	}
	if string(payload) != "open payload" {
		t.Fatalf("unexpected payload %q", payload)
	}
}

func TestMultiSignatureJSONSerialization(t *testing.T) {
	rsaKey := testRSAKey(t)
	secret := []byte("0123456789abcdef0123456789abcdef")

	signer, err := NewMultiSigner([]SigningKey{
		{Algorithm: RS256, Key: Key{Key: rsaKey, KeyID: "rsa"}},
		{Algorithm: HS256, Key: Key{Key: secret, KeyID: "hmac"}},
	}, nil)
	if err != nil {
		t.Fatalf("NewMultiSigner: %v", err)
	}
	jws, err := signer.Sign([]byte("shared payload"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := jws.CompactSerialize(); err == nil {
		t.Fatalf("multi-signature token must not have a compact form")
	}

	serialized := jws.FullSerialize()
	parsed, err := ParseSigned(serialized)
	if err != nil {
		t.Fatalf("ParseSigned: %v", err)
	}
	if len(parsed.Signatures) != 2 {
		t.Fatalf("want 2 signatures, got %d", len(parsed.Signatures))
	}

	// Each key alone suffices: at least one entry verifies.
	for _, set := range []*KeySet{
		{Keys: []Key{{Key: &rsaKey.PublicKey, KeyID: "rsa"}}},
		{Keys: []Key{{Key: secret, KeyID: "hmac"}}},
	} {
		payload, err := parsed.VerifyWithSet(set)
		if err != nil {
			t.Fatalf("VerifyWithSet: %v", err)
		}
		if string(payload) != "shared payload" {
			t.Fatalf("unexpected payload %q", payload)
		}
	}
}

func TestKeySetMatchByKeyID(t *testing.T) {
	keyA := testRSAKey(t)
	keyB := testRSAKey(t)
	set := &KeySet{Keys: []Key{
		{Key: &keyA.PublicKey, KeyID: "a"},
		{Key: &keyB.PublicKey, KeyID: "b"},
	}}

	signer, err := NewSigner(SigningKey{Algorithm: RS256, Key: Key{Key: keyB, KeyID: "b"}}, nil)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	jws, err := signer.Sign([]byte("kid routed"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := jws.VerifyWithSet(set); err != nil {
		t.Fatalf("VerifyWithSet: %v", err)
	}

	// Without a kid every key in the set is a candidate.
	signerNoKid, err := NewSigner(SigningKey{Algorithm: RS256, Key: Key{Key: keyB}}, nil)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	jws, err = signerNoKid.Sign([]byte("try them all"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := jws.VerifyWithSet(set); err != nil {
		t.Fatalf("VerifyWithSet without kid: %v", err)
	}
}
