package jose

import (
	"encoding/json"
	"fmt"
	"time"
)

// Claims is an open string-keyed claims set.
type Claims map[string]any

// Reserved claim names.
const (
	ClaimIssuer    = "iss"
	ClaimSubject   = "sub"
	ClaimAudience  = "aud"
	ClaimExpiry    = "exp"
	ClaimIssuedAt  = "iat"
	ClaimNotBefore = "nbf"
	ClaimID        = "jti"
	ClaimAuthTime  = "auth_time"
	ClaimNonce     = "nonce"
	ClaimATHash    = "at_hash"
	ClaimCHash     = "c_hash"
	ClaimAMR       = "amr"
	ClaimACR       = "acr"
)

// String returns the named claim as a string, or "" when absent or not a
// string.
func (c Claims) String(name string) string {
	v, _ := c[name].(string)
	return v
}

// Time returns the named claim interpreted as a Unix timestamp.
func (c Claims) Time(name string) (time.Time, bool) {
	switch v := c[name].(type) {
	case float64:
		return time.Unix(int64(v), 0), true
	case int64:
		return time.Unix(v, 0), true
	case json.Number:
		sec, err := v.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(sec, 0), true
	default:
		return time.Time{}, false
	}
}

// Expired reports whether the exp claim exists and lies before now.
func (c Claims) Expired(now time.Time) bool {
	exp, ok := c.Time(ClaimExpiry)
	return ok && now.After(exp)
}

// Audiences normalizes aud, which may be a string or a list.
func (c Claims) Audiences() []string {
	switch v := c[ClaimAudience].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// SignClaims serializes the claims and signs them into a compact token.
func SignClaims(signer *Signer, claims Claims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("jose: marshal claims: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", err
	}
	return jws.CompactSerialize()
}

// EncryptClaims serializes the claims and encrypts them into a compact
// token. Use a cty=JWT encrypter and a pre-signed payload for nesting.
func EncryptClaims(encrypter *Encrypter, claims Claims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("jose: marshal claims: %w", err)
	}
	jwe, err := encrypter.Encrypt(payload)
	if err != nil {
		return "", err
	}
	return jwe.CompactSerialize()
}

// EncryptSigned nests a compact signed token inside an encrypted one. The
// encrypter must declare ContentType JWT for the receiver to recurse.
func EncryptSigned(encrypter *Encrypter, signedToken string) (string, error) {
	jwe, err := encrypter.Encrypt([]byte(signedToken))
	if err != nil {
		return "", err
	}
	return jwe.CompactSerialize()
}

// DecodeSigned verifies a compact signed token against the key set and
// returns its claims.
func DecodeSigned(token string, keys *KeySet) (Claims, error) {
	jws, err := ParseSigned(token)
	if err != nil {
		return nil, err
	}
	payload, err := jws.VerifyWithSet(keys)
	if err != nil {
		return nil, err
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("jose: claims are not valid JSON: %w", err)
	}
	return claims, nil
}

// DecodeEncrypted decrypts a compact encrypted token and returns its
// claims. When the outer token declares cty=JWT the plaintext is parsed
// as a nested compact signed token and verified against verifyKeys.
func DecodeEncrypted(token string, decryptionKeys, verifyKeys *KeySet) (Claims, error) {
	jwe, err := ParseEncrypted(token)
	if err != nil {
		return nil, err
	}
	plaintext, err := jwe.DecryptWithSet(decryptionKeys)
	if err != nil {
		return nil, err
	}

	if jwe.Header().ContentType == ContentTypeJWT {
		return DecodeSigned(string(plaintext), verifyKeys)
	}
	var claims Claims
	if err := json.Unmarshal(plaintext, &claims); err != nil {
		return nil, fmt.Errorf("jose: claims are not valid JSON: %w", err)
	}
	return claims, nil
}
