package app

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"oauthd/jose"
)

// IDTokenRequest gathers what the grant knows when an ID Token is minted.
type IDTokenRequest struct {
	Client      *ClientMetadata
	User        *User
	Scope       string
	Nonce       string
	AuthTime    time.Time
	MaxAge      int64
	AccessToken string
	Code        string
}

// IssueIDToken assembles, signs, and optionally encrypts an ID Token for
// the request.
func (ts *TokenService) IssueIDToken(req IDTokenRequest) (string, error) {
	now := time.Now()
	claims := jose.Claims{
		jose.ClaimIssuer:   ts.issuer,
		jose.ClaimSubject:  subjectFor(req.Client, req.User.ID),
		jose.ClaimAudience: req.Client.ClientID,
		jose.ClaimExpiry:   now.Add(ts.accessTTL).Unix(),
		jose.ClaimIssuedAt: now.Unix(),
	}
	if req.Nonce != "" {
		claims[jose.ClaimNonce] = req.Nonce
	}
	// auth_time appears when the client demanded it at registration or
	// constrained this request with max_age.
	if (req.Client.RequireAuthTime || req.MaxAge > 0) && !req.AuthTime.IsZero() {
		claims[jose.ClaimAuthTime] = req.AuthTime.Unix()
	}

	alg := req.Client.IDTokenSignedResponseAlg
	if alg == "" {
		alg = jose.RS256
	}
	if req.AccessToken != "" {
		claims[jose.ClaimATHash] = halfHash(req.AccessToken, alg)
	}
	if req.Code != "" {
		claims[jose.ClaimCHash] = halfHash(req.Code, alg)
	}
	addScopedClaims(claims, req.User, req.Scope)

	signed, err := ts.signIDToken(claims, alg, req.Client)
	if err != nil {
		return "", err
	}
	if req.Client.IDTokenEncryptedResponseAlg == "" {
		return signed, nil
	}
	return ts.encryptIDToken(signed, req.Client)
}

func (ts *TokenService) signIDToken(claims jose.Claims, alg string, client *ClientMetadata) (string, error) {
	var key jose.Key
	switch alg {
	case jose.HS256, jose.HS384, jose.HS512:
		// Symmetric signatures use a key stretched from the client secret.
		if client.ClientSecret == "" {
			return "", NewError(ErrInvalidClientMetadata, "symmetric signing needs a client secret")
		}
		key = jose.Key{Key: deriveSymmetricKey(client.ClientSecret, jose.Direct, hmacEncFor(alg))}
	default:
		key = ts.keys.SigningKey()
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: key}, &jose.SignerOptions{Type: jose.ContentTypeJWT})
	if err != nil {
		return "", fmt.Errorf("app: build id token signer: %w", err)
	}
	token, err := jose.SignClaims(signer, claims)
	if err != nil {
		return "", fmt.Errorf("app: sign id token: %w", err)
	}
	return token, nil
}

func (ts *TokenService) encryptIDToken(signed string, client *ClientMetadata) (string, error) {
	key, err := client.EncryptionKey()
	if err != nil {
		return "", NewError(ErrInvalidClientMetadata, err.Error())
	}
	enc := client.IDTokenEncryptedResponseEnc
	if enc == "" {
		enc = jose.A128CBCHS256
	}
	encrypter, err := jose.NewEncrypter(enc,
		jose.Recipient{Algorithm: client.IDTokenEncryptedResponseAlg, Key: key},
		&jose.EncrypterOptions{Type: jose.ContentTypeJWT, ContentType: jose.ContentTypeJWT})
	if err != nil {
		return "", fmt.Errorf("app: build id token encrypter: %w", err)
	}
	token, err := jose.EncryptSigned(encrypter, signed)
	if err != nil {
		return "", fmt.Errorf("app: encrypt id token: %w", err)
	}
	return token, nil
}

// subjectFor derives the wire subject: the raw user id for public
// clients, a sector-scoped hash for pairwise ones.
func subjectFor(client *ClientMetadata, userID string) string {
	if client.SubjectType != SubjectTypePairwise {
		return userID
	}
	h := sha256.New()
	h.Write([]byte(client.SectorIdentifierURI))
	h.Write([]byte(userID))
	h.Write([]byte(client.ClientID))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// addScopedClaims releases claim groups gated on scope tokens.
func addScopedClaims(claims jose.Claims, user *User, scope string) {
	scopes := strings.Fields(scope)
	has := func(name string) bool {
		for _, s := range scopes {
			if s == name {
				return true
			}
		}
		return false
	}
	if has("profile") {
		if user.Name != "" {
			claims["name"] = user.Name
		}
		if user.Picture != "" {
			claims["picture"] = user.Picture
		}
		if user.Username != "" {
			claims["preferred_username"] = user.Username
		}
	}
	if has("email") && user.Email != "" {
		claims["email"] = user.Email
		claims["email_verified"] = user.EmailVerified
	}
	if has("phone") && user.PhoneNumber != "" {
		claims["phone_number"] = user.PhoneNumber
	}
	if has("address") && user.Address != "" {
		claims["address"] = map[string]any{"formatted": user.Address}
	}
}

// halfHash is the at_hash/c_hash construction: the left half of the hash
// the signing algorithm's family selects, base64url-encoded. Unknown
// families default to SHA-256.
func halfHash(value, alg string) string {
	var digest []byte
	switch {
	case strings.HasSuffix(alg, "384"):
		sum := sha512.Sum384([]byte(value))
		digest = sum[:]
	case strings.HasSuffix(alg, "512"):
		sum := sha512.Sum512([]byte(value))
		digest = sum[:]
	default:
		sum := sha256.Sum256([]byte(value))
		digest = sum[:]
	}
	return base64.RawURLEncoding.EncodeToString(digest[:len(digest)/2])
}

// leftmostHash stretches data to exactly n bytes of digest output.
func leftmostHash(data []byte, n int) []byte {
	if n <= sha256.Size {
		sum := sha256.Sum256(data)
		return sum[:n]
	}
	sum := sha512.Sum512(data)
	return sum[:n]
}

// hmacEncFor maps an HMAC signing algorithm to the enc value whose key
// size matches, for secret-derived key stretching.
func hmacEncFor(alg string) string {
	switch alg {
	case jose.HS384:
		return jose.A192CBCHS384
	case jose.HS512:
		return jose.A256CBCHS512
	default:
		return jose.A256GCM
	}
}
