// Package jose implements JSON Object Signing and Encryption: JSON Web
// Keys, the signing and encryption algorithm registry, and the compact and
// JSON serializations of signed (JWS) and encrypted (JWE) tokens.
package jose

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Errors shared across the package. Callers compare with errors.Is.
var (
	// ErrUnsupportedAlgorithm signals an algorithm identifier with no
	// registry entry.
	ErrUnsupportedAlgorithm = errors.New("jose: unsupported algorithm")

	// ErrCryptoFailure signals a failed signature verification, MAC check,
	// or decryption. It is deliberately uniform to avoid oracle leaks.
	ErrCryptoFailure = errors.New("jose: verification or decryption failed")

	// ErrInvalidKey signals a key that cannot serve the requested
	// algorithm (wrong type, wrong curve, wrong size).
	ErrInvalidKey = errors.New("jose: invalid key for algorithm")

	// ErrUnsecuredToken signals an alg=none token that the caller did not
	// explicitly permit.
	ErrUnsecuredToken = errors.New("jose: token is unsecured (alg=none)")

	// ErrKeyFormat signals malformed JWK fields.
	ErrKeyFormat = errors.New("jose: malformed key")
)

// Signature algorithm identifiers.
const (
	HS256 = "HS256"
	HS384 = "HS384"
	HS512 = "HS512"
	RS256 = "RS256"
	RS384 = "RS384"
	RS512 = "RS512"
	PS256 = "PS256"
	PS384 = "PS384"
	PS512 = "PS512"
	ES256 = "ES256"
	ES384 = "ES384"
	ES512 = "ES512"
	None  = "none"
)

// Key management algorithm identifiers.
const (
	RSA15        = "RSA1_5"
	RSAOAEP      = "RSA-OAEP"
	RSAOAEP256   = "RSA-OAEP-256"
	A128KW       = "A128KW"
	A192KW       = "A192KW"
	A256KW       = "A256KW"
	Direct       = "dir"
	ECDHES       = "ECDH-ES"
	ECDHESA128KW = "ECDH-ES+A128KW"
	ECDHESA192KW = "ECDH-ES+A192KW"
	ECDHESA256KW = "ECDH-ES+A256KW"
	PBES2HS256   = "PBES2-HS256+A128KW"
	PBES2HS384   = "PBES2-HS384+A192KW"
	PBES2HS512   = "PBES2-HS512+A256KW"
)

// Content encryption identifiers.
const (
	A128CBCHS256 = "A128CBC-HS256"
	A192CBCHS384 = "A192CBC-HS384"
	A256CBCHS512 = "A256CBC-HS512"
	A128GCM      = "A128GCM"
	A192GCM      = "A192GCM"
	A256GCM      = "A256GCM"
)

// ContentTypeJWT is the cty value marking a nested token.
const ContentTypeJWT = "JWT"

// Header carries the protected and unprotected fields of a signed or
// encrypted token. Once serialized it must not be mutated.
type Header struct {
	Algorithm   string `json:"alg,omitempty"`
	Encryption  string `json:"enc,omitempty"`
	KeyID       string `json:"kid,omitempty"`
	Type        string `json:"typ,omitempty"`
	ContentType string `json:"cty,omitempty"`

	// Key agreement fields (ECDH-ES family).
	EphemeralKey        *Key   `json:"epk,omitempty"`
	AgreementPartyUInfo string `json:"apu,omitempty"`
	AgreementPartyVInfo string `json:"apv,omitempty"`

	// PBES2 fields.
	PBES2Salt  string `json:"p2s,omitempty"`
	PBES2Count int    `json:"p2c,omitempty"`
}

// merged overlays other headers onto h; later arguments win for fields
// they set. h itself is not modified.
func (h Header) merged(others ...*Header) Header {
	out := h
	for _, o := range others {
		if o == nil {
			continue
		}
		if o.Algorithm != "" {
			out.Algorithm = o.Algorithm
		}
		if o.Encryption != "" {
			out.Encryption = o.Encryption
		}
		if o.KeyID != "" {
			out.KeyID = o.KeyID
		}
		if o.Type != "" {
			out.Type = o.Type
		}
		if o.ContentType != "" {
			out.ContentType = o.ContentType
		}
		if o.EphemeralKey != nil {
			out.EphemeralKey = o.EphemeralKey
		}
		if o.AgreementPartyUInfo != "" {
			out.AgreementPartyUInfo = o.AgreementPartyUInfo
		}
		if o.AgreementPartyVInfo != "" {
			out.AgreementPartyVInfo = o.AgreementPartyVInfo
		}
		if o.PBES2Salt != "" {
			out.PBES2Salt = o.PBES2Salt
		}
		if o.PBES2Count != 0 {
			out.PBES2Count = o.PBES2Count
		}
	}
	return out
}

func (h Header) isZero() bool {
	return h == (Header{})
}

func encodeHeader(h Header) (string, error) {
	raw, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("jose: encode header: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeHeader(encoded string) (Header, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Header{}, fmt.Errorf("jose: header is not base64url: %w", err)
	}
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return Header{}, fmt.Errorf("jose: header is not valid JSON: %w", err)
	}
	return h, nil
}

func decodeSegment(segment string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return nil, fmt.Errorf("jose: segment is not base64url: %w", err)
	}
	return b, nil
}

func encodeSegment(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
