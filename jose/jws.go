package jose

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// SigningKey pairs a signature algorithm with the key it uses.
type SigningKey struct {
	Algorithm string
	Key       Key
}

// SignerOptions tweaks the headers a Signer emits.
type SignerOptions struct {
	Type        string
	ContentType string
}

// Signer produces signed tokens, compact for a single key and JSON for
// multiple keys.
type Signer struct {
	keys []SigningKey
	typ  string
	cty  string
	rand io.Reader
}

// NewSigner builds a single-key signer. Key/algorithm mismatches surface
// here, not at signing time.
func NewSigner(key SigningKey, opts *SignerOptions) (*Signer, error) {
	return NewMultiSigner([]SigningKey{key}, opts)
}

// NewMultiSigner builds a signer producing one signature per key.
func NewMultiSigner(keys []SigningKey, opts *SignerOptions) (*Signer, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("jose: signer needs at least one key")
	}
	for _, sk := range keys {
		if sk.Algorithm == None {
			continue
		}
		alg, err := signatureAlgorithmFor(sk.Algorithm)
		if err != nil {
			return nil, err
		}
		if err := alg.checkKey(sk.Key.Key); err != nil {
			return nil, fmt.Errorf("%v: %w", sk.Algorithm, err)
		}
	}
	s := &Signer{keys: keys, rand: rand.Reader}
	if opts != nil {
		s.typ = opts.Type
		s.cty = opts.ContentType
	}
	return s, nil
}

// Sign signs the payload with every configured key.
func (s *Signer) Sign(payload []byte) (*JSONWebSignature, error) {
	jws := &JSONWebSignature{payload: payload}
	payloadB64 := encodeSegment(payload)

	for _, sk := range s.keys {
		protected := Header{
			Algorithm:   sk.Algorithm,
			KeyID:       sk.Key.KeyID,
			Type:        s.typ,
			ContentType: s.cty,
		}
		protectedB64, err := encodeHeader(protected)
		if err != nil {
			return nil, err
		}

		var signature []byte
		if sk.Algorithm != None {
			alg, err := signatureAlgorithmFor(sk.Algorithm)
			if err != nil {
				return nil, err
			}
			signature, err = alg.sign(s.rand, []byte(protectedB64+"."+payloadB64), sk.Key.Key)
			if err != nil {
				return nil, err
			}
		}

		jws.Signatures = append(jws.Signatures, Signature{
			Protected: protected,
			Signature: signature,
			protected: protectedB64,
		})
	}
	return jws, nil
}

// Signature is one signer's entry in a signed token.
type Signature struct {
	Protected Header
	Header    Header // unprotected, not covered by the signature
	Signature []byte

	protected string
}

// JSONWebSignature is a parsed or freshly signed token.
type JSONWebSignature struct {
	Signatures []Signature

	payload []byte
}

type rawSignature struct {
	Protected string  `json:"protected,omitempty"`
	Header    *Header `json:"header,omitempty"`
	Signature string  `json:"signature"`
}

type rawJSONWebSignature struct {
	Payload    string         `json:"payload"`
	Signatures []rawSignature `json:"signatures,omitempty"`
	Protected  string         `json:"protected,omitempty"`
	Header     *Header        `json:"header,omitempty"`
	Signature  string         `json:"signature,omitempty"`
}

// ParseSigned parses a compact or JSON serialized signed token.
func ParseSigned(input string) (*JSONWebSignature, error) {
	input = strings.TrimSpace(input)
	if strings.HasPrefix(input, "{") {
		return parseSignedJSON(input)
	}
	return parseSignedCompact(input)
}

func parseSignedCompact(input string) (*JSONWebSignature, error) {
	parts := strings.Split(input, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("jose: compact JWS must have three segments, got %d", len(parts))
	}
	protected, err := decodeHeader(parts[0])
	if err != nil {
		return nil, err
	}
	payload, err := decodeSegment(parts[1])
	if err != nil {
		return nil, err
	}
	var signature []byte
	if parts[2] != "" {
		signature, err = decodeSegment(parts[2])
		if err != nil {
			return nil, err
		}
	}
	return &JSONWebSignature{
		payload: payload,
		Signatures: []Signature{{
			Protected: protected,
			Signature: signature,
			protected: parts[0],
		}},
	}, nil
}

func parseSignedJSON(input string) (*JSONWebSignature, error) {
	var raw rawJSONWebSignature
	if err := json.Unmarshal([]byte(input), &raw); err != nil {
		return nil, fmt.Errorf("jose: invalid JWS JSON: %w", err)
	}
	payload, err := decodeSegment(raw.Payload)
	if err != nil {
		return nil, err
	}

	entries := raw.Signatures
	if len(entries) == 0 {
		// Flattened form: one signature at the top level.
		entries = []rawSignature{{Protected: raw.Protected, Header: raw.Header, Signature: raw.Signature}}
	}

	jws := &JSONWebSignature{payload: payload}
	for _, entry := range entries {
		var protected Header
		if entry.Protected != "" {
			protected, err = decodeHeader(entry.Protected)
			if err != nil {
				return nil, err
			}
		}
		signature, err := decodeSegment(entry.Signature)
		if err != nil {
			return nil, err
		}
		sig := Signature{Protected: protected, Signature: signature, protected: entry.Protected}
		if entry.Header != nil {
			sig.Header = *entry.Header
		}
		jws.Signatures = append(jws.Signatures, sig)
	}
	return jws, nil
}

// Verify checks the token against a single key and returns the payload.
func (jws *JSONWebSignature) Verify(key any) ([]byte, error) {
	k, ok := key.(Key)
	if !ok {
		if kp, okp := key.(*Key); okp {
			k = *kp
		} else {
			k = Key{Key: key}
		}
	}
	return jws.VerifyWithSet(&KeySet{Keys: []Key{k}})
}

// VerifyWithSet checks every signature entry against the candidate keys
// from the set; it succeeds as soon as one entry verifies. Keys are
// matched by kid, and entries without a kid try every key.
func (jws *JSONWebSignature) VerifyWithSet(set *KeySet) ([]byte, error) {
	payloadB64 := encodeSegment(jws.payload)
	var lastErr error = ErrCryptoFailure

	for _, sig := range jws.Signatures {
		merged := sig.Protected.merged(&sig.Header)
		if merged.Algorithm == None {
			lastErr = ErrUnsecuredToken
			continue
		}
		alg, err := signatureAlgorithmFor(merged.Algorithm)
		if err != nil {
			lastErr = err
			continue
		}
		input := []byte(sig.protected + "." + payloadB64)
		for _, key := range set.ByID(merged.KeyID) {
			if err := alg.verify(input, sig.Signature, key.Key); err == nil {
				return jws.payload, nil
			}
		}
	}
	return nil, lastErr
}

// UnsecuredPayload returns the payload of an alg=none token. It is the
// explicit opt-in required to accept unsecured tokens.
func (jws *JSONWebSignature) UnsecuredPayload() ([]byte, error) {
	for _, sig := range jws.Signatures {
		if sig.Protected.merged(&sig.Header).Algorithm != None {
			return nil, fmt.Errorf("jose: token is not unsecured")
		}
	}
	return jws.payload, nil
}

// CompactSerialize renders the dot-separated form. Only single-signature
// tokens without unprotected headers have one.
func (jws *JSONWebSignature) CompactSerialize() (string, error) {
	if len(jws.Signatures) != 1 {
		return "", fmt.Errorf("jose: compact JWS requires exactly one signature")
	}
	sig := jws.Signatures[0]
	if !sig.Header.isZero() {
		return "", fmt.Errorf("jose: compact JWS cannot carry unprotected headers")
	}
	return sig.protected + "." + encodeSegment(jws.payload) + "." + encodeSegment(sig.Signature), nil
}

// FullSerialize renders the JSON form, flattened for a single signature.
func (jws *JSONWebSignature) FullSerialize() string {
	raw := rawJSONWebSignature{Payload: encodeSegment(jws.payload)}

	if len(jws.Signatures) == 1 {
		sig := jws.Signatures[0]
		raw.Protected = sig.protected
		raw.Signature = encodeSegment(sig.Signature)
		if !sig.Header.isZero() {
			h := sig.Header
			raw.Header = &h
		}
	} else {
		for _, sig := range jws.Signatures {
			entry := rawSignature{Protected: sig.protected, Signature: encodeSegment(sig.Signature)}
			if !sig.Header.isZero() {
				h := sig.Header
				entry.Header = &h
			}
			raw.Signatures = append(raw.Signatures, entry)
		}
	}

	out, _ := json.Marshal(raw)
	return string(out)
}
