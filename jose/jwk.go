package jose

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
)

// Key is a JSON Web Key: a typed wrapper around a native asymmetric or
// symmetric key plus JOSE metadata. Key holds one of *rsa.PrivateKey,
// *rsa.PublicKey, *ecdsa.PrivateKey, *ecdsa.PublicKey, or []byte.
type Key struct {
	Key          any
	KeyID        string
	Algorithm    string
	Use          string
	Certificates []*x509.Certificate
}

// KeySet is an ordered collection of keys. Key id uniqueness is not
// enforced.
type KeySet struct {
	Keys []Key `json:"keys"`
}

// ByID returns all keys matching kid, preserving order. An empty kid
// matches every key: callers without a kid must try all of them.
func (s *KeySet) ByID(kid string) []Key {
	if kid == "" {
		return s.Keys
	}
	var out []Key
	for _, k := range s.Keys {
		if k.KeyID == kid {
			out = append(out, k)
		}
	}
	return out
}

// Public returns the public half of the key. Symmetric keys have no
// public form and yield a zero Key.
func (k Key) Public() Key {
	out := Key{KeyID: k.KeyID, Algorithm: k.Algorithm, Use: k.Use, Certificates: k.Certificates}
	switch key := k.Key.(type) {
	case *rsa.PrivateKey:
		out.Key = &key.PublicKey
	case *ecdsa.PrivateKey:
		out.Key = &key.PublicKey
	case *rsa.PublicKey, *ecdsa.PublicKey:
		out.Key = key
	default:
		return Key{}
	}
	return out
}

// IsPublic reports whether the wrapped key carries no private material.
func (k Key) IsPublic() bool {
	switch k.Key.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return true
	}
	return false
}

// FromCertificate derives a Key from an X.509 certificate chain; the leaf
// certificate's public key becomes the key material.
func FromCertificate(chain []*x509.Certificate) (Key, error) {
	if len(chain) == 0 {
		return Key{}, fmt.Errorf("%w: empty certificate chain", ErrKeyFormat)
	}
	switch pub := chain[0].PublicKey.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return Key{Key: pub, Certificates: chain}, nil
	default:
		return Key{}, fmt.Errorf("%w: unsupported certificate key type %T", ErrKeyFormat, chain[0].PublicKey)
	}
}

// byteBuffer round-trips big-endian byte strings through base64url JSON.
type byteBuffer struct {
	data []byte
}

func newBuffer(data []byte) *byteBuffer {
	if data == nil {
		return nil
	}
	return &byteBuffer{data: data}
}

// newFixedBuffer left-pads data to length bytes. Needed for EC
// coordinates, which are fixed-width on the wire.
func newFixedBuffer(data []byte, length int) *byteBuffer {
	if len(data) > length {
		return newBuffer(data)
	}
	padded := make([]byte, length)
	copy(padded[length-len(data):], data)
	return newBuffer(padded)
}

func (b *byteBuffer) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.RawURLEncoding.EncodeToString(b.data))
}

func (b *byteBuffer) UnmarshalJSON(data []byte) error {
	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return err
	}
	decoded, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return err
	}
	b.data = decoded
	return nil
}

func (b *byteBuffer) bigInt() *big.Int {
	return new(big.Int).SetBytes(b.data)
}

func (b *byteBuffer) bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

type rawJSONWebKey struct {
	Kty string `json:"kty,omitempty"`
	Use string `json:"use,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`

	Crv string      `json:"crv,omitempty"`
	X   *byteBuffer `json:"x,omitempty"`
	Y   *byteBuffer `json:"y,omitempty"`

	N  *byteBuffer `json:"n,omitempty"`
	E  *byteBuffer `json:"e,omitempty"`
	D  *byteBuffer `json:"d,omitempty"`
	P  *byteBuffer `json:"p,omitempty"`
	Q  *byteBuffer `json:"q,omitempty"`
	Dp *byteBuffer `json:"dp,omitempty"`
	Dq *byteBuffer `json:"dq,omitempty"`
	Qi *byteBuffer `json:"qi,omitempty"`

	K *byteBuffer `json:"k,omitempty"`

	X5c []string `json:"x5c,omitempty"`
}

// MarshalJSON serializes the key in JWK form.
func (k Key) MarshalJSON() ([]byte, error) {
	var raw *rawJSONWebKey
	var err error

	switch key := k.Key.(type) {
	case *rsa.PublicKey:
		raw = rawFromRSAPublic(key)
	case *rsa.PrivateKey:
		raw, err = rawFromRSAPrivate(key)
	case *ecdsa.PublicKey:
		raw, err = rawFromECPublic(key)
	case *ecdsa.PrivateKey:
		raw, err = rawFromECPrivate(key)
	case []byte:
		raw = &rawJSONWebKey{Kty: "oct", K: newBuffer(key)}
	default:
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrKeyFormat, k.Key)
	}
	if err != nil {
		return nil, err
	}

	raw.Kid = k.KeyID
	raw.Alg = k.Algorithm
	raw.Use = k.Use
	for _, cert := range k.Certificates {
		raw.X5c = append(raw.X5c, base64.StdEncoding.EncodeToString(cert.Raw))
	}
	return json.Marshal(raw)
}

// UnmarshalJSON parses a key from JWK form.
func (k *Key) UnmarshalJSON(data []byte) error {
	var raw rawJSONWebKey
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}

	var key any
	var err error
	switch raw.Kty {
	case "RSA":
		if raw.D != nil {
			key, err = raw.rsaPrivate()
		} else {
			key, err = raw.rsaPublic()
		}
	case "EC":
		if raw.D != nil {
			key, err = raw.ecPrivate()
		} else {
			key, err = raw.ecPublic()
		}
	case "oct":
		if raw.K == nil {
			err = fmt.Errorf("%w: oct key missing k", ErrKeyFormat)
		} else {
			key = raw.K.bytes()
		}
	default:
		err = fmt.Errorf("%w: unknown key type %q", ErrKeyFormat, raw.Kty)
	}
	if err != nil {
		return err
	}

	var certs []*x509.Certificate
	for _, encoded := range raw.X5c {
		der, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("%w: x5c entry is not base64: %v", ErrKeyFormat, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return fmt.Errorf("%w: x5c entry is not a certificate: %v", ErrKeyFormat, err)
		}
		certs = append(certs, cert)
	}

	*k = Key{Key: key, KeyID: raw.Kid, Algorithm: raw.Alg, Use: raw.Use, Certificates: certs}
	return nil
}

func rawFromRSAPublic(key *rsa.PublicKey) *rawJSONWebKey {
	return &rawJSONWebKey{
		Kty: "RSA",
		N:   newBuffer(key.N.Bytes()),
		E:   newBuffer(big.NewInt(int64(key.E)).Bytes()),
	}
}

func rawFromRSAPrivate(key *rsa.PrivateKey) (*rawJSONWebKey, error) {
	if len(key.Primes) != 2 {
		return nil, fmt.Errorf("%w: RSA key must have exactly two primes", ErrKeyFormat)
	}
	key.Precompute()
	return &rawJSONWebKey{
		Kty: "RSA",
		N:   newBuffer(key.N.Bytes()),
		E:   newBuffer(big.NewInt(int64(key.E)).Bytes()),
		D:   newBuffer(key.D.Bytes()),
		P:   newBuffer(key.Primes[0].Bytes()),
		Q:   newBuffer(key.Primes[1].Bytes()),
		Dp:  newBuffer(key.Precomputed.Dp.Bytes()),
		Dq:  newBuffer(key.Precomputed.Dq.Bytes()),
		Qi:  newBuffer(key.Precomputed.Qinv.Bytes()),
	}, nil
}

func rawFromECPublic(key *ecdsa.PublicKey) (*rawJSONWebKey, error) {
	name, err := curveName(key.Curve)
	if err != nil {
		return nil, err
	}
	size := curveByteSize(key.Curve)
	return &rawJSONWebKey{
		Kty: "EC",
		Crv: name,
		X:   newFixedBuffer(key.X.Bytes(), size),
		Y:   newFixedBuffer(key.Y.Bytes(), size),
	}, nil
}

func rawFromECPrivate(key *ecdsa.PrivateKey) (*rawJSONWebKey, error) {
	raw, err := rawFromECPublic(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	raw.D = newFixedBuffer(key.D.Bytes(), curveByteSize(key.Curve))
	return raw, nil
}

func (raw *rawJSONWebKey) rsaPublic() (*rsa.PublicKey, error) {
	if raw.N == nil || raw.E == nil {
		return nil, fmt.Errorf("%w: RSA key missing n or e", ErrKeyFormat)
	}
	return &rsa.PublicKey{
		N: raw.N.bigInt(),
		E: int(raw.E.bigInt().Int64()),
	}, nil
}

func (raw *rawJSONWebKey) rsaPrivate() (*rsa.PrivateKey, error) {
	pub, err := raw.rsaPublic()
	if err != nil {
		return nil, err
	}
	if raw.P == nil || raw.Q == nil {
		return nil, fmt.Errorf("%w: RSA private key missing p or q", ErrKeyFormat)
	}
	key := &rsa.PrivateKey{
		PublicKey: *pub,
		D:         raw.D.bigInt(),
		Primes:    []*big.Int{raw.P.bigInt(), raw.Q.bigInt()},
	}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}
	key.Precompute()
	return key, nil
}

func (raw *rawJSONWebKey) ecPublic() (*ecdsa.PublicKey, error) {
	curve, err := curveByName(raw.Crv)
	if err != nil {
		return nil, err
	}
	if raw.X == nil || raw.Y == nil {
		return nil, fmt.Errorf("%w: EC key missing x or y", ErrKeyFormat)
	}
	key := &ecdsa.PublicKey{Curve: curve, X: raw.X.bigInt(), Y: raw.Y.bigInt()}
	if !curve.IsOnCurve(key.X, key.Y) {
		return nil, fmt.Errorf("%w: EC point is not on curve %s", ErrKeyFormat, raw.Crv)
	}
	return key, nil
}

func (raw *rawJSONWebKey) ecPrivate() (*ecdsa.PrivateKey, error) {
	pub, err := raw.ecPublic()
	if err != nil {
		return nil, err
	}
	return &ecdsa.PrivateKey{PublicKey: *pub, D: raw.D.bigInt()}, nil
}

func curveName(curve elliptic.Curve) (string, error) {
	switch curve {
	case elliptic.P256():
		return "P-256", nil
	case elliptic.P384():
		return "P-384", nil
	case elliptic.P521():
		return "P-521", nil
	default:
		return "", fmt.Errorf("%w: unsupported curve", ErrKeyFormat)
	}
}

func curveByName(name string) (elliptic.Curve, error) {
	switch name {
	case "P-256":
		return elliptic.P256(), nil
	case "P-384":
		return elliptic.P384(), nil
	case "P-521":
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("%w: unknown curve %q", ErrKeyFormat, name)
	}
}

func curveByteSize(curve elliptic.Curve) int {
	return (curve.Params().BitSize + 7) / 8
}
