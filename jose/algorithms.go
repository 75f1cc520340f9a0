package jose

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"io"
)

// The registries map algorithm identifiers to their single implementation.
// They are populated once at init and read-only afterwards.
var (
	signatureRegistry  = map[string]signatureAlgorithm{}
	keyRegistry        = map[string]keyAlgorithm{}
	encryptionRegistry = map[string]contentEncryption{}
)

// signatureAlgorithm is the uniform signing contract.
type signatureAlgorithm interface {
	sign(rand io.Reader, payload []byte, key any) ([]byte, error)
	verify(payload, signature []byte, key any) error
	// checkKey rejects key/algorithm mismatches at construction time.
	checkKey(key any) error
}

// keyAlgorithm is the uniform key management contract: wrap/unwrap for key
// encryption modes, deriveKey for direct key agreement and direct use.
type keyAlgorithm interface {
	// wrapKey protects cek for key. Agreement algorithms write their
	// ephemeral material into header.
	wrapKey(rand io.Reader, cek []byte, key any, header *Header) ([]byte, error)
	unwrapKey(encryptedKey []byte, key any, header *Header, enc contentEncryption) ([]byte, error)
	// direct reports that the content key comes from derivation and the
	// encrypted_key segment stays empty.
	direct() bool
	checkKey(key any) error
}

// directKeyAlgorithm is implemented by direct-mode key algorithms.
type directKeyAlgorithm interface {
	deriveKey(rand io.Reader, key any, header *Header, enc contentEncryption) ([]byte, error)
}

// contentEncryption is the authenticated content encryption contract.
type contentEncryption interface {
	keySize() int
	ivSize() int
	encrypt(cek, iv, aad, plaintext []byte) (ciphertext, tag []byte, err error)
	decrypt(cek, iv, aad, ciphertext, tag []byte) ([]byte, error)
}

func init() {
	signatureRegistry[HS256] = &hmacSigner{hash: crypto.SHA256}
	signatureRegistry[HS384] = &hmacSigner{hash: crypto.SHA384}
	signatureRegistry[HS512] = &hmacSigner{hash: crypto.SHA512}
	signatureRegistry[RS256] = &rsaSigner{hash: crypto.SHA256}
	signatureRegistry[RS384] = &rsaSigner{hash: crypto.SHA384}
	signatureRegistry[RS512] = &rsaSigner{hash: crypto.SHA512}
	signatureRegistry[PS256] = &rsaSigner{hash: crypto.SHA256, pss: true}
	signatureRegistry[PS384] = &rsaSigner{hash: crypto.SHA384, pss: true}
	signatureRegistry[PS512] = &rsaSigner{hash: crypto.SHA512, pss: true}
	signatureRegistry[ES256] = &ecdsaSigner{hash: crypto.SHA256, curve: elliptic.P256()}
	signatureRegistry[ES384] = &ecdsaSigner{hash: crypto.SHA384, curve: elliptic.P384()}
	signatureRegistry[ES512] = &ecdsaSigner{hash: crypto.SHA512, curve: elliptic.P521()}

	keyRegistry[RSA15] = &rsaKeyCipher{pkcs1: true}
	keyRegistry[RSAOAEP] = &rsaKeyCipher{hash: crypto.SHA1}
	keyRegistry[RSAOAEP256] = &rsaKeyCipher{hash: crypto.SHA256}
	keyRegistry[A128KW] = &aesKeyWrap{keyBytes: 16}
	keyRegistry[A192KW] = &aesKeyWrap{keyBytes: 24}
	keyRegistry[A256KW] = &aesKeyWrap{keyBytes: 32}
	keyRegistry[Direct] = &directEncryption{}
	keyRegistry[ECDHES] = &ecdhES{}
	keyRegistry[ECDHESA128KW] = &ecdhES{name: ECDHESA128KW, wrap: &aesKeyWrap{keyBytes: 16}}
	keyRegistry[ECDHESA192KW] = &ecdhES{name: ECDHESA192KW, wrap: &aesKeyWrap{keyBytes: 24}}
	keyRegistry[ECDHESA256KW] = &ecdhES{name: ECDHESA256KW, wrap: &aesKeyWrap{keyBytes: 32}}
	keyRegistry[PBES2HS256] = &pbes2{name: PBES2HS256, hash: sha256.New, keyBytes: 16}
	keyRegistry[PBES2HS384] = &pbes2{name: PBES2HS384, hash: sha512.New384, keyBytes: 24}
	keyRegistry[PBES2HS512] = &pbes2{name: PBES2HS512, hash: sha512.New, keyBytes: 32}

	encryptionRegistry[A128CBCHS256] = &cbcHMAC{halfKeyBytes: 16, hash: crypto.SHA256}
	encryptionRegistry[A192CBCHS384] = &cbcHMAC{halfKeyBytes: 24, hash: crypto.SHA384}
	encryptionRegistry[A256CBCHS512] = &cbcHMAC{halfKeyBytes: 32, hash: crypto.SHA512}
	encryptionRegistry[A128GCM] = &aesGCM{keyBytes: 16}
	encryptionRegistry[A192GCM] = &aesGCM{keyBytes: 24}
	encryptionRegistry[A256GCM] = &aesGCM{keyBytes: 32}
}

func signatureAlgorithmFor(name string) (signatureAlgorithm, error) {
	alg, ok := signatureRegistry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
	}
	return alg, nil
}

func keyAlgorithmFor(name string) (keyAlgorithm, error) {
	alg, ok := keyRegistry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
	}
	return alg, nil
}

func contentEncryptionFor(name string) (contentEncryption, error) {
	enc, ok := encryptionRegistry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
	}
	return enc, nil
}

// Key coercion helpers. Arguments may be a jose.Key, *jose.Key, or the
// native key type directly.

func unwrapJOSEKey(key any) any {
	switch k := key.(type) {
	case Key:
		return k.Key
	case *Key:
		return k.Key
	default:
		return key
	}
}

func symmetricKeyOf(key any) ([]byte, error) {
	switch k := unwrapJOSEKey(key).(type) {
	case []byte:
		return k, nil
	case string:
		return []byte(k), nil
	default:
		return nil, fmt.Errorf("%w: want symmetric key, got %T", ErrInvalidKey, k)
	}
}

func rsaPrivateOf(key any) (*rsa.PrivateKey, error) {
	if k, ok := unwrapJOSEKey(key).(*rsa.PrivateKey); ok {
		return k, nil
	}
	return nil, fmt.Errorf("%w: want RSA private key", ErrInvalidKey)
}

func rsaPublicOf(key any) (*rsa.PublicKey, error) {
	switch k := unwrapJOSEKey(key).(type) {
	case *rsa.PublicKey:
		return k, nil
	case *rsa.PrivateKey:
		return &k.PublicKey, nil
	default:
		return nil, fmt.Errorf("%w: want RSA public key", ErrInvalidKey)
	}
}

func ecdsaPrivateOf(key any) (*ecdsa.PrivateKey, error) {
	if k, ok := unwrapJOSEKey(key).(*ecdsa.PrivateKey); ok {
		return k, nil
	}
	return nil, fmt.Errorf("%w: want EC private key", ErrInvalidKey)
}

func ecdsaPublicOf(key any) (*ecdsa.PublicKey, error) {
	switch k := unwrapJOSEKey(key).(type) {
	case *ecdsa.PublicKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return &k.PublicKey, nil
	default:
		return nil, fmt.Errorf("%w: want EC public key", ErrInvalidKey)
	}
}
