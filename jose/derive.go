package jose

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// concatKDF runs the NIST SP 800-56A Concat KDF over the shared secret z
// with SHA-256, producing exactly keyLen bytes. Each round hashes
// counter || z || len(algID) algID || len(apu) apu || len(apv) apv || bits.
func concatKDF(z []byte, algID string, apu, apv []byte, keyLen int) []byte {
	lengthPrefixed := func(data []byte) []byte {
		out := make([]byte, 4+len(data))
		binary.BigEndian.PutUint32(out, uint32(len(data)))
		copy(out[4:], data)
		return out
	}

	otherInfo := lengthPrefixed([]byte(algID))
	otherInfo = append(otherInfo, lengthPrefixed(apu)...)
	otherInfo = append(otherInfo, lengthPrefixed(apv)...)
	bits := make([]byte, 4)
	binary.BigEndian.PutUint32(bits, uint32(keyLen*8))
	otherInfo = append(otherInfo, bits...)

	rounds := (keyLen + sha256.Size - 1) / sha256.Size
	out := make([]byte, 0, rounds*sha256.Size)
	for counter := uint32(1); counter <= uint32(rounds); counter++ {
		h := sha256.New()
		var c [4]byte
		binary.BigEndian.PutUint32(c[:], counter)
		h.Write(c[:])
		h.Write(z)
		h.Write(otherInfo)
		out = h.Sum(out)
	}
	return out[:keyLen]
}

// ecdhES implements ECDH-ES key agreement, direct or with AES key wrap.
type ecdhES struct {
	name string
	wrap *aesKeyWrap
}

func (c *ecdhES) direct() bool { return c.wrap == nil }

func (c *ecdhES) checkKey(key any) error {
	_, err := ecdsaPublicOf(key)
	return err
}

// agreedKey performs the agreement between priv and pub and runs the KDF.
func (c *ecdhES) agreedKey(priv *ecdsa.PrivateKey, pub *ecdsa.PublicKey, header *Header, enc contentEncryption) ([]byte, error) {
	if priv.Curve != pub.Curve {
		return nil, fmt.Errorf("%w: party keys are on different curves", ErrInvalidKey)
	}
	ecdhPriv, err := priv.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	ecdhPub, err := pub.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	z, err := ecdhPriv.ECDH(ecdhPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	algID := header.Encryption
	keyLen := enc.keySize()
	if c.wrap != nil {
		algID = c.name
		keyLen = c.wrap.keyBytes
	}

	apu, err := decodePartyInfo(header.AgreementPartyUInfo)
	if err != nil {
		return nil, err
	}
	apv, err := decodePartyInfo(header.AgreementPartyVInfo)
	if err != nil {
		return nil, err
	}
	return concatKDF(z, algID, apu, apv, keyLen), nil
}

func (c *ecdhES) ephemeral(rand io.Reader, recipient *ecdsa.PublicKey, header *Header, enc contentEncryption) ([]byte, error) {
	eph, err := ecdsa.GenerateKey(recipient.Curve, rand)
	if err != nil {
		return nil, err
	}
	header.EphemeralKey = &Key{Key: &eph.PublicKey}
	return c.agreedKey(eph, recipient, header, enc)
}

func (c *ecdhES) deriveKey(rand io.Reader, key any, header *Header, enc contentEncryption) ([]byte, error) {
	if c.wrap != nil {
		return nil, fmt.Errorf("%w: %s is not a direct algorithm", ErrUnsupportedAlgorithm, c.name)
	}
	pub, err := ecdsaPublicOf(key)
	if err != nil {
		return nil, err
	}
	return c.ephemeral(rand, pub, header, enc)
}

func (c *ecdhES) wrapKey(rand io.Reader, cek []byte, key any, header *Header) ([]byte, error) {
	if c.wrap == nil {
		// Direct agreement: the derived key is the CEK, nothing to wrap.
		return nil, nil
	}
	pub, err := ecdsaPublicOf(key)
	if err != nil {
		return nil, err
	}
	kek, err := c.ephemeral(rand, pub, header, nil)
	if err != nil {
		return nil, err
	}
	return wrapAES(kek, cek, c.wrap.keyBytes)
}

func (c *ecdhES) unwrapKey(encryptedKey []byte, key any, header *Header, enc contentEncryption) ([]byte, error) {
	priv, err := ecdsaPrivateOf(key)
	if err != nil {
		return nil, err
	}
	if header.EphemeralKey == nil {
		return nil, fmt.Errorf("%w: missing epk header", ErrKeyFormat)
	}
	epk, err := ecdsaPublicOf(header.EphemeralKey.Key)
	if err != nil {
		return nil, err
	}

	derived, err := c.agreedKey(priv, epk, header, enc)
	if err != nil {
		return nil, err
	}
	if c.wrap == nil {
		if len(encryptedKey) != 0 {
			return nil, ErrCryptoFailure
		}
		return derived, nil
	}
	return unwrapAES(derived, encryptedKey, c.wrap.keyBytes)
}

func decodePartyInfo(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: party info is not base64url", ErrKeyFormat)
	}
	return data, nil
}

// pbes2 implements PBES2 password-based key derivation plus AES key wrap.
type pbes2 struct {
	name     string
	hash     func() hash.Hash
	keyBytes int
}

const (
	pbes2SaltBytes         = 16
	pbes2DefaultIterations = 100000
	pbes2MaxIterations     = 1000000
)

func (c *pbes2) direct() bool { return false }

func (c *pbes2) checkKey(key any) error {
	password, err := symmetricKeyOf(key)
	if err != nil {
		return err
	}
	if len(password) == 0 {
		return fmt.Errorf("%w: empty password", ErrInvalidKey)
	}
	return nil
}

func (c *pbes2) derived(password []byte, header *Header) ([]byte, error) {
	if header.PBES2Salt == "" || header.PBES2Count <= 0 {
		return nil, fmt.Errorf("%w: missing p2s or p2c header", ErrKeyFormat)
	}
	if header.PBES2Count > pbes2MaxIterations {
		return nil, fmt.Errorf("%w: p2c above iteration ceiling", ErrKeyFormat)
	}
	salt, err := base64.RawURLEncoding.DecodeString(header.PBES2Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: p2s is not base64url", ErrKeyFormat)
	}

	// RFC 7518: the PBKDF2 salt is UTF8(alg) || 0x00 || p2s.
	saltInput := make([]byte, 0, len(c.name)+1+len(salt))
	saltInput = append(saltInput, []byte(c.name)...)
	saltInput = append(saltInput, 0x00)
	saltInput = append(saltInput, salt...)

	return pbkdf2.Key(password, saltInput, header.PBES2Count, c.keyBytes, c.hash), nil
}

func (c *pbes2) wrapKey(rand io.Reader, cek []byte, key any, header *Header) ([]byte, error) {
	password, err := symmetricKeyOf(key)
	if err != nil {
		return nil, err
	}
	if header.PBES2Salt == "" {
		salt := make([]byte, pbes2SaltBytes)
		if _, err := io.ReadFull(rand, salt); err != nil {
			return nil, err
		}
		header.PBES2Salt = base64.RawURLEncoding.EncodeToString(salt)
	}
	if header.PBES2Count == 0 {
		header.PBES2Count = pbes2DefaultIterations
	}

	kek, err := c.derived(password, header)
	if err != nil {
		return nil, err
	}
	return wrapAES(kek, cek, c.keyBytes)
}

func (c *pbes2) unwrapKey(encryptedKey []byte, key any, header *Header, _ contentEncryption) ([]byte, error) {
	password, err := symmetricKeyOf(key)
	if err != nil {
		return nil, err
	}
	kek, err := c.derived(password, header)
	if err != nil {
		return nil, err
	}
	return unwrapAES(kek, encryptedKey, c.keyBytes)
}
