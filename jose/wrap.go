package jose

import (
	"crypto"
	"crypto/aes"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
)

// rsaKeyCipher implements RSA1_5 and RSA-OAEP key encryption.
type rsaKeyCipher struct {
	pkcs1 bool
	hash  crypto.Hash
}

func (c *rsaKeyCipher) direct() bool { return false }

func (c *rsaKeyCipher) checkKey(key any) error {
	pub, err := rsaPublicOf(key)
	if err != nil {
		return err
	}
	if pub.N.BitLen() < 2048 {
		return fmt.Errorf("%w: RSA modulus below 2048 bits", ErrInvalidKey)
	}
	return nil
}

func (c *rsaKeyCipher) oaepHash() hash.Hash {
	if c.hash == crypto.SHA256 {
		return sha256.New()
	}
	return sha1.New()
}

func (c *rsaKeyCipher) wrapKey(rand io.Reader, cek []byte, key any, _ *Header) ([]byte, error) {
	pub, err := rsaPublicOf(key)
	if err != nil {
		return nil, err
	}
	if c.pkcs1 {
		return rsa.EncryptPKCS1v15(rand, pub, cek)
	}
	return rsa.EncryptOAEP(c.oaepHash(), rand, pub, cek, nil)
}

func (c *rsaKeyCipher) unwrapKey(encryptedKey []byte, key any, _ *Header, _ contentEncryption) ([]byte, error) {
	priv, err := rsaPrivateOf(key)
	if err != nil {
		return nil, err
	}
	var cek []byte
	if c.pkcs1 {
		cek, err = rsa.DecryptPKCS1v15(nil, priv, encryptedKey)
	} else {
		cek, err = rsa.DecryptOAEP(c.oaepHash(), nil, priv, encryptedKey, nil)
	}
	if err != nil {
		return nil, ErrCryptoFailure
	}
	return cek, nil
}

// aesKeyWrap implements the AES key wrap of RFC 3394 (AxxxKW).
type aesKeyWrap struct {
	keyBytes int
}

var keyWrapIV = []byte{0xa6, 0xa6, 0xa6, 0xa6, 0xa6, 0xa6, 0xa6, 0xa6}

func (c *aesKeyWrap) direct() bool { return false }

func (c *aesKeyWrap) checkKey(key any) error {
	k, err := symmetricKeyOf(key)
	if err != nil {
		return err
	}
	if len(k) != c.keyBytes {
		return fmt.Errorf("%w: key wrap needs a %d-byte key, got %d", ErrInvalidKey, c.keyBytes, len(k))
	}
	return nil
}

func (c *aesKeyWrap) wrapKey(_ io.Reader, cek []byte, key any, _ *Header) ([]byte, error) {
	kek, err := symmetricKeyOf(key)
	if err != nil {
		return nil, err
	}
	return wrapAES(kek, cek, c.keyBytes)
}

func (c *aesKeyWrap) unwrapKey(encryptedKey []byte, key any, _ *Header, _ contentEncryption) ([]byte, error) {
	kek, err := symmetricKeyOf(key)
	if err != nil {
		return nil, err
	}
	return unwrapAES(kek, encryptedKey, c.keyBytes)
}

func wrapAES(kek, cek []byte, kekSize int) ([]byte, error) {
	if len(kek) != kekSize {
		return nil, fmt.Errorf("%w: key wrap needs a %d-byte key", ErrInvalidKey, kekSize)
	}
	if len(cek)%8 != 0 || len(cek) == 0 {
		return nil, fmt.Errorf("%w: wrapped key must be a multiple of 8 bytes", ErrInvalidKey)
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	n := len(cek) / 8
	r := make([][]byte, n)
	for i := range r {
		r[i] = make([]byte, 8)
		copy(r[i], cek[i*8:])
	}
	a := make([]byte, 8)
	copy(a, keyWrapIV)

	buf := make([]byte, 16)
	for j := 0; j < 6; j++ {
		for i := 0; i < n; i++ {
			copy(buf[:8], a)
			copy(buf[8:], r[i])
			block.Encrypt(buf, buf)
			copy(a, buf[:8])
			t := uint64(n*j + i + 1)
			for k := 0; k < 8; k++ {
				a[7-k] ^= byte(t >> (8 * k))
			}
			copy(r[i], buf[8:])
		}
	}

	out := make([]byte, 0, (n+1)*8)
	out = append(out, a...)
	for i := 0; i < n; i++ {
		out = append(out, r[i]...)
	}
	return out, nil
}

func unwrapAES(kek, wrapped []byte, kekSize int) ([]byte, error) {
	if len(kek) != kekSize {
		return nil, fmt.Errorf("%w: key wrap needs a %d-byte key", ErrInvalidKey, kekSize)
	}
	if len(wrapped)%8 != 0 || len(wrapped) < 24 {
		return nil, ErrCryptoFailure
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	n := len(wrapped)/8 - 1
	a := make([]byte, 8)
	copy(a, wrapped[:8])
	r := make([][]byte, n)
	for i := range r {
		r[i] = make([]byte, 8)
		copy(r[i], wrapped[(i+1)*8:])
	}

	buf := make([]byte, 16)
	for j := 5; j >= 0; j-- {
		for i := n - 1; i >= 0; i-- {
			t := uint64(n*j + i + 1)
			for k := 0; k < 8; k++ {
				a[7-k] ^= byte(t >> (8 * k))
			}
			copy(buf[:8], a)
			copy(buf[8:], r[i])
			block.Decrypt(buf, buf)
			copy(a, buf[:8])
			copy(r[i], buf[8:])
		}
	}

	if subtle.ConstantTimeCompare(a, keyWrapIV) != 1 {
		return nil, ErrCryptoFailure
	}
	out := make([]byte, 0, n*8)
	for i := 0; i < n; i++ {
		out = append(out, r[i]...)
	}
	return out, nil
}

// directEncryption uses the shared symmetric key as the content key.
type directEncryption struct{}

func (c *directEncryption) direct() bool { return true }

func (c *directEncryption) checkKey(key any) error {
	_, err := symmetricKeyOf(key)
	return err
}

func (c *directEncryption) wrapKey(_ io.Reader, _ []byte, _ any, _ *Header) ([]byte, error) {
	return nil, nil
}

func (c *directEncryption) deriveKey(_ io.Reader, key any, _ *Header, enc contentEncryption) ([]byte, error) {
	cek, err := symmetricKeyOf(key)
	if err != nil {
		return nil, err
	}
	if len(cek) != enc.keySize() {
		return nil, fmt.Errorf("%w: direct key must be %d bytes, got %d", ErrInvalidKey, enc.keySize(), len(cek))
	}
	return cek, nil
}

func (c *directEncryption) unwrapKey(encryptedKey []byte, key any, header *Header, enc contentEncryption) ([]byte, error) {
	if len(encryptedKey) != 0 {
		return nil, ErrCryptoFailure
	}
	return c.deriveKey(nil, key, header, enc)
}

// uint64ToBytes renders a 64-bit big-endian value, used for AAD bit counts.
func uint64ToBytes(v uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v)
	return out
}
