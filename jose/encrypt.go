package jose

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"fmt"
)

// cbcHMAC implements the composite AxxxCBC-HSxxx authenticated encryption.
// The content key splits into a MAC half (first) and an encryption half
// (second); the tag is the HMAC digest truncated to half its length.
type cbcHMAC struct {
	halfKeyBytes int
	hash         crypto.Hash
}

func (c *cbcHMAC) keySize() int { return 2 * c.halfKeyBytes }
func (c *cbcHMAC) ivSize() int  { return aes.BlockSize }

func (c *cbcHMAC) split(cek []byte) (macKey, encKey []byte, err error) {
	if len(cek) != c.keySize() {
		return nil, nil, fmt.Errorf("%w: content key must be %d bytes, got %d", ErrInvalidKey, c.keySize(), len(cek))
	}
	return cek[:c.halfKeyBytes], cek[c.halfKeyBytes:], nil
}

// computeTag authenticates aad || iv || ciphertext || AL where AL is the
// 64-bit big-endian bit count of the additional authenticated data.
func (c *cbcHMAC) computeTag(macKey, iv, aad, ciphertext []byte) []byte {
	mac := hmac.New(c.hash.New, macKey)
	mac.Write(aad)
	mac.Write(iv)
	mac.Write(ciphertext)
	mac.Write(uint64ToBytes(uint64(len(aad)) * 8))
	return mac.Sum(nil)[:c.halfKeyBytes]
}

func (c *cbcHMAC) encrypt(cek, iv, aad, plaintext []byte) ([]byte, []byte, error) {
	macKey, encKey, err := c.split(cek)
	if err != nil {
		return nil, nil, err
	}
	if len(iv) != c.ivSize() {
		return nil, nil, fmt.Errorf("%w: IV must be %d bytes", ErrInvalidKey, c.ivSize())
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, nil, err
	}

	padded := padPKCS7(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return ciphertext, c.computeTag(macKey, iv, aad, ciphertext), nil
}

func (c *cbcHMAC) decrypt(cek, iv, aad, ciphertext, tag []byte) ([]byte, error) {
	macKey, encKey, err := c.split(cek)
	if err != nil {
		return nil, err
	}
	if len(iv) != c.ivSize() || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrCryptoFailure
	}

	expected := c.computeTag(macKey, iv, aad, ciphertext)
	if !hmac.Equal(expected, tag) {
		return nil, ErrCryptoFailure
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return unpadPKCS7(plaintext, aes.BlockSize)
}

func padPKCS7(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrCryptoFailure
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrCryptoFailure
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrCryptoFailure
		}
	}
	return data[:len(data)-n], nil
}

// aesGCM implements AxxxGCM content encryption.
type aesGCM struct {
	keyBytes int
}

func (c *aesGCM) keySize() int { return c.keyBytes }
func (c *aesGCM) ivSize() int  { return 12 }

func (c *aesGCM) aead(cek []byte) (cipher.AEAD, error) {
	if len(cek) != c.keyBytes {
		return nil, fmt.Errorf("%w: content key must be %d bytes, got %d", ErrInvalidKey, c.keyBytes, len(cek))
	}
	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (c *aesGCM) encrypt(cek, iv, aad, plaintext []byte) ([]byte, []byte, error) {
	aead, err := c.aead(cek)
	if err != nil {
		return nil, nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, nil, fmt.Errorf("%w: IV must be %d bytes", ErrInvalidKey, aead.NonceSize())
	}
	sealed := aead.Seal(nil, iv, plaintext, aad)
	split := len(sealed) - aead.Overhead()
	return sealed[:split], sealed[split:], nil
}

func (c *aesGCM) decrypt(cek, iv, aad, ciphertext, tag []byte) ([]byte, error) {
	aead, err := c.aead(cek)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, ErrCryptoFailure
	}
	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := aead.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	return plaintext, nil
}
