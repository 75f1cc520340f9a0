package jose

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rsa"
	"fmt"
	"io"
	"math/big"
)

type hmacSigner struct {
	hash crypto.Hash
}

func (s *hmacSigner) checkKey(key any) error {
	k, err := symmetricKeyOf(key)
	if err != nil {
		return err
	}
	if len(k) == 0 {
		return fmt.Errorf("%w: empty HMAC key", ErrInvalidKey)
	}
	return nil
}

func (s *hmacSigner) sign(_ io.Reader, payload []byte, key any) ([]byte, error) {
	k, err := symmetricKeyOf(key)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(s.hash.New, k)
	mac.Write(payload)
	return mac.Sum(nil), nil
}

func (s *hmacSigner) verify(payload, signature []byte, key any) error {
	expected, err := s.sign(nil, payload, key)
	if err != nil {
		return err
	}
	if !hmac.Equal(expected, signature) {
		return ErrCryptoFailure
	}
	return nil
}

type rsaSigner struct {
	hash crypto.Hash
	pss  bool
}

func (s *rsaSigner) checkKey(key any) error {
	pub, err := rsaPublicOf(key)
	if err != nil {
		return err
	}
	if pub.N.BitLen() < 2048 {
		return fmt.Errorf("%w: RSA modulus below 2048 bits", ErrInvalidKey)
	}
	return nil
}

func (s *rsaSigner) sign(rand io.Reader, payload []byte, key any) ([]byte, error) {
	priv, err := rsaPrivateOf(key)
	if err != nil {
		return nil, err
	}
	h := s.hash.New()
	h.Write(payload)
	digest := h.Sum(nil)

	if s.pss {
		return rsa.SignPSS(rand, priv, s.hash, digest, &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthEqualsHash,
		})
	}
	return rsa.SignPKCS1v15(rand, priv, s.hash, digest)
}

func (s *rsaSigner) verify(payload, signature []byte, key any) error {
	pub, err := rsaPublicOf(key)
	if err != nil {
		return err
	}
	h := s.hash.New()
	h.Write(payload)
	digest := h.Sum(nil)

	if s.pss {
		err = rsa.VerifyPSS(pub, s.hash, digest, signature, &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthEqualsHash,
		})
	} else {
		err = rsa.VerifyPKCS1v15(pub, s.hash, digest, signature)
	}
	if err != nil {
		return ErrCryptoFailure
	}
	return nil
}

type ecdsaSigner struct {
	hash  crypto.Hash
	curve elliptic.Curve
}

func (s *ecdsaSigner) checkKey(key any) error {
	pub, err := ecdsaPublicOf(key)
	if err != nil {
		return err
	}
	if pub.Curve != s.curve {
		return fmt.Errorf("%w: key curve does not match algorithm", ErrInvalidKey)
	}
	return nil
}

func (s *ecdsaSigner) sign(rand io.Reader, payload []byte, key any) ([]byte, error) {
	priv, err := ecdsaPrivateOf(key)
	if err != nil {
		return nil, err
	}
	if priv.Curve != s.curve {
		return nil, fmt.Errorf("%w: key curve does not match algorithm", ErrInvalidKey)
	}

	h := s.hash.New()
	h.Write(payload)
	r, sig, err := ecdsa.Sign(rand, priv, h.Sum(nil))
	if err != nil {
		return nil, err
	}

	size := curveByteSize(s.curve)
	out := make([]byte, 2*size)
	r.FillBytes(out[:size])
	sig.FillBytes(out[size:])
	return out, nil
}

func (s *ecdsaSigner) verify(payload, signature []byte, key any) error {
	pub, err := ecdsaPublicOf(key)
	if err != nil {
		return err
	}
	if pub.Curve != s.curve {
		return fmt.Errorf("%w: key curve does not match algorithm", ErrInvalidKey)
	}

	size := curveByteSize(s.curve)
	if len(signature) != 2*size {
		return ErrCryptoFailure
	}
	r := new(big.Int).SetBytes(signature[:size])
	sig := new(big.Int).SetBytes(signature[size:])

	h := s.hash.New()
	h.Write(payload)
	if !ecdsa.Verify(pub, h.Sum(nil), r, sig) {
		return ErrCryptoFailure
	}
	return nil
}
