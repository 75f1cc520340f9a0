package jose

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Recipient pairs a key management algorithm with the recipient's key.
type Recipient struct {
	Algorithm string
	Key       Key
}

// EncrypterOptions tweaks the headers an Encrypter emits.
type EncrypterOptions struct {
	Type        string
	ContentType string
}

// Encrypter produces encrypted tokens, compact for a single recipient and
// JSON for several.
type Encrypter struct {
	enc        string
	cipher     contentEncryption
	recipients []Recipient
	typ        string
	cty        string
	rand       io.Reader
}

// NewEncrypter builds a single-recipient encrypter.
func NewEncrypter(enc string, recipient Recipient, opts *EncrypterOptions) (*Encrypter, error) {
	return NewMultiEncrypter(enc, []Recipient{recipient}, opts)
}

// NewMultiEncrypter builds an encrypter sharing one content key across all
// recipients. Direct key modes (dir, ECDH-ES) determine the content key
// themselves and therefore allow only a single recipient.
func NewMultiEncrypter(enc string, recipients []Recipient, opts *EncrypterOptions) (*Encrypter, error) {
	cipher, err := contentEncryptionFor(enc)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("jose: encrypter needs at least one recipient")
	}

	for _, r := range recipients {
		alg, err := keyAlgorithmFor(r.Algorithm)
		if err != nil {
			return nil, err
		}
		if err := alg.checkKey(r.Key.Key); err != nil {
			return nil, fmt.Errorf("%v: %w", r.Algorithm, err)
		}
		if alg.direct() {
			if len(recipients) > 1 {
				return nil, fmt.Errorf("jose: %s permits only one recipient", r.Algorithm)
			}
			if r.Algorithm == Direct {
				cek, err := symmetricKeyOf(r.Key.Key)
				if err != nil {
					return nil, err
				}
				if len(cek) != cipher.keySize() {
					return nil, fmt.Errorf("%w: %s needs a %d-byte key, got %d", ErrInvalidKey, enc, cipher.keySize(), len(cek))
				}
			}
		}
	}

	e := &Encrypter{enc: enc, cipher: cipher, recipients: recipients, rand: rand.Reader}
	if opts != nil {
		e.typ = opts.Type
		e.cty = opts.ContentType
	}
	return e, nil
}

// Encrypt protects the plaintext for every recipient.
func (e *Encrypter) Encrypt(plaintext []byte) (*JSONWebEncryption, error) {
	return e.EncryptWithAuthData(plaintext, nil)
}

// EncryptWithAuthData additionally authenticates aad (JSON serialization
// only; the compact form has no aad slot).
func (e *Encrypter) EncryptWithAuthData(plaintext, aad []byte) (*JSONWebEncryption, error) {
	jwe := &JSONWebEncryption{aad: aad}

	protected := Header{Encryption: e.enc, Type: e.typ, ContentType: e.cty}
	var cek []byte

	if single := len(e.recipients) == 1; single {
		r := e.recipients[0]
		alg, err := keyAlgorithmFor(r.Algorithm)
		if err != nil {
			return nil, err
		}
		protected.Algorithm = r.Algorithm
		protected.KeyID = r.Key.KeyID

		var encryptedKey []byte
		if alg.direct() {
			cek, err = alg.(directKeyAlgorithm).deriveKey(e.rand, r.Key.Key, &protected, e.cipher)
			if err != nil {
				return nil, err
			}
		} else {
			cek = make([]byte, e.cipher.keySize())
			if _, err := io.ReadFull(e.rand, cek); err != nil {
				return nil, err
			}
			encryptedKey, err = alg.wrapKey(e.rand, cek, r.Key.Key, &protected)
			if err != nil {
				return nil, err
			}
		}
		jwe.recipients = []recipientData{{encryptedKey: encryptedKey}}
	} else {
		cek = make([]byte, e.cipher.keySize())
		if _, err := io.ReadFull(e.rand, cek); err != nil {
			return nil, err
		}
		for _, r := range e.recipients {
			alg, err := keyAlgorithmFor(r.Algorithm)
			if err != nil {
				return nil, err
			}
			header := Header{Algorithm: r.Algorithm, KeyID: r.Key.KeyID}
			encryptedKey, err := alg.wrapKey(e.rand, cek, r.Key.Key, &header)
			if err != nil {
				return nil, err
			}
			jwe.recipients = append(jwe.recipients, recipientData{header: header, encryptedKey: encryptedKey})
		}
	}

	protectedB64, err := encodeHeader(protected)
	if err != nil {
		return nil, err
	}
	jwe.protected = protected
	jwe.protectedRaw = protectedB64

	iv := make([]byte, e.cipher.ivSize())
	if _, err := io.ReadFull(e.rand, iv); err != nil {
		return nil, err
	}

	ciphertext, tag, err := e.cipher.encrypt(cek, iv, authData(protectedB64, aad), plaintext)
	if err != nil {
		return nil, err
	}
	jwe.iv = iv
	jwe.ciphertext = ciphertext
	jwe.tag = tag
	return jwe, nil
}

// authData is the input authenticated alongside the ciphertext.
func authData(protectedB64 string, aad []byte) []byte {
	if aad == nil {
		return []byte(protectedB64)
	}
	return []byte(protectedB64 + "." + encodeSegment(aad))
}

type recipientData struct {
	header       Header
	encryptedKey []byte
}

// JSONWebEncryption is a parsed or freshly produced encrypted token.
type JSONWebEncryption struct {
	protected    Header
	protectedRaw string
	unprotected  Header
	recipients   []recipientData
	iv           []byte
	ciphertext   []byte
	tag          []byte
	aad          []byte
}

// Header returns the shared protected header.
func (jwe *JSONWebEncryption) Header() Header {
	return jwe.protected
}

type rawRecipient struct {
	Header       *Header `json:"header,omitempty"`
	EncryptedKey string  `json:"encrypted_key,omitempty"`
}

type rawJSONWebEncryption struct {
	Protected    string         `json:"protected,omitempty"`
	Unprotected  *Header        `json:"unprotected,omitempty"`
	Recipients   []rawRecipient `json:"recipients,omitempty"`
	Header       *Header        `json:"header,omitempty"`
	EncryptedKey string         `json:"encrypted_key,omitempty"`
	AAD          string         `json:"aad,omitempty"`
	IV           string         `json:"iv,omitempty"`
	Ciphertext   string         `json:"ciphertext"`
	Tag          string         `json:"tag,omitempty"`
}

// ParseEncrypted parses a compact or JSON serialized encrypted token.
func ParseEncrypted(input string) (*JSONWebEncryption, error) {
	input = strings.TrimSpace(input)
	if strings.HasPrefix(input, "{") {
		return parseEncryptedJSON(input)
	}
	return parseEncryptedCompact(input)
}

func parseEncryptedCompact(input string) (*JSONWebEncryption, error) {
	parts := strings.Split(input, ".")
	if len(parts) != 5 {
		return nil, fmt.Errorf("jose: compact JWE must have five segments, got %d", len(parts))
	}
	protected, err := decodeHeader(parts[0])
	if err != nil {
		return nil, err
	}
	segments := make([][]byte, 4)
	for i, seg := range parts[1:] {
		segments[i], err = decodeSegment(seg)
		if err != nil {
			return nil, err
		}
	}
	return &JSONWebEncryption{
		protected:    protected,
		protectedRaw: parts[0],
		recipients:   []recipientData{{encryptedKey: segments[0]}},
		iv:           segments[1],
		ciphertext:   segments[2],
		tag:          segments[3],
	}, nil
}

func parseEncryptedJSON(input string) (*JSONWebEncryption, error) {
	var raw rawJSONWebEncryption
	if err := json.Unmarshal([]byte(input), &raw); err != nil {
		return nil, fmt.Errorf("jose: invalid JWE JSON: %w", err)
	}

	jwe := &JSONWebEncryption{protectedRaw: raw.Protected}
	var err error
	if raw.Protected != "" {
		jwe.protected, err = decodeHeader(raw.Protected)
		if err != nil {
			return nil, err
		}
	}
	if raw.Unprotected != nil {
		jwe.unprotected = *raw.Unprotected
	}

	entries := raw.Recipients
	if len(entries) == 0 {
		entries = []rawRecipient{{Header: raw.Header, EncryptedKey: raw.EncryptedKey}}
	}
	for _, entry := range entries {
		rd := recipientData{}
		if entry.Header != nil {
			rd.header = *entry.Header
		}
		if entry.EncryptedKey != "" {
			rd.encryptedKey, err = decodeSegment(entry.EncryptedKey)
			if err != nil {
				return nil, err
			}
		}
		jwe.recipients = append(jwe.recipients, rd)
	}

	segments := []struct {
		name string
		src  string
		dst  *[]byte
	}{
		{"iv", raw.IV, &jwe.iv},
		{"ciphertext", raw.Ciphertext, &jwe.ciphertext},
		{"tag", raw.Tag, &jwe.tag},
		{"aad", raw.AAD, &jwe.aad},
	}
	for _, seg := range segments {
		if seg.src == "" {
			continue
		}
		*seg.dst, err = decodeSegment(seg.src)
		if err != nil {
			return nil, fmt.Errorf("jose: invalid %s segment: %w", seg.name, err)
		}
	}
	return jwe, nil
}

// Decrypt recovers the plaintext using a single key.
func (jwe *JSONWebEncryption) Decrypt(key any) ([]byte, error) {
	k, ok := key.(Key)
	if !ok {
		if kp, okp := key.(*Key); okp {
			k = *kp
		} else {
			k = Key{Key: key}
		}
	}
	return jwe.DecryptWithSet(&KeySet{Keys: []Key{k}})
}

// DecryptWithSet tries every recipient entry against the candidate keys;
// any single recipient whose unwrap succeeds recovers the content key.
func (jwe *JSONWebEncryption) DecryptWithSet(set *KeySet) ([]byte, error) {
	aad := authData(jwe.protectedRaw, jwe.aad)

	for _, rd := range jwe.recipients {
		merged := jwe.protected.merged(&jwe.unprotected, &rd.header)
		alg, err := keyAlgorithmFor(merged.Algorithm)
		if err != nil {
			continue
		}
		cipher, err := contentEncryptionFor(merged.Encryption)
		if err != nil {
			continue
		}
		for _, key := range set.ByID(merged.KeyID) {
			header := merged
			cek, err := alg.unwrapKey(rd.encryptedKey, key.Key, &header, cipher)
			if err != nil {
				continue
			}
			plaintext, err := cipher.decrypt(cek, jwe.iv, aad, jwe.ciphertext, jwe.tag)
			if err != nil {
				continue
			}
			return plaintext, nil
		}
	}
	return nil, ErrCryptoFailure
}

// CompactSerialize renders the five-segment form. Only single-recipient
// tokens without unprotected or per-recipient headers have one.
func (jwe *JSONWebEncryption) CompactSerialize() (string, error) {
	if len(jwe.recipients) != 1 {
		return "", fmt.Errorf("jose: compact JWE requires exactly one recipient")
	}
	if !jwe.unprotected.isZero() || !jwe.recipients[0].header.isZero() || jwe.aad != nil {
		return "", fmt.Errorf("jose: compact JWE cannot carry unprotected headers or aad")
	}
	return strings.Join([]string{
		jwe.protectedRaw,
		encodeSegment(jwe.recipients[0].encryptedKey),
		encodeSegment(jwe.iv),
		encodeSegment(jwe.ciphertext),
		encodeSegment(jwe.tag),
	}, "."), nil
}

// FullSerialize renders the JSON form, flattened for a single recipient.
func (jwe *JSONWebEncryption) FullSerialize() string {
	raw := rawJSONWebEncryption{
		Protected:  jwe.protectedRaw,
		IV:         encodeSegment(jwe.iv),
		Ciphertext: encodeSegment(jwe.ciphertext),
		Tag:        encodeSegment(jwe.tag),
	}
	if !jwe.unprotected.isZero() {
		h := jwe.unprotected
		raw.Unprotected = &h
	}
	if jwe.aad != nil {
		raw.AAD = encodeSegment(jwe.aad)
	}

	if len(jwe.recipients) == 1 {
		rd := jwe.recipients[0]
		raw.EncryptedKey = encodeSegment(rd.encryptedKey)
		if !rd.header.isZero() {
			h := rd.header
			raw.Header = &h
		}
	} else {
		for _, rd := range jwe.recipients {
			entry := rawRecipient{EncryptedKey: encodeSegment(rd.encryptedKey)}
			if !rd.header.isZero() {
				h := rd.header
				entry.Header = &h
			}
			raw.Recipients = append(raw.Recipients, entry)
		}
	}

	out, _ := json.Marshal(raw)
	return string(out)
}
