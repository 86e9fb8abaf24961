// Package vault encrypts tenant secrets at rest with AES-256-GCM.
//
// A stored blob is base64(nonce || tag || ciphertext) with a 12-byte random
// nonce and a 16-byte authentication tag. A Vault holds a primary key used
// for every encryption and any number of previous keys that are still
// accepted for decryption, so the master key can be rotated by re-encrypting
// stored blobs while the service keeps running.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/punchamoorthee/tabpay/internal/domain"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
	// MinBlobSize is the length of a blob that encrypts the empty string.
	MinBlobSize = NonceSize + TagSize
)

type Vault struct {
	primary  cipher.AEAD
	previous []cipher.AEAD
}

// New builds a Vault from raw 32-byte keys.
func New(primary []byte, previous ...[]byte) (*Vault, error) {
	p, err := newAEAD(primary)
	if err != nil {
		return nil, err
	}
	v := &Vault{primary: p}
	for i, k := range previous {
		a, err := newAEAD(k)
		if err != nil {
			return nil, fmt.Errorf("previous key %d: %w", i, err)
		}
		v.previous = append(v.previous, a)
	}
	return v, nil
}

// FromConfig parses hex or base64 encoded keys as they appear in process
// configuration.
func FromConfig(primary string, previous []string) (*Vault, error) {
	pk, err := ParseKey(primary)
	if err != nil {
		return nil, err
	}
	var prev [][]byte
	for _, s := range previous {
		if strings.TrimSpace(s) == "" {
			continue
		}
		k, err := ParseKey(s)
		if err != nil {
			return nil, err
		}
		prev = append(prev, k)
	}
	return New(pk, prev...)
}

// ParseKey decodes a 32-byte key given as 64 hex characters or base64.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, domain.ErrDecryption.With("master key is not configured", nil)
	}
	if len(s) == hex.EncodedLen(KeySize) {
		if k, err := hex.DecodeString(s); err == nil {
			return k, nil
		}
	}
	k, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(k) != KeySize {
		return nil, domain.ErrDecryption.With("master key must be 32 bytes (hex or base64)", err)
	}
	return k, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, domain.ErrDecryption.Withf("master key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, domain.ErrDecryption.With("init cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, domain.ErrDecryption.With("init gcm", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext under the primary key.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if v == nil || v.primary == nil {
		return "", domain.ErrDecryption.With("master key is not configured", nil)
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := v.primary.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	blob := make([]byte, 0, NonceSize+TagSize+len(ct))
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a blob produced by Encrypt under the primary key or any
// previous key.
func (v *Vault) Decrypt(blob string) (string, error) {
	if v == nil || v.primary == nil {
		return "", domain.ErrDecryption.With("master key is not configured", nil)
	}
	raw, err := base64.StdEncoding.Strict().DecodeString(blob)
	if err != nil {
		return "", domain.ErrDecryption.With("blob is not valid base64", err)
	}
	if len(raw) < MinBlobSize {
		return "", domain.ErrDecryption.Withf("blob too short: %d bytes", len(raw))
	}
	nonce, tag, ct := raw[:NonceSize], raw[NonceSize:MinBlobSize], raw[MinBlobSize:]

	sealed := make([]byte, 0, len(ct)+TagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	for _, a := range v.keys() {
		pt, err := a.Open(nil, nonce, sealed, nil)
		if err == nil {
			return string(pt), nil
		}
	}
	return "", domain.ErrDecryption.With("authentication failed", nil)
}

// NeedsRotation reports whether blob decrypts only with a previous key.
func (v *Vault) NeedsRotation(blob string) bool {
	raw, err := base64.StdEncoding.Strict().DecodeString(blob)
	if err != nil || len(raw) < MinBlobSize {
		return false
	}
	sealed := append(append([]byte{}, raw[MinBlobSize:]...), raw[NonceSize:MinBlobSize]...)
	_, err = v.primary.Open(nil, raw[:NonceSize], sealed, nil)
	return err != nil
}

// Reencrypt decrypts blob with any known key and seals it again under the
// primary key.
func (v *Vault) Reencrypt(blob string) (string, error) {
	pt, err := v.Decrypt(blob)
	if err != nil {
		return "", err
	}
	return v.Encrypt(pt)
}

func (v *Vault) keys() []cipher.AEAD {
	return append([]cipher.AEAD{v.primary}, v.previous...)
}
