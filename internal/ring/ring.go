// Package ring seals and opens the pre-shared-key envelope that wraps every
// SWIM datagram on the wire when a ring key is configured, the way the
// teacher's hyperbus layer wraps every QUIC payload in TLS: here the
// primitive is a symmetric AEAD instead of a certificate exchange, since a
// supervisor ring shares one out-of-band key rather than negotiating peer
// identity. Gossip frames are not wrapped by it.
package ring

import (
	"crypto/rand"
	"fmt"

	"github.com/fleetswarm/core/internal/xerr"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required length of a ring key.
const KeySize = chacha20poly1305.KeySize

// Key is a ring's pre-shared symmetric key.
type Key [KeySize]byte

// ParseKey decodes a raw KeySize-byte ring key.
func ParseKey(raw []byte) (Key, error) {
	var k Key
	if len(raw) != KeySize {
		return k, xerr.New(xerr.ConfigInvalid, "parse-ring-key", fmt.Errorf("ring key must be %d bytes, got %d", KeySize, len(raw)))
	}
	copy(k[:], raw)
	return k, nil
}

// Cipher seals and opens frames under one ring key using XChaCha20-Poly1305:
// a random 24-byte nonce is generated per call and prepended to the
// ciphertext. Open succeeds only when given the same additional
// authenticated data that Seal was given; the SWIM engine passes the wire
// version byte and a zero byte for every frame type.
type Cipher struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
		Overhead() int
	}
}

// NewCipher builds a Cipher from a ring key.
func NewCipher(key Key) (*Cipher, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, xerr.New(xerr.ConfigInvalid, "new-ring-cipher", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext, authenticating aad alongside it, and returns
// nonce||ciphertext||tag.
func (c *Cipher) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, xerr.New(xerr.Auth, "ring-seal", err)
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+c.aead.Overhead())
	out = append(out, nonce...)
	out = c.aead.Seal(out, nonce, plaintext, aad)
	return out, nil
}

// Open verifies and decrypts a value produced by Seal, checking aad against
// the same additional data the sealer used.
func (c *Cipher) Open(sealed, aad []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, xerr.New(xerr.Auth, "ring-open", fmt.Errorf("sealed value shorter than nonce size %d", nonceSize))
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, xerr.New(xerr.Auth, "ring-open", err)
	}
	return plaintext, nil
}
