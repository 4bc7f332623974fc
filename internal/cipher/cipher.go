// Package cipher derives a symmetric key from a shared passphrase and seals
// byte buffers in an authenticated, versioned envelope.
//
// Envelope layout:
//
//	version (1) | nonce (24) | XChaCha20-Poly1305 ciphertext and tag
//
// The header is bound as additional data, so a flipped version byte or nonce
// fails authentication just like a flipped ciphertext byte. Nonces are
// synthetic (a keyed hash of the plaintext) which makes encryption
// deterministic per key: the same chunk always produces the same envelope.
package cipher

import (
	stdcipher "crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"github.com/fruitsalade/chunkshare/internal/errkind"
)

const (
	// MinKeyLength is the shortest accepted passphrase.
	MinKeyLength = 8

	// Version is the current envelope format version.
	Version byte = 0x01

	// Overhead is the envelope size added to every plaintext.
	Overhead = headerSize + chacha20poly1305.Overhead

	kdfIterations = 100_000
	keySize       = 32
	headerSize    = 1 + chacha20poly1305.NonceSizeX
)

var kdfSalt = []byte("chunkshare_kdf_salt_v1")

var (
	// ErrKeyTooShort is returned when a passphrase is under MinKeyLength.
	ErrKeyTooShort = fmt.Errorf("key must be at least %d characters", MinKeyLength)

	// ErrDecryption is returned for any envelope that fails authentication.
	ErrDecryption = errors.New("decryption failed: wrong key or corrupted data")
)

// Key is the 256-bit master key derived from a passphrase.
type Key [keySize]byte

// Derive stretches passphrase into a Key with PBKDF2-HMAC-SHA256. The salt is
// fixed so both endpoints derive the same key from the same passphrase.
func Derive(passphrase string) (Key, error) {
	var k Key
	if len(passphrase) < MinKeyLength {
		return k, errkind.E(errkind.Crypto, "derive key", ErrKeyTooShort)
	}
	copy(k[:], pbkdf2.Key([]byte(passphrase), kdfSalt, kdfIterations, keySize, sha256.New))
	return k, nil
}

// Cipher seals and opens envelopes. It holds no mutable state after
// construction and is safe for concurrent use.
type Cipher struct {
	aead     stdcipher.AEAD
	nonceKey []byte
	verifier []byte
}

// New derives a key from passphrase and returns a Cipher for it.
func New(passphrase string) (*Cipher, error) {
	k, err := Derive(passphrase)
	if err != nil {
		return nil, err
	}
	return NewFromKey(k)
}

// NewFromKey returns a Cipher for an already derived key.
func NewFromKey(k Key) (*Cipher, error) {
	encKey := expand(k, "chunkshare encryption v1")
	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return nil, errkind.E(errkind.Crypto, "init cipher", err)
	}
	verifier := expand(k, "chunkshare verifier v1")
	return &Cipher{
		aead:     aead,
		nonceKey: expand(k, "chunkshare nonce v1"),
		verifier: []byte(hex.EncodeToString(verifier)),
	}, nil
}

func expand(k Key, info string) []byte {
	out := make([]byte, keySize)
	r := hkdf.New(sha256.New, k[:], nil, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		// hkdf only fails past 255 blocks of output
		panic(err)
	}
	return out
}

// Encrypt seals plaintext into a new envelope.
func (c *Cipher) Encrypt(plaintext []byte) []byte {
	mac := hmac.New(sha256.New, c.nonceKey)
	mac.Write(plaintext)
	sum := mac.Sum(nil)

	out := make([]byte, headerSize, headerSize+len(plaintext)+chacha20poly1305.Overhead)
	out[0] = Version
	copy(out[1:headerSize], sum[:chacha20poly1305.NonceSizeX])

	header := out[:headerSize]
	return c.aead.Seal(out, header[1:], plaintext, header)
}

// Decrypt opens an envelope produced by Encrypt. Any failure, including a
// truncated envelope or an unknown version, yields ErrDecryption and no data.
func (c *Cipher) Decrypt(envelope []byte) ([]byte, error) {
	if len(envelope) < Overhead {
		return nil, errkind.E(errkind.Crypto, "decrypt", fmt.Errorf("%w: envelope too short", ErrDecryption))
	}
	if envelope[0] != Version {
		return nil, errkind.E(errkind.Crypto, "decrypt", fmt.Errorf("%w: unsupported version %#x", ErrDecryption, envelope[0]))
	}
	header := envelope[:headerSize]
	plaintext, err := c.aead.Open(nil, header[1:], envelope[headerSize:], header)
	if err != nil {
		return nil, errkind.E(errkind.Crypto, "decrypt", ErrDecryption)
	}
	return plaintext, nil
}

// KeyHash returns a bcrypt hash that identifies the key without revealing the
// passphrase or the derived key material.
func (c *Cipher) KeyHash() (string, error) {
	h, err := bcrypt.GenerateFromPassword(c.verifier, bcrypt.DefaultCost)
	if err != nil {
		return "", errkind.E(errkind.Crypto, "key hash", err)
	}
	return string(h), nil
}

// Verify reports whether knownHash was produced by KeyHash for the same key.
func (c *Cipher) Verify(knownHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(knownHash), c.verifier) == nil
}
