// Package credentials seals and opens tenant session cookies at rest.
//
// Sealed values are hex strings laid out as salt|iv|tag|ciphertext. Each value
// gets its own PBKDF2-SHA512 derived AES-256-GCM key from the master key and a
// random salt.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/JakeFAU/chartsnap/internal/capture"
)

const (
	saltLen    = 64
	ivLen      = 16
	tagLen     = 16
	keyLen     = 32
	iterations = 100000
	headerLen  = saltLen + ivLen + tagLen
)

// ErrMasterKey reports a malformed master key.
var ErrMasterKey = errors.New("master key must be 64 hex characters")

// Cipher implements capture.Decrypter.
type Cipher struct {
	master []byte
	rand   io.Reader
}

// Option customizes a Cipher.
type Option func(*Cipher)

// WithRand overrides the randomness source used for salts and IVs.
func WithRand(r io.Reader) Option {
	return func(c *Cipher) {
		if r != nil {
			c.rand = r
		}
	}
}

// New parses a 64-character hex master key.
func New(hexKey string, opts ...Option) (*Cipher, error) {
	hexKey = strings.TrimSpace(hexKey)
	if len(hexKey) != 2*keyLen {
		return nil, ErrMasterKey
	}
	master, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMasterKey, err)
	}
	c := &Cipher{master: master, rand: rand.Reader}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Encrypt seals plaintext into the hex layout.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.New("plaintext must not be empty")
	}
	buf := make([]byte, saltLen+ivLen)
	if _, err := io.ReadFull(c.rand, buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	salt, iv := buf[:saltLen], buf[saltLen:]
	aead, err := c.aead(salt)
	if err != nil {
		return "", err
	}
	sealed := aead.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	out := make([]byte, 0, headerLen+len(ct))
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return hex.EncodeToString(out), nil
}

// Decrypt opens a sealed value. Failures wrap capture.ErrInvalidCredentials.
func (c *Cipher) Decrypt(blob string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(blob))
	if err != nil {
		return "", fmt.Errorf("%w: sealed value is not hex", capture.ErrInvalidCredentials)
	}
	if len(raw) <= headerLen {
		return "", fmt.Errorf("%w: sealed value too short", capture.ErrInvalidCredentials)
	}
	salt := raw[:saltLen]
	iv := raw[saltLen : saltLen+ivLen]
	tag := raw[saltLen+ivLen : headerLen]
	ct := raw[headerLen:]

	aead, err := c.aead(salt)
	if err != nil {
		return "", err
	}
	sealed := make([]byte, 0, len(ct)+tagLen)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	plain, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", capture.ErrInvalidCredentials)
	}
	return string(plain), nil
}

// SealPair encrypts a session cookie pair for storage.
func (c *Cipher) SealPair(creds capture.Credentials) (capture.SealedCredentials, error) {
	if creds.Empty() {
		return capture.SealedCredentials{}, fmt.Errorf("%w: both cookies are required", capture.ErrInvalidCredentials)
	}
	id, err := c.Encrypt(creds.SessionID)
	if err != nil {
		return capture.SealedCredentials{}, fmt.Errorf("seal session id: %w", err)
	}
	sign, err := c.Encrypt(creds.SessionSign)
	if err != nil {
		return capture.SealedCredentials{}, fmt.Errorf("seal session sign: %w", err)
	}
	return capture.SealedCredentials{SessionID: id, SessionSign: sign}, nil
}

func (c *Cipher) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.master, salt, iterations, keyLen, sha512.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return aead, nil
}
