package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/scrypt"
)

const (
	keyLen = 32
	tagLen = 16

	// kdfSalt is fixed and versioned: deriving with a new salt invalidates
	// every stored ciphertext, so a salt change must ship with a re-encryption
	// backfill.
	kdfSalt = "finlink.cipher.v1"

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

var (
	// ErrMalformedCiphertext means the value is not a nonce:tag:ciphertext
	// token at all (likely legacy plaintext).
	ErrMalformedCiphertext = errors.New("value is not a ciphertext token")
	// ErrDecryptFailed means the token is structurally valid but failed
	// authentication: tampered, or encrypted under a different key.
	ErrDecryptFailed = errors.New("ciphertext failed authentication")
)

// CipherConfig is injected so tests can supply deterministic keys without
// touching process state.
type CipherConfig struct {
	// Key is either an encoded 32-byte key (base64 or hex) or an arbitrary
	// passphrase to derive one from.
	Key string
	// LegacyPlaintextFallback makes Decrypt return undecryptable input
	// unchanged instead of failing. Migration shim for rows written before
	// encryption at rest existed.
	LegacyPlaintextFallback bool
}

// Cipher provides authenticated encryption for secrets at rest. Tokens have
// the self-contained form nonce:tag:ciphertext with each segment base64
// encoded, so they are safe to treat as opaque strings.
//
// The key is derived once at construction; rotating the secret requires a
// restart.
type Cipher struct {
	aead   cipher.AEAD
	legacy bool
}

// NewCipher builds a Cipher from the process-wide secret. A secret that
// decodes to exactly 32 bytes is used directly; anything else is treated as a
// passphrase and stretched with scrypt under a fixed versioned salt.
func NewCipher(cfg CipherConfig) (*Cipher, error) {
	if cfg.Key == "" {
		return nil, errors.New("encryption key is required")
	}

	key, err := deriveKey(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to derive cipher key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize AES: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	return &Cipher{aead: aead, legacy: cfg.LegacyPlaintextFallback}, nil
}

func deriveKey(secret string) ([]byte, error) {
	if raw, err := base64.StdEncoding.DecodeString(secret); err == nil && len(raw) == keyLen {
		return raw, nil
	}
	if raw, err := hex.DecodeString(secret); err == nil && len(raw) == keyLen {
		return raw, nil
	}
	return scrypt.Key([]byte(secret), []byte(kdfSalt), scryptN, scryptR, scryptP, keyLen)
}

// Encrypt seals plaintext under a fresh random nonce and returns the
// self-contained token.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ciphertext),
	}, ":"), nil
}

// Open strictly decrypts a token. Callers that require encryption guarantees
// (the refresh engine decrypting a refresh token) use Open, never Decrypt.
func (c *Cipher) Open(value string) (string, error) {
	nonce, tag, ciphertext, ok := splitToken(value, c.aead.NonceSize())
	if !ok {
		return "", ErrMalformedCiphertext
	}

	plaintext, err := c.aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}

// Decrypt decrypts a token, applying the legacy fallback: when the fallback is
// enabled, any value that cannot be decrypted is returned unchanged and the
// failure is logged. Never silently produces wrong plaintext.
func (c *Cipher) Decrypt(value string) (string, error) {
	plaintext, err := c.Open(value)
	if err == nil {
		return plaintext, nil
	}

	if c.legacy {
		if errors.Is(err, ErrDecryptFailed) {
			log.Warn().Msg("structurally valid ciphertext failed authentication, passing through (legacy fallback)")
		} else {
			log.Debug().Msg("value is not ciphertext, passing through as legacy plaintext")
		}
		return value, nil
	}
	return "", err
}

// IsEncrypted is a structural check only: exactly three segments, each valid
// base64, with nonce and tag of the expected lengths. It does not attempt
// decryption, so a tampered token still reports true.
func (c *Cipher) IsEncrypted(value string) bool {
	_, _, _, ok := splitToken(value, c.aead.NonceSize())
	return ok
}

func splitToken(value string, nonceSize int) (nonce, tag, ciphertext []byte, ok bool) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return nil, nil, nil, false
	}

	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return nil, nil, nil, false
	}
	tag, err = base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(tag) != tagLen {
		return nil, nil, nil, false
	}
	ciphertext, err = base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, nil, nil, false
	}
	return nonce, tag, ciphertext, true
}
