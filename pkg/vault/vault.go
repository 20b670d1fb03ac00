// Package vault implements authenticated encryption of evidence payloads
// and the on-disk container format. The AEAD tag detects ciphertext
// tampering; a hash of the plaintext payload is additionally embedded
// inside the ciphertext so that content substitution remains detectable
// even against an adversary who holds the key and re-encrypts, and so
// every container carries a stable fingerprint for chain-of-custody logs.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	// ErrKeyMissing indicates the key file is absent and generation was not requested
	ErrKeyMissing = errors.New("vault key missing")

	// ErrTamperedCiphertext indicates AEAD tag verification failed
	ErrTamperedCiphertext = errors.New("tampered ciphertext: authentication tag verification failed")

	// ErrMalformedPayload indicates the recovered plaintext has no hash separator
	// or the container itself cannot be parsed
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrIntegrityMismatch indicates the embedded hash does not match the payload
	ErrIntegrityMismatch = errors.New("integrity mismatch: embedded hash does not match payload")
)

const (
	// KeySize is the symmetric key size in bytes (AES-256)
	KeySize = 32
	// NonceSize is the GCM nonce size in bytes
	NonceSize = 12
	// TagSize is the GCM authentication tag size in bytes
	TagSize = 16
)

// hashSeparator splits the embedded hex hash from the payload inside the
// AEAD plaintext.
var hashSeparator = []byte("::")

// Vault owns the symmetric key and performs authenticated encryption of
// evidence payloads. The key is immutable after construction; encryption is
// stateless apart from nonce generation, so a Vault is safe for concurrent
// use from any goroutine without locking.
type Vault struct {
	key  []byte
	aead cipher.AEAD
}

// New creates a Vault from a 32-byte key. The Vault takes ownership of the
// slice and zeroes it on Close.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	return &Vault{key: key, aead: aead}, nil
}

// Open loads the key from path, or generates and persists one when the file
// does not exist, then constructs the Vault.
func Open(keyPath string) (*Vault, error) {
	key, err := LoadOrGenerateKey(keyPath)
	if err != nil {
		return nil, err
	}
	return New(key)
}

// LoadKey reads a 32-byte key from disk. Returns ErrKeyMissing when the
// file does not exist.
func LoadKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyMissing, path)
		}
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	if len(data) != KeySize {
		return nil, fmt.Errorf("key file %s has wrong size: got %d bytes, want %d", path, len(data), KeySize)
	}
	return data, nil
}

// GenerateKey draws a fresh key from the OS CSPRNG and persists it with
// owner-only permissions.
func GenerateKey(path string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create key directory: %w", err)
		}
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return key, nil
}

// LoadOrGenerateKey loads the key at path, generating one on first use.
func LoadOrGenerateKey(path string) ([]byte, error) {
	key, err := LoadKey(path)
	if errors.Is(err, ErrKeyMissing) {
		return GenerateKey(path)
	}
	return key, err
}

// Encrypt seals a payload into a container. The plaintext fed to the
// cipher is hex(sha256(payload)) + "::" + payload; meta is serialized to
// JSON and stored in the clear in the container header.
func (v *Vault) Encrypt(payload []byte, meta interface{}) ([]byte, error) {
	if v.aead == nil {
		return nil, ErrKeyMissing
	}
	sum := sha256.Sum256(payload)
	hexHash := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(hexHash, sum[:])

	plaintext := make([]byte, 0, len(hexHash)+len(hashSeparator)+len(payload))
	plaintext = append(plaintext, hexHash...)
	plaintext = append(plaintext, hashSeparator...)
	plaintext = append(plaintext, payload...)

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := v.aead.Seal(nil, nonce, plaintext, nil)

	return encodeContainer(nonce, meta, ciphertext)
}

// Decrypt opens a container and returns the payload and its hex sha256
// fingerprint. The fingerprint is the one embedded at encryption time,
// verified against a fresh hash of the recovered payload. No partial
// output is ever returned.
func (v *Vault) Decrypt(container []byte) ([]byte, string, error) {
	c, err := ParseContainer(container)
	if err != nil {
		return nil, "", err
	}
	return v.DecryptContainer(c)
}

// DecryptContainer opens an already-parsed container.
func (v *Vault) DecryptContainer(c *Container) ([]byte, string, error) {
	if v.aead == nil {
		return nil, "", ErrKeyMissing
	}
	plaintext, err := v.aead.Open(nil, c.Nonce[:], c.Ciphertext, nil)
	if err != nil {
		return nil, "", ErrTamperedCiphertext
	}
	return splitAndVerify(plaintext)
}

// splitAndVerify separates the embedded hash from the payload and checks it.
func splitAndVerify(plaintext []byte) ([]byte, string, error) {
	idx := bytes.Index(plaintext, hashSeparator)
	if idx < 0 {
		return nil, "", ErrMalformedPayload
	}
	stored := plaintext[:idx]
	payload := plaintext[idx+len(hashSeparator):]

	sum := sha256.Sum256(payload)
	computed := hex.EncodeToString(sum[:])
	if computed != string(stored) {
		return nil, "", ErrIntegrityMismatch
	}
	return payload, string(stored), nil
}

// Close zeroes the key material. The Vault must not be used afterwards.
func (v *Vault) Close() {
	for i := range v.key {
		v.key[i] = 0
	}
	v.aead = nil
}
