package vault

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// hybridMagic marks a container whose AEAD key is wrapped under RSA-OAEP.
var hybridMagic = []byte("SEVH")

// ErrNoPrivateKey indicates a hybrid container was given to a vault that
// only holds the public half.
var ErrNoPrivateKey = errors.New("hybrid vault has no private key")

// HybridVault encrypts each container under a fresh AES-256 key wrapped
// with RSA-OAEP. Nodes in the field need only the public key; the private
// key stays with whoever performs forensic decryption. Layout:
//
//	[magic "SEVH" : 4 bytes]
//	[wrapped_len  : 2 bytes little-endian]
//	[wrapped_key  : wrapped_len bytes, RSA-OAEP(SHA-256)]
//	[container    : standard container encrypted under the per-file key]
type HybridVault struct {
	pub  *rsa.PublicKey
	priv *rsa.PrivateKey
}

// NewHybrid creates a hybrid vault. A nil pub is taken from priv; priv may
// be nil for encrypt-only deployments. At least one of them is required.
func NewHybrid(pub *rsa.PublicKey, priv *rsa.PrivateKey) (*HybridVault, error) {
	if pub == nil {
		if priv == nil {
			return nil, fmt.Errorf("hybrid vault requires a public key")
		}
		pub = &priv.PublicKey
	}
	return &HybridVault{pub: pub, priv: priv}, nil
}

// Encrypt seals a payload under a fresh per-file key. The inner container
// keeps the embedded-hash contract of the symmetric vault unchanged.
func (h *HybridVault) Encrypt(payload []byte, meta interface{}) ([]byte, error) {
	fileKey := make([]byte, KeySize)
	if _, err := rand.Read(fileKey); err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}

	inner, err := New(fileKey)
	if err != nil {
		return nil, err
	}
	container, err := inner.Encrypt(payload, meta)
	// The per-file key is wrapped below; zero the working copy regardless.
	defer inner.Close()
	if err != nil {
		return nil, err
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, h.pub, fileKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap session key: %w", err)
	}

	out := make([]byte, 0, len(hybridMagic)+2+len(wrapped)+len(container))
	out = append(out, hybridMagic...)
	var wl [2]byte
	binary.LittleEndian.PutUint16(wl[:], uint16(len(wrapped)))
	out = append(out, wl[:]...)
	out = append(out, wrapped...)
	out = append(out, container...)
	return out, nil
}

// IsHybrid reports whether container bytes carry the hybrid magic.
func IsHybrid(data []byte) bool {
	return len(data) >= len(hybridMagic) && bytes.Equal(data[:len(hybridMagic)], hybridMagic)
}

// Decrypt unwraps the per-file key and opens the inner container.
func (h *HybridVault) Decrypt(data []byte) ([]byte, string, error) {
	if !IsHybrid(data) {
		return nil, "", fmt.Errorf("%w: missing hybrid magic", ErrMalformedPayload)
	}
	if h.priv == nil {
		return nil, "", ErrNoPrivateKey
	}
	rest := data[len(hybridMagic):]
	if len(rest) < 2 {
		return nil, "", fmt.Errorf("%w: truncated wrapped key length", ErrMalformedPayload)
	}
	wrappedLen := int(binary.LittleEndian.Uint16(rest[:2]))
	rest = rest[2:]
	if len(rest) < wrappedLen {
		return nil, "", fmt.Errorf("%w: truncated wrapped key", ErrMalformedPayload)
	}

	fileKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, h.priv, rest[:wrappedLen], nil)
	if err != nil {
		return nil, "", ErrTamperedCiphertext
	}

	inner, err := New(fileKey)
	if err != nil {
		return nil, "", err
	}
	defer inner.Close()
	return inner.Decrypt(rest[wrappedLen:])
}

// LoadRSAPublicKey reads a PEM-encoded RSA public key (PKIX or PKCS#1).
func LoadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%s is not an RSA key", path)
		}
		return rsaPub, nil
	}
	return x509.ParsePKCS1PublicKey(block.Bytes)
}

// LoadRSAPrivateKey reads a PEM-encoded RSA private key (PKCS#8 or PKCS#1).
func LoadRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%s is not an RSA key", path)
		}
		return rsaKey, nil
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}
