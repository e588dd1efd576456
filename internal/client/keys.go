// ABOUTME: Device private key loading and generation
// ABOUTME: Accepts base64 seeds or keys, and OpenSSH ed25519 private keys

package client

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// ErrUnsupportedKey is returned for keys that are not Ed25519.
var ErrUnsupportedKey = errors.New("unsupported private key")

// ParseKey parses a private key in base64 (32-byte seed or 64-byte key, std
// encoding) or OpenSSH PEM form.
func ParseKey(data []byte) (ed25519.PrivateKey, error) {
	data = bytes.TrimSpace(data)
	if bytes.HasPrefix(data, []byte("-----BEGIN")) {
		raw, err := ssh.ParseRawPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parsing OpenSSH key: %w", err)
		}
		switch k := raw.(type) {
		case ed25519.PrivateKey:
			return k, nil
		case *ed25519.PrivateKey:
			return *k, nil
		default:
			return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, raw)
		}
	}

	raw, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("decoding key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("%w: %d bytes", ErrUnsupportedKey, len(raw))
	}
}

// LoadKey reads and parses a private key file.
func LoadKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	return ParseKey(data)
}

// GenerateKey creates a new device key.
func GenerateKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return priv, nil
}

// EncodeSeed returns the base64 seed of key, the form written by keygen.
func EncodeSeed(key ed25519.PrivateKey) string {
	return base64.StdEncoding.EncodeToString(key.Seed())
}

// PublicKeyB64 returns the base64 public key, as listed in the allowlist.
func PublicKeyB64(key ed25519.PrivateKey) string {
	pub, _ := key.Public().(ed25519.PublicKey)
	return base64.StdEncoding.EncodeToString(pub)
}

// MarshalOpenSSH encodes key as an OpenSSH private key.
func MarshalOpenSSH(key ed25519.PrivateKey, comment string) ([]byte, error) {
	block, err := ssh.MarshalPrivateKey(key, comment)
	if err != nil {
		return nil, fmt.Errorf("marshaling key: %w", err)
	}
	return pem.EncodeToMemory(block), nil
}

// WriteKey writes the base64 seed to path with owner-only permissions.
func WriteKey(path string, key ed25519.PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(EncodeSeed(key)+"\n"), 0600); err != nil {
		return fmt.Errorf("writing key: %w", err)
	}
	return nil
}

// AuthorizedKey returns the public key in authorized_keys form.
func AuthorizedKey(key ed25519.PrivateKey, comment string) (string, error) {
	pub, err := ssh.NewPublicKey(key.Public())
	if err != nil {
		return "", fmt.Errorf("encoding public key: %w", err)
	}
	line := bytes.TrimSpace(ssh.MarshalAuthorizedKey(pub))
	if comment != "" {
		line = append(line, ' ')
		line = append(line, comment...)
	}
	return string(line), nil
}
