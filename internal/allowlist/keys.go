// ABOUTME: Ed25519 public key parsing for allowlist entries
// ABOUTME: Accepts raw base64 keys or authorized_keys lines and computes SSH-style fingerprints

package allowlist

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// ParsePublicKey decodes a standard base64 encoding of a raw 32-byte Ed25519 key.
func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.Strict().DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding base64: %v", ErrInvalidKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// ParseSSHPublicKey parses an authorized_keys line holding an ssh-ed25519 key.
func ParseSSHPublicKey(line string) (ed25519.PublicKey, error) {
	pubkey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if pubkey.Type() != ssh.KeyAlgoED25519 {
		return nil, fmt.Errorf("%w: key type %s is not supported", ErrInvalidKey, pubkey.Type())
	}
	cryptoKey, ok := pubkey.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: cannot extract raw key", ErrInvalidKey)
	}
	edKey, ok := cryptoKey.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an ed25519 key", ErrInvalidKey)
	}
	return edKey, nil
}

// Fingerprint returns the lowercase hex SHA256 of the key's SSH wire encoding.
func Fingerprint(pub ed25519.PublicKey) string {
	sshKey, err := ssh.NewPublicKey(pub)
	if err != nil {
		return ""
	}
	hash := sha256.Sum256(sshKey.Marshal())
	return hex.EncodeToString(hash[:])
}
