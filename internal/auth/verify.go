// ABOUTME: Ed25519 signature verification over the challenge nonce
// ABOUTME: Strict base64 decoding and length checks precede the single standard verify

package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrBadSignature is returned when a signature does not verify.
var ErrBadSignature = errors.New("signature verification failed")

var strictStd = base64.StdEncoding.Strict()

// VerifySignature checks that sigB64 is an Ed25519 signature of message by the
// key pubB64. Both values are standard padded base64.
func VerifySignature(pubB64, sigB64 string, message []byte) error {
	pub, err := strictStd.DecodeString(pubB64)
	if err != nil {
		return fmt.Errorf("decoding public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("public key is %d bytes, want %d", len(pub), ed25519.PublicKeySize)
	}

	sig, err := strictStd.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("decoding signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("signature is %d bytes, want %d", len(sig), ed25519.SignatureSize)
	}

	if !ed25519.Verify(ed25519.PublicKey(pub), message, sig) {
		return ErrBadSignature
	}
	return nil
}

// Sign returns the base64 signature of message, as a device would send it.
func Sign(priv ed25519.PrivateKey, message []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, message))
}
