// Package beckncrypto implements the cryptographic primitives the Beckn
// wire protocol builds on: Ed25519 request signing, a canonical-JSON body
// digest, and X25519 ECIES for the registry's subscription challenge.
package beckncrypto

import (
	"crypto/ed25519"
	"encoding/base64"
)

// Sign returns the base64-encoded Ed25519 signature over message.
func Sign(message []byte, privKey ed25519.PrivateKey) string {
	sig := ed25519.Sign(privKey, message)
	return base64.StdEncoding.EncodeToString(sig)
}

// Verify reports whether sigB64 is a valid Ed25519 signature over message
// under pubKeyB64. Any decode failure is treated as an invalid signature —
// it never propagates an error to the caller, matching the teacher's
// Recover() contract of collapsing decode failures into a single outcome.
func Verify(message []byte, sigB64, pubKeyB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	pub, err := base64.StdEncoding.DecodeString(pubKeyB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}

// GenerateSigningKeyPair creates a new Ed25519 key pair for subscriber
// onboarding or test fixtures.
func GenerateSigningKeyPair() (pubB64, privB64 string, err error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(pub), base64.StdEncoding.EncodeToString(priv), nil
}

// DecodePrivateKey parses a base64 Ed25519 private key.
func DecodePrivateKey(b64 string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	return ed25519.PrivateKey(raw), nil
}
