package beckncrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"
)

func newSHA256() hash.Hash { return sha256.New() }

const (
	gcmNonceSize = 12
	gcmTagSize   = 16
	x25519Size   = 32
)

// GenerateEncryptionKeyPair creates a new X25519 key pair for the registry
// challenge exchange (spec.md §4.4 /subscribe).
func GenerateEncryptionKeyPair() (pubB64, privB64 string, err error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(priv.PublicKey().Bytes()),
		base64.StdEncoding.EncodeToString(priv.Bytes()), nil
}

// Encrypt performs X25519 ECIES: a random ephemeral key pair is generated,
// a shared secret is derived against recipientPublicKeyB64, an AES-256-GCM
// key is derived from that secret via HKDF, and plain is sealed. The
// returned bytes (base64) are laid out as
// ephemeral_pub(32) || iv(12) || authTag(16) || ciphertext(n), per spec.md §4.1.
func Encrypt(plain []byte, recipientPublicKeyB64 string) (string, error) {
	recipPubRaw, err := base64.StdEncoding.DecodeString(recipientPublicKeyB64)
	if err != nil {
		return "", errors.New("beckncrypto: invalid recipient public key encoding")
	}
	curve := ecdh.X25519()
	recipPub, err := curve.NewPublicKey(recipPubRaw)
	if err != nil {
		return "", errors.New("beckncrypto: invalid recipient public key")
	}

	ephPriv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return "", err
	}
	shared, err := ephPriv.ECDH(recipPub)
	if err != nil {
		return "", err
	}

	gcm, err := newGCM(shared, ephPriv.PublicKey().Bytes())
	if err != nil {
		return "", err
	}

	iv := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, iv, plain, nil) // ciphertext || tag
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	out := make([]byte, 0, x25519Size+gcmNonceSize+gcmTagSize+len(ciphertext))
	out = append(out, ephPriv.PublicKey().Bytes()...)
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ciphertext...)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt given the recipient's X25519 private key. It
// fails (without panicking) on truncated input, a corrupt key, or a tamper
// detected by the GCM auth tag.
func Decrypt(b64 string, recipientPrivateKeyB64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, errors.New("beckncrypto: invalid ciphertext encoding")
	}
	if len(raw) < x25519Size+gcmNonceSize+gcmTagSize {
		return nil, errors.New("beckncrypto: ciphertext too short")
	}

	ephPubRaw := raw[:x25519Size]
	iv := raw[x25519Size : x25519Size+gcmNonceSize]
	tag := raw[x25519Size+gcmNonceSize : x25519Size+gcmNonceSize+gcmTagSize]
	ciphertext := raw[x25519Size+gcmNonceSize+gcmTagSize:]

	privRaw, err := base64.StdEncoding.DecodeString(recipientPrivateKeyB64)
	if err != nil {
		return nil, errors.New("beckncrypto: invalid private key encoding")
	}
	curve := ecdh.X25519()
	priv, err := curve.NewPrivateKey(privRaw)
	if err != nil {
		return nil, errors.New("beckncrypto: invalid private key")
	}
	ephPub, err := curve.NewPublicKey(ephPubRaw)
	if err != nil {
		return nil, errors.New("beckncrypto: invalid ephemeral public key")
	}

	shared, err := priv.ECDH(ephPub)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(shared, ephPubRaw)
	if err != nil {
		return nil, err
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plain, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, errors.New("beckncrypto: decryption failed (tamper or wrong key)")
	}
	return plain, nil
}

// newGCM derives an AES-256-GCM cipher from a raw X25519 shared secret via
// HKDF-SHA256, salted with the ephemeral public key so each exchange derives
// an independent key even when the same static recipient key is reused.
func newGCM(sharedSecret, salt []byte) (cipher.AEAD, error) {
	kdf := hkdf.New(newSHA256, sharedSecret, salt, []byte("beckn-ecies-aes256gcm"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
