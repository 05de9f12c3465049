// Package keys wraps the signing and encryption primitives used for
// certificates and manifests: ed25519 signatures and XChaCha20-Poly1305
// authenticated encryption.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrBadSignature is returned when a signed payload fails verification.
var ErrBadSignature = errors.New("signature verification failed")

// ErrDecryption is returned when an AEAD open fails or the ciphertext is
// malformed.
var ErrDecryption = errors.New("decryption failed")

// SigningKey is an ed25519 private key.
type SigningKey struct {
	priv ed25519.PrivateKey
}

// VerifyKey is an ed25519 public key.
type VerifyKey struct {
	pub ed25519.PublicKey
}

// NewSigningKey generates a fresh signing key.
func NewSigningKey() (SigningKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKey{}, fmt.Errorf("generate signing key: %w", err)
	}
	return SigningKey{priv: priv}, nil
}

// VerifyKey returns the public half of the signing key.
func (k SigningKey) VerifyKey() VerifyKey {
	return VerifyKey{pub: k.priv.Public().(ed25519.PublicKey)}
}

// Sign produces signature||payload so the payload travels with its proof.
func (k SigningKey) Sign(payload []byte) []byte {
	sig := ed25519.Sign(k.priv, payload)
	out := make([]byte, 0, len(sig)+len(payload))
	out = append(out, sig...)
	return append(out, payload...)
}

// Bytes returns the raw private key material.
func (k SigningKey) Bytes() []byte { return []byte(k.priv) }

// SigningKeyFromBytes rebuilds a signing key from raw material.
func SigningKeyFromBytes(b []byte) (SigningKey, error) {
	if len(b) != ed25519.PrivateKeySize {
		return SigningKey{}, fmt.Errorf("invalid signing key size %d", len(b))
	}
	return SigningKey{priv: ed25519.PrivateKey(b)}, nil
}

// Verify checks signature||payload and returns the payload.
func (k VerifyKey) Verify(signed []byte) ([]byte, error) {
	if len(signed) < ed25519.SignatureSize {
		return nil, ErrBadSignature
	}
	sig, payload := signed[:ed25519.SignatureSize], signed[ed25519.SignatureSize:]
	if !ed25519.Verify(k.pub, payload, sig) {
		return nil, ErrBadSignature
	}
	return payload, nil
}

// Bytes returns the raw public key material.
func (k VerifyKey) Bytes() []byte { return []byte(k.pub) }

// VerifyKeyFromBytes rebuilds a verify key from raw material.
func VerifyKeyFromBytes(b []byte) (VerifyKey, error) {
	if len(b) != ed25519.PublicKeySize {
		return VerifyKey{}, fmt.Errorf("invalid verify key size %d", len(b))
	}
	return VerifyKey{pub: ed25519.PublicKey(b)}, nil
}

// UnsecureUnwrap strips the signature without verifying it. Only meant for
// payloads whose signature has already been checked (e.g. certificates read
// back from local storage).
func UnsecureUnwrap(signed []byte) ([]byte, error) {
	if len(signed) < ed25519.SignatureSize {
		return nil, ErrBadSignature
	}
	return signed[ed25519.SignatureSize:], nil
}

// SecretKey is a 32-byte XChaCha20-Poly1305 key. Ciphertexts carry their
// nonce as a prefix.
type SecretKey struct {
	raw []byte
}

// NewSecretKey generates a fresh symmetric key.
func NewSecretKey() (SecretKey, error) {
	raw := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(raw); err != nil {
		return SecretKey{}, fmt.Errorf("generate secret key: %w", err)
	}
	return SecretKey{raw: raw}, nil
}

// SecretKeyFromBytes rebuilds a secret key from raw material.
func SecretKeyFromBytes(b []byte) (SecretKey, error) {
	if len(b) != chacha20poly1305.KeySize {
		return SecretKey{}, fmt.Errorf("invalid secret key size %d", len(b))
	}
	return SecretKey{raw: b}, nil
}

// Bytes returns the raw key material.
func (k SecretKey) Bytes() []byte { return k.raw }

// Valid reports whether the key holds usable material.
func (k SecretKey) Valid() bool { return len(k.raw) == chacha20poly1305.KeySize }

// Encrypt seals cleartext, prepending a random nonce.
func (k SecretKey) Encrypt(cleartext []byte) []byte {
	aead, err := chacha20poly1305.NewX(k.raw)
	if err != nil {
		// Key size is enforced at construction time.
		panic(err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		panic(err)
	}
	return aead.Seal(nonce, nonce, cleartext, nil)
}

// Decrypt opens a nonce-prefixed ciphertext.
func (k SecretKey) Decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k.raw)
	if err != nil {
		return nil, ErrDecryption
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrDecryption
	}
	nonce, ct := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	cleartext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return cleartext, nil
}
