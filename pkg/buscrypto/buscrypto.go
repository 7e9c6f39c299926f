// Package buscrypto implements the message bus encryption scheme:
// ECDH over P-256 for key agreement, HKDF-SHA256 to derive a 32-byte
// AES key, and AES-256-GCM for authenticated encryption.
//
// Wire format: base64( nonce(12) || tag(16) || ciphertext ).
package buscrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	nonceSize = 12
	tagSize   = 16
	keySize   = 32
)

var (
	ErrCiphertextTooShort = errors.New("ciphertext shorter than nonce and tag")
	ErrDecryptFailed      = errors.New("decryption failed")
	ErrNoPeerKey          = errors.New("peer public key not available")
)

// hkdfInfo binds derived keys to this protocol so the same ECDH pair
// reused elsewhere yields unrelated key material.
var hkdfInfo = []byte("arbiter/bus/aes256gcm/v1")

// KeyPair holds one agent's ECDH identity. The private key never
// leaves the process.
type KeyPair struct {
	private *ecdh.PrivateKey
}

// GenerateKeyPair creates a fresh P-256 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keypair generation: %w", err)
	}
	return &KeyPair{private: priv}, nil
}

// PublicKey returns the uncompressed public point for registration
// with the channel registry.
func (k *KeyPair) PublicKey() []byte {
	return k.private.PublicKey().Bytes()
}

// SharedKey derives the 32-byte AES key shared with a peer from raw
// ECDH output via HKDF-SHA256. Both sides derive the same key from
// their own private key and the other's public key.
func (k *KeyPair) SharedKey(peerPublic []byte) ([]byte, error) {
	if len(peerPublic) == 0 {
		return nil, ErrNoPeerKey
	}
	peer, err := ecdh.P256().NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("parse peer public key: %w", err)
	}
	secret, err := k.private.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("ecdh agreement: %w", err)
	}
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext under the shared key with a fresh random
// nonce and returns the base64 wire form.
func Seal(key, plaintext []byte) (string, error) {
	aead, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce generation: %w", err)
	}
	// gcm.Seal appends the tag after the ciphertext; the wire format
	// puts the tag first, so split and reorder.
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	wire := make([]byte, 0, nonceSize+tagSize+len(ct))
	wire = append(wire, nonce...)
	wire = append(wire, tag...)
	wire = append(wire, ct...)
	return base64.StdEncoding.EncodeToString(wire), nil
}

// Open decrypts the base64 wire form. Any tampering with nonce, tag,
// or ciphertext yields ErrDecryptFailed, never a corrupt payload.
func Open(key []byte, encoded string) ([]byte, error) {
	wire, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	if len(wire) < nonceSize+tagSize {
		return nil, ErrCiphertextTooShort
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := wire[:nonceSize]
	tag := wire[nonceSize : nonceSize+tagSize]
	ct := wire[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm mode: %w", err)
	}
	return aead, nil
}
