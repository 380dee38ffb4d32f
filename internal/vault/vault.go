// Package vault provides authenticated symmetric encryption of secret
// material with key-version tagging: each secret is sealed with
// AES-256-GCM directly under the active version of the master key. The
// optional KMSBackend instead seals each secret under a fresh data key
// that KMS wraps.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/aionixone/openact/internal/openacterr"
)

const (
	keySize   = 32 // AES-256
	nonceSize = 12 // GCM standard nonce size
)

// Sealed is the (ciphertext, nonce, key_version) triple persisted alongside
// an encrypted field.
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
	KeyVersion uint32
}

// Vault is the Crypto Vault component. It owns a key-version registry so
// that rotation never invalidates previously encrypted records: old
// versions remain decryptable, only the active version is used to encrypt.
type Vault struct {
	mu      sync.RWMutex
	keys    map[uint32][]byte
	active  uint32
	kmsBack Backend // optional KMS envelope backend, nil unless configured
}

// Backend is the optional pluggable production-grade backend (KMS-envelope)
// layered over the required local master-key baseline. When non-nil, the
// Vault still keeps its local registry for decrypting legacy ciphertexts
// produced before a cutover, but new encryptions route through Backend.
type Backend interface {
	Encrypt(plaintext, aad []byte) (Sealed, error)
	Decrypt(sealed Sealed, aad []byte) ([]byte, error)
}

// New constructs a Vault whose active key is masterKey (32 raw bytes,
// version 1). A missing or wrong-length key refuses initialization.
func New(masterKey []byte) (*Vault, error) {
	const op = "vault.New"
	if len(masterKey) != keySize {
		return nil, openacterr.New(openacterr.KindCrypto, op, fmt.Sprintf("master key must be %d bytes, got %d", keySize, len(masterKey)))
	}
	key := make([]byte, keySize)
	copy(key, masterKey)
	return &Vault{
		keys:   map[uint32][]byte{1: key},
		active: 1,
	}, nil
}

// NewFromHex decodes a 64-hex-char external key representation (the
// wire/env-var form of a 32-byte master key) and constructs a Vault.
func NewFromHex(hexKey string) (*Vault, error) {
	const op = "vault.NewFromHex"
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindCrypto, op, "master key is not valid hex", err)
	}
	return New(raw)
}

// UseKMS attaches an optional KMS-envelope backend; subsequent Encrypt
// calls route through it while Decrypt still consults the local registry
// first by key_version so historical ciphertexts remain readable.
func (v *Vault) UseKMS(b Backend) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.kmsBack = b
}

// Rotate adds a new key version and makes it active for future encryptions.
// Previously encrypted records keep their original key_version and remain
// decryptable; re-encrypting them to the new version is a background
// concern, not performed here.
func (v *Vault) Rotate(version uint32, key []byte) error {
	const op = "vault.Rotate"
	if len(key) != keySize {
		return openacterr.New(openacterr.KindCrypto, op, fmt.Sprintf("rotated key must be %d bytes, got %d", keySize, len(key)))
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	k := make([]byte, keySize)
	copy(k, key)
	v.keys[version] = k
	v.active = version
	return nil
}

// Encrypt seals plaintext under the active key version. aad (typically the
// owning record's TRN, as bytes) is bound into the AEAD tag so a ciphertext
// cannot be replayed under a different TRN.
func (v *Vault) Encrypt(plaintext, aad []byte) (Sealed, error) {
	const op = "vault.Encrypt"

	v.mu.RLock()
	backend := v.kmsBack
	v.mu.RUnlock()
	if backend != nil {
		return backend.Encrypt(plaintext, aad)
	}

	v.mu.RLock()
	version := v.active
	key := v.keys[version]
	v.mu.RUnlock()

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, openacterr.Wrap(openacterr.KindCrypto, op, "failed to generate nonce", err)
	}

	ciphertext, err := sealAESGCM(key, nonce, plaintext, aad)
	if err != nil {
		return Sealed{}, openacterr.Wrap(openacterr.KindCrypto, op, "encryption failed", err)
	}

	return Sealed{Ciphertext: ciphertext, Nonce: nonce, KeyVersion: version}, nil
}

// Decrypt opens a Sealed value, failing with KindCrypto on tag mismatch or
// unknown key version. aad must match exactly what Encrypt was called with.
func (v *Vault) Decrypt(sealed Sealed, aad []byte) ([]byte, error) {
	const op = "vault.Decrypt"

	v.mu.RLock()
	backend := v.kmsBack
	key, ok := v.keys[sealed.KeyVersion]
	v.mu.RUnlock()

	if !ok {
		if backend != nil {
			return backend.Decrypt(sealed, aad)
		}
		return nil, openacterr.New(openacterr.KindCrypto, op, "unknown key version").WithDetails(map[string]any{"key_version": sealed.KeyVersion})
	}

	plaintext, err := openAESGCM(key, sealed.Nonce, sealed.Ciphertext, aad)
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindCrypto, op, "decryption failed (bad ciphertext, nonce, or aad)", err)
	}
	return plaintext, nil
}

func sealAESGCM(key, nonce, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, aad), nil
}

func openAESGCM(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, aad)
}
