// Package vault encrypts facilitator signing keys at rest.
//
// Keys are sealed with XChaCha20-Poly1305 under a key derived from the
// operator's master key with HKDF-SHA256. Ciphertexts are self-describing
// strings of the form "v1.<base64url(nonce || sealed)>".
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
)

const (
	// MinMasterKeyLen is the minimum decoded master key length in bytes.
	MinMasterKeyLen = 32

	// DefaultMasterKeyEnv names the environment variable holding the master key.
	DefaultMasterKeyEnv = "FACILITATOR_MASTER_KEY"

	ciphertextPrefix = "v1."
	kdfInfo          = "x402-facilitator-vault/v1"
	sealAAD          = "x402-facilitator-key"
)

// Error codes carried by crypto errors
const (
	CodeMasterKeyMissing    = "master_key_missing"
	CodeMasterKeyMalformed  = "master_key_malformed"
	CodeMalformedCiphertext = "malformed_ciphertext"
	CodeAuthenticationFail  = "authentication_failed"
	CodeEncryptionFailed    = "encryption_failed"
)

// MasterKey holds the operator's master secret. It never prints its contents.
type MasterKey struct {
	b []byte
}

// ParseMasterKey decodes a hex (optionally 0x-prefixed) or base64 master key.
func ParseMasterKey(encoded string) (*MasterKey, error) {
	s := strings.TrimSpace(encoded)
	if s == "" {
		return nil, x402.NewCryptoError(CodeMasterKeyMissing, "master key is not configured", nil)
	}

	var raw []byte
	if h := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"); len(h)%2 == 0 && isHex(h) {
		raw, _ = hex.DecodeString(h)
	} else if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		raw = b
	} else if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		raw = b
	} else {
		return nil, x402.NewCryptoError(CodeMasterKeyMalformed, "master key must be hex or base64", nil)
	}

	if len(raw) < MinMasterKeyLen {
		Wipe(raw)
		return nil, x402.NewCryptoError(CodeMasterKeyMalformed, fmt.Sprintf("master key must be at least %d bytes", MinMasterKeyLen), nil)
	}
	return &MasterKey{b: raw}, nil
}

// MasterKeyFromEnv reads the master key from the named environment variable.
func MasterKeyFromEnv(name string) (*MasterKey, error) {
	if name == "" {
		name = DefaultMasterKeyEnv
	}
	return ParseMasterKey(os.Getenv(name))
}

func (k *MasterKey) String() string   { return "MasterKey(redacted)" }
func (k *MasterKey) GoString() string { return k.String() }

func (k *MasterKey) MarshalText() ([]byte, error) {
	return []byte("redacted"), nil
}

// Destroy zeroes the key material. The handle is unusable afterwards.
func (k *MasterKey) Destroy() {
	if k == nil {
		return
	}
	Wipe(k.b)
	k.b = nil
}

// Vault seals and opens facilitator keys under one master key.
type Vault struct {
	aead cipher.AEAD
}

// New derives the AEAD key from master.
func New(master *MasterKey) (*Vault, error) {
	if master == nil || len(master.b) == 0 {
		return nil, x402.NewCryptoError(CodeMasterKeyMissing, "master key is not configured", nil)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	defer Wipe(key)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master.b, nil, []byte(kdfInfo)), key); err != nil {
		return nil, x402.NewCryptoError(CodeMasterKeyMalformed, "key derivation failed", nil)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, x402.NewCryptoError(CodeMasterKeyMalformed, "cipher setup failed", nil)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext. The caller keeps ownership of plaintext.
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(plaintext)+v.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", x402.NewCryptoError(CodeEncryptionFailed, "nonce generation failed", nil)
	}
	sealed := v.aead.Seal(nonce, nonce, plaintext, []byte(sealAAD))
	return ciphertextPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Callers should Wipe the
// result when done, or use WithDecrypted.
func (v *Vault) Decrypt(ciphertext string) ([]byte, error) {
	if !strings.HasPrefix(ciphertext, ciphertextPrefix) {
		return nil, x402.NewCryptoError(CodeMalformedCiphertext, "unrecognized ciphertext format", nil)
	}
	sealed, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(ciphertext, ciphertextPrefix))
	if err != nil {
		return nil, x402.NewCryptoError(CodeMalformedCiphertext, "ciphertext is not valid base64url", nil)
	}
	ns := v.aead.NonceSize()
	if len(sealed) < ns+v.aead.Overhead() {
		return nil, x402.NewCryptoError(CodeMalformedCiphertext, "ciphertext is truncated", nil)
	}
	plaintext, err := v.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(sealAAD))
	if err != nil {
		return nil, x402.NewCryptoError(CodeAuthenticationFail, "ciphertext failed authentication", nil)
	}
	return plaintext, nil
}

// WithDecrypted exposes the plaintext to fn only and zeroes it afterwards.
func (v *Vault) WithDecrypted(ciphertext string, fn func(plaintext []byte) error) error {
	plaintext, err := v.Decrypt(ciphertext)
	if err != nil {
		return err
	}
	defer Wipe(plaintext)
	return fn(plaintext)
}

// Encrypt seals plaintext under master.
func Encrypt(plaintext []byte, master *MasterKey) (string, error) {
	v, err := New(master)
	if err != nil {
		return "", err
	}
	return v.Encrypt(plaintext)
}

// Decrypt opens ciphertext under master.
func Decrypt(ciphertext string, master *MasterKey) ([]byte, error) {
	v, err := New(master)
	if err != nil {
		return nil, err
	}
	return v.Decrypt(ciphertext)
}

// IsAuthenticationFailure reports whether err is a failed open (tampering or wrong key).
func IsAuthenticationFailure(err error) bool {
	var e *x402.Error
	return errors.As(err, &e) && e.Kind == x402.KindCrypto && e.Code == CodeAuthenticationFail
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return true
}
