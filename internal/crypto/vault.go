// Package crypto implements Datify's secrets-at-rest vault: AES-256-GCM
// authenticated encryption with an HKDF-derived key, wrapped in a
// self-describing versioned blob so a tampered or truncated ciphertext is
// rejected rather than silently producing garbage plaintext.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/datify-sh/datify/internal/apperr"
)

// blobVersion1 is the only blob format so far: 1 byte version, 12 byte
// nonce, then GCM-sealed ciphertext (with the 16 byte tag appended).
const blobVersion1 byte = 1

const keyLen = 32  // AES-256
const nonceLen = 12 // GCM standard nonce size

// Vault encrypts and decrypts secret material (database passwords) using a
// key derived from a single master key. Master key rotation is supported by
// constructing a new Vault and re-encrypting stored blobs; a Vault itself is
// single-key.
type Vault struct {
	key []byte
}

// NewVault derives a 32-byte AES key from masterKey via HKDF-SHA256, salted
// with a fixed domain-separation string so the same master key used
// elsewhere in the system does not collide with vault key material.
func NewVault(masterKey string) (*Vault, error) {
	if masterKey == "" {
		return nil, apperr.New(apperr.CodeCryptoKeyMissing, "encryption key is not configured")
	}
	h := hkdf.New(sha256.New, []byte(masterKey), []byte("datify-vault-v1"), []byte("database-secret"))
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, apperr.Wrap(apperr.CodeCryptoKeyMissing, "derive vault key", err)
	}
	return &Vault{key: key}, nil
}

// Encrypt seals plaintext into a versioned, base64-encoded blob safe to
// store as a string column.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeOther, "init cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeOther, "init gcm", err)
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", apperr.Wrap(apperr.CodeOther, "read nonce", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	blob := make([]byte, 0, 1+nonceLen+len(sealed))
	blob = append(blob, blobVersion1)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a blob produced by Encrypt. A corrupted or tampered blob
// returns CryptoTampered; an empty key returns CryptoKeyMissing via NewVault
// (Decrypt itself assumes the Vault was constructed successfully).
func (v *Vault) Decrypt(encoded string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeCryptoTampered, "decode blob", err)
	}
	if len(blob) < 1+nonceLen {
		return "", apperr.New(apperr.CodeCryptoTampered, "blob too short")
	}
	if blob[0] != blobVersion1 {
		return "", apperr.Newf(apperr.CodeCryptoTampered, "unsupported blob version %d", blob[0])
	}

	nonce := blob[1 : 1+nonceLen]
	ciphertext := blob[1+nonceLen:]

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeOther, "init cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeOther, "init gcm", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeCryptoTampered, "authentication failed", err)
	}
	return string(plaintext), nil
}

// GeneratePassword returns a random URL-safe password suitable for a newly
// provisioned database instance.
func GeneratePassword(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", apperr.Wrap(apperr.CodeOther, "generate password", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// blobHeaderSize returns the fixed prefix length (version + nonce) before
// ciphertext begins.
func blobHeaderSize() int { return 1 + nonceLen }
