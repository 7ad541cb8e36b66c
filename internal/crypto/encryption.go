package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/vdavid/mailsync/internal/models"
)

// Encryptor protects account secrets at rest with AES-GCM. The mode
// authenticates as well as encrypts, so a ciphertext tampered with in the
// database fails to decrypt instead of yielding garbage credentials.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor builds an Encryptor from a base64-encoded 256-bit key, as
// configured via MAILSYNC_ENCRYPTION_KEY.
func NewEncryptor(base64Key string) (*Encryptor, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (256 bits), got %d bytes", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// Encrypt seals the plaintext under a fresh random nonce. The nonce is
// prepended to the ciphertext, so the same plaintext never encrypts to the
// same bytes twice.
func (e *Encryptor) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt. It fails when the data is
// truncated, corrupted, or sealed under a different key.
func (e *Encryptor) Decrypt(ciphertext []byte) (string, error) {
	nonceSize := e.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// EncryptCredentials serializes and seals an account's IMAP/SMTP secrets for
// storage in the accounts table.
func (e *Encryptor) EncryptCredentials(creds models.Credentials) ([]byte, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize credentials: %w", err)
	}
	return e.Encrypt(string(plaintext))
}

// DecryptCredentials reverses EncryptCredentials.
func (e *Encryptor) DecryptCredentials(ciphertext []byte) (models.Credentials, error) {
	plaintext, err := e.Decrypt(ciphertext)
	if err != nil {
		return models.Credentials{}, fmt.Errorf("failed to decrypt credentials: %w", err)
	}
	var creds models.Credentials
	if err := json.Unmarshal([]byte(plaintext), &creds); err != nil {
		return models.Credentials{}, fmt.Errorf("failed to parse credentials: %w", err)
	}
	return creds, nil
}
