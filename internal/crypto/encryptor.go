// Package crypto provides AEAD encryption of provider secrets using a
// process-wide master key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
)

// MasterKeyEnv is the environment variable holding the base64-encoded
// 32-byte AES-256 master key.
const MasterKeyEnv = "MCP_ROUTER_MASTER_KEY"

const keyLen = 32 // AES-256
const nonceLen = 12

// Encryptor performs AES-256-GCM encryption of provider secrets. It is safe
// for concurrent use; a fresh nonce is generated per call.
type Encryptor struct {
	gcm cipher.AEAD
}

// NewFromEnv builds an Encryptor from MasterKeyEnv. If the variable is
// unset, an ephemeral key is generated and a warning logged: ciphertext
// encrypted this run will not decrypt after a restart.
func NewFromEnv(logger *slog.Logger, masterKey string) (*Encryptor, error) {
	var key []byte

	if masterKey != "" {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(masterKey))
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", MasterKeyEnv, err)
		}
		if len(decoded) != keyLen {
			return nil, fmt.Errorf("%s must decode to %d bytes, got %d", MasterKeyEnv, keyLen, len(decoded))
		}
		key = decoded
	} else {
		key = make([]byte, keyLen)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating ephemeral master key: %w", err)
		}
		logger.Warn(MasterKeyEnv + " is not set; generated ephemeral encryption key (secrets will not persist across restarts)")
	}

	return newEncryptor(key)
}

func newEncryptor(key []byte) (*Encryptor, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("constructing AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceLen)
	if err != nil {
		return nil, fmt.Errorf("constructing AES-GCM: %w", err)
	}
	return &Encryptor{gcm: gcm}, nil
}

// Encrypt returns base64(nonce‖ciphertext‖tag) for the given plaintext. A
// fresh random nonce is used on every call; no associated data is attached.
func (e *Encryptor) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := e.gcm.Seal(nil, nonce, plaintext, nil)
	payload := make([]byte, 0, nonceLen+len(sealed))
	payload = append(payload, nonce...)
	payload = append(payload, sealed...)
	return base64.StdEncoding.EncodeToString(payload), nil
}

// Decrypt reverses Encrypt. It rejects payloads shorter than
// nonce_len+tag_len and any ciphertext that fails the GCM tag check.
func (e *Encryptor) Decrypt(encoded string) ([]byte, error) {
	payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decoding base64 payload: %w", err)
	}
	minLen := nonceLen + e.gcm.Overhead()
	if len(payload) < minLen {
		return nil, fmt.Errorf("ciphertext too short: need at least %d bytes, got %d", minLen, len(payload))
	}
	nonce, data := payload[:nonceLen], payload[nonceLen:]
	plaintext, err := e.gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting payload: %w", err)
	}
	return plaintext, nil
}
