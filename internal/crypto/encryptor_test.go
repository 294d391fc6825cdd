package crypto

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
)

func testEncryptor(t *testing.T) *Encryptor {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, keyLen)
	enc, err := newEncryptor(key)
	if err != nil {
		t.Fatalf("newEncryptor: %v", err)
	}
	return enc
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc := testEncryptor(t)
	plaintext := []byte("sk-test-secret")

	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: got %q, want %q", got, plaintext)
	}
}

func TestEncryptNonceFreshness(t *testing.T) {
	enc := testEncryptor(t)
	plaintext := []byte("sk-test-secret")

	first, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	second, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if first == second {
		t.Errorf("expected distinct ciphertexts for identical plaintext")
	}
}

func TestDecryptTruncatedPayloadFails(t *testing.T) {
	enc := testEncryptor(t)
	if _, err := enc.Decrypt("AAAA"); err == nil {
		t.Errorf("expected error decrypting truncated payload")
	}
}

func TestNewFromEnvEphemeralFallback(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	enc, err := NewFromEnv(logger, "")
	if err != nil {
		t.Fatalf("NewFromEnv: %v", err)
	}
	ciphertext, err := enc.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("got %q, want hello", got)
	}
}
