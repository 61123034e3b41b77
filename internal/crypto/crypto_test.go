// Package crypto tests for encryption and key derivation functionality.
package crypto

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := DeriveKey([]byte("device-secret"), []byte("dev-1"))
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	return key
}

// TestEncryptDecrypt_roundtrip verifies basic encryption and decryption.
func TestEncryptDecrypt_roundtrip(t *testing.T) {
	plaintext := []byte("refresh-token-value")
	key := testKey(t)

	ciphertext, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if ciphertext == "" {
		t.Error("Encrypt() returned empty string")
	}

	decrypted, err := Decrypt(ciphertext, key)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(decrypted) != string(plaintext) {
		t.Errorf("Decrypt() = %q, want %q", string(decrypted), string(plaintext))
	}
}

// TestEncrypt_sameKeyDifferentNonce verifies each encryption produces unique ciphertext.
func TestEncrypt_sameKeyDifferentNonce(t *testing.T) {
	key := testKey(t)
	c1, err := Encrypt([]byte("x"), key)
	if err != nil {
		t.Fatalf("Encrypt() first error = %v", err)
	}
	c2, err := Encrypt([]byte("x"), key)
	if err != nil {
		t.Fatalf("Encrypt() second error = %v", err)
	}
	if c1 == c2 {
		t.Error("Encrypt() twice with same key produced same ciphertext")
	}
}

func TestDecrypt_wrongKey(t *testing.T) {
	ciphertext, err := Encrypt([]byte("secret"), testKey(t))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	other, _ := DeriveKey([]byte("device-secret"), []byte("dev-2"))
	if _, err := Decrypt(ciphertext, other); err != ErrInvalidCiphertext {
		t.Errorf("Decrypt() error = %v, want ErrInvalidCiphertext", err)
	}
}

func TestDecrypt_invalidInput(t *testing.T) {
	key := testKey(t)
	tests := []struct {
		name  string
		input string
	}{
		{"not base64", "!!!not-base64!!!"},
		{"too short", "YWJj"},
		{"tampered", strings.Repeat("A", 40)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decrypt(tt.input, key); err != ErrInvalidCiphertext {
				t.Errorf("Decrypt(%q) error = %v, want ErrInvalidCiphertext", tt.input, err)
			}
		})
	}
}

func TestEncrypt_badKeyLength(t *testing.T) {
	if _, err := Encrypt([]byte("x"), []byte("short")); err != ErrInvalidKey {
		t.Errorf("Encrypt() error = %v, want ErrInvalidKey", err)
	}
}

// TestDeriveKey verifies derivation is deterministic and salt-bound.
func TestDeriveKey(t *testing.T) {
	a1, _ := DeriveKey([]byte("s"), []byte("dev-1"))
	a2, _ := DeriveKey([]byte("s"), []byte("dev-1"))
	b, _ := DeriveKey([]byte("s"), []byte("dev-2"))

	if len(a1) != 32 {
		t.Fatalf("DeriveKey() length = %d, want 32", len(a1))
	}
	if !bytes.Equal(a1, a2) {
		t.Error("DeriveKey() is not deterministic")
	}
	if bytes.Equal(a1, b) {
		t.Error("DeriveKey() ignored the salt")
	}
	if _, err := DeriveKey(nil, []byte("dev-1")); err != ErrInvalidKey {
		t.Errorf("DeriveKey(nil) error = %v, want ErrInvalidKey", err)
	}
}

func TestSealer(t *testing.T) {
	s, err := NewSealer([]byte("device-secret"), "dev-1")
	if err != nil {
		t.Fatalf("NewSealer() error = %v", err)
	}

	sealed, err := s.Seal("r-token")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if sealed == "r-token" {
		t.Error("Seal() returned plaintext")
	}
	plain, err := s.Open(sealed)
	if err != nil || plain != "r-token" {
		t.Errorf("Open() = %q, %v", plain, err)
	}

	empty, _ := s.Seal("")
	if empty != "" {
		t.Errorf("Seal(\"\") = %q, want empty", empty)
	}
}

func TestLoadOrCreateSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.key")

	first, err := LoadOrCreateSecret(path)
	if err != nil {
		t.Fatalf("LoadOrCreateSecret() error = %v", err)
	}
	if len(first) != 32 {
		t.Fatalf("secret length = %d, want 32", len(first))
	}
	second, err := LoadOrCreateSecret(path)
	if err != nil {
		t.Fatalf("LoadOrCreateSecret() reload error = %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("LoadOrCreateSecret() did not reuse the stored secret")
	}
}
