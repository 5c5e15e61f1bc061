package crypto

import (
	"strings"
	"testing"
)

func TestEncryptor_RoundTrip(t *testing.T) {
	enc, err := NewEncryptor("test-passphrase")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	plaintext := "AIzaSyA-upstream-key-material"
	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if ciphertext == plaintext {
		t.Error("ciphertext should differ from plaintext")
	}

	decrypted, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if decrypted != plaintext {
		t.Errorf("decrypted = %q, want %q", decrypted, plaintext)
	}
}

func TestEncryptor_UniqueNonce(t *testing.T) {
	enc, _ := NewEncryptor("test-passphrase")

	c1, _ := enc.Encrypt("same input")
	c2, _ := enc.Encrypt("same input")

	if c1 == c2 {
		t.Error("two encryptions of the same input should not match")
	}
}

func TestEncryptor_WrongKey(t *testing.T) {
	enc1, _ := NewEncryptor("key-one")
	enc2, _ := NewEncryptor("key-two")

	ciphertext, _ := enc1.Encrypt("secret")
	if _, err := enc2.Decrypt(ciphertext); err == nil {
		t.Error("decrypting with the wrong key should fail")
	}
}

func TestEncryptor_InvalidCiphertext(t *testing.T) {
	enc, _ := NewEncryptor("test-passphrase")

	if _, err := enc.Decrypt("dG9vc2hvcnQ="); err == nil {
		t.Error("short ciphertext should fail")
	}
	if _, err := enc.Decrypt("not base64!!!"); err == nil {
		t.Error("invalid base64 should fail")
	}
}

func TestHashAPIKey(t *testing.T) {
	h1 := HashAPIKey("kf-abc")
	h2 := HashAPIKey("kf-abc")
	h3 := HashAPIKey("kf-def")

	if h1 != h2 {
		t.Error("hash should be deterministic")
	}
	if h1 == h3 {
		t.Error("different keys should hash differently")
	}
	if len(h1) != 64 || strings.ToLower(h1) != h1 {
		t.Errorf("hash should be lowercase hex sha256, got %q", h1)
	}
}
