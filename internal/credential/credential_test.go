package credential

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestBcryptRoundTrip(t *testing.T) {
	h := NewBcrypt(bcrypt.MinCost)
	digest, err := h.Hash("S3cretPassword")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if digest == "S3cretPassword" {
		t.Fatal("digest must not equal plaintext")
	}
	if err := h.Verify(digest, "S3cretPassword"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := h.Verify(digest, "wrong"); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := h.Verify("", "anything"); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("empty digest should mismatch, got %v", err)
	}
	if _, err := h.Hash(""); !errors.Is(err, ErrEmptyPassword) {
		t.Fatalf("expected ErrEmptyPassword, got %v", err)
	}
}

func TestHMACKeyHasherDeterministic(t *testing.T) {
	a, err := NewHMACKeyHasher("secret-a")
	if err != nil {
		t.Fatalf("NewHMACKeyHasher: %v", err)
	}
	b, _ := NewHMACKeyHasher("secret-b")

	key := KeyPrefix + strings.Repeat("ab", 32)
	if a.Hash(key) != a.Hash(key) {
		t.Fatal("digest must be deterministic")
	}
	if a.Hash(key) == b.Hash(key) {
		t.Fatal("digest must depend on the server secret")
	}
	if got := len(a.Hash(key)); got != 64 {
		t.Fatalf("digest length = %d, want 64", got)
	}
	if _, err := NewHMACKeyHasher(""); err == nil {
		t.Fatal("empty secret must be rejected")
	}
}

func TestGenerateAPIKey(t *testing.T) {
	h, _ := NewHMACKeyHasher("secret")
	key, err := GenerateAPIKey(h)
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	if err := ValidateKeyFormat(key.Plaintext); err != nil {
		t.Fatalf("generated key fails validation: %v", err)
	}
	if len(key.Plaintext) != len(KeyPrefix)+64 {
		t.Fatalf("unexpected key length %d", len(key.Plaintext))
	}
	if key.Prefix != key.Plaintext[:12] || !strings.HasPrefix(key.Prefix, KeyPrefix) {
		t.Fatalf("unexpected prefix %q", key.Prefix)
	}
	if key.Digest != h.Hash(key.Plaintext) {
		t.Fatal("digest mismatch")
	}
	other, _ := GenerateAPIKey(h)
	if other.Plaintext == key.Plaintext {
		t.Fatal("keys must be unique")
	}
}

func TestValidateKeyFormat(t *testing.T) {
	valid := KeyPrefix + strings.Repeat("0f", 32)
	cases := map[string]bool{
		valid:                                   true,
		"":                                      false,
		"ts_live_":                              false,
		"ts_test_" + strings.Repeat("0f", 32):   false,
		KeyPrefix + strings.Repeat("0F", 32):    false,
		KeyPrefix + strings.Repeat("0f", 31):    false,
		valid + "0":                             false,
		" " + valid:                             false,
		KeyPrefix + strings.Repeat("zz", 32):    false,
	}
	for in, ok := range cases {
		err := ValidateKeyFormat(in)
		if ok && err != nil {
			t.Fatalf("ValidateKeyFormat(%q) = %v", in, err)
		}
		if !ok && !errors.Is(err, ErrInvalidFormat) {
			t.Fatalf("ValidateKeyFormat(%q) = %v, want ErrInvalidFormat", in, err)
		}
	}
}
