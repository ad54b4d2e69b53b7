package credential

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
)

const (
	// KeyPrefix marks every API key issued by the platform.
	KeyPrefix = "ts_live_"
	// DisplayPrefixLen is how much of the plaintext is kept for identification in listings.
	DisplayPrefixLen = 12

	keyEntropyBytes = 32
)

var keyPattern = regexp.MustCompile(`^ts_live_[0-9a-f]{64}$`)

// KeyHasher maps an API key to the deterministic digest stored at rest.
type KeyHasher interface {
	Hash(key string) string
}

// HMACKeyHasher digests keys with HMAC-SHA256 keyed by the server API-key secret.
type HMACKeyHasher struct {
	secret []byte
}

func NewHMACKeyHasher(secret string) (*HMACKeyHasher, error) {
	if secret == "" {
		return nil, errors.New("credential: api key secret is required")
	}
	return &HMACKeyHasher{secret: []byte(secret)}, nil
}

// Hash returns 64 lowercase hex characters.
func (h *HMACKeyHasher) Hash(key string) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// IssuedKey is a freshly generated key. Plaintext is shown to the caller once and never stored.
type IssuedKey struct {
	Plaintext string
	Digest    string
	Prefix    string
}

// GenerateAPIKey creates a new random key and its digest.
func GenerateAPIKey(h KeyHasher) (IssuedKey, error) {
	buf := make([]byte, keyEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return IssuedKey{}, fmt.Errorf("credential: read entropy: %w", err)
	}
	plaintext := KeyPrefix + hex.EncodeToString(buf)
	if err := ValidateKeyFormat(plaintext); err != nil {
		return IssuedKey{}, err
	}
	return IssuedKey{
		Plaintext: plaintext,
		Digest:    h.Hash(plaintext),
		Prefix:    plaintext[:DisplayPrefixLen],
	}, nil
}

// ValidateKeyFormat is the shape check applied both when issuing and when authenticating.
func ValidateKeyFormat(key string) error {
	if !keyPattern.MatchString(key) {
		return ErrInvalidFormat
	}
	return nil
}
