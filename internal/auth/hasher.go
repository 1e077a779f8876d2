// Package auth provides password processing for stored credential records.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// ErrEmptyPassword is returned when hashing an empty password
var ErrEmptyPassword = errors.New("password cannot be empty")

// Default argon2id parameters
const (
	DefaultTime    uint32 = 1
	DefaultMemory  uint32 = 64 * 1024
	DefaultThreads uint8  = 4
	DefaultKeyLen  uint32 = 32
	DefaultSaltLen        = 16
)

// Hasher derives password hashes with argon2id. Hashes and salts are
// base64 (standard, padded) encoded.
type Hasher struct {
	time    uint32
	memory  uint32
	threads uint8
	keyLen  uint32
	saltLen int
}

// HasherOption configures a Hasher
type HasherOption func(*Hasher)

// WithParams overrides the argon2id cost parameters
func WithParams(time, memory uint32, threads uint8) HasherOption {
	return func(h *Hasher) {
		h.time = time
		h.memory = memory
		h.threads = threads
	}
}

// NewHasher creates a Hasher with the default parameters
func NewHasher(opts ...HasherOption) *Hasher {
	h := &Hasher{
		time:    DefaultTime,
		memory:  DefaultMemory,
		threads: DefaultThreads,
		keyLen:  DefaultKeyLen,
		saltLen: DefaultSaltLen,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Hash derives a hash for password using a fresh random salt
func (h *Hasher) Hash(password string) (hash, salt string, err error) {
	if password == "" {
		return "", "", ErrEmptyPassword
	}
	rawSalt := make([]byte, h.saltLen)
	if _, err := rand.Read(rawSalt); err != nil {
		return "", "", fmt.Errorf("failed to generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), rawSalt, h.time, h.memory, h.threads, h.keyLen)
	return base64.StdEncoding.EncodeToString(key), base64.StdEncoding.EncodeToString(rawSalt), nil
}

// Verify reports whether password matches hash and salt
func (h *Hasher) Verify(password, hash, salt string) bool {
	rawSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return false
	}
	expected, err := base64.StdEncoding.DecodeString(hash)
	if err != nil || len(expected) == 0 {
		return false
	}
	key := argon2.IDKey([]byte(password), rawSalt, h.time, h.memory, h.threads, uint32(len(expected)))
	return subtle.ConstantTimeCompare(key, expected) == 1
}
