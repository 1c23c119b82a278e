package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/bcrypt"
)

// HashToken returns the bcrypt hash stored in configuration for token.
func HashToken(token string) (string, error) {
	if err := ValidateTokenFormat(token); err != nil {
		return "", err
	}
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(h), nil
}

// VerifyToken reports whether token matches the bcrypt hash.
func VerifyToken(hashed, token string) bool {
	if ValidateTokenFormat(token) != nil {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(token)) == nil
}

// HashWriter wraps an io.Writer and computes a SHA-256 of everything written.
type HashWriter struct {
	writer io.Writer
	sha256 hash.Hash
	size   int64
}

// NewHashWriter creates a new HashWriter.
func NewHashWriter(w io.Writer) *HashWriter {
	return &HashWriter{
		writer: w,
		sha256: sha256.New(),
	}
}

// Write implements io.Writer and updates the hash.
func (h *HashWriter) Write(p []byte) (int, error) {
	n, err := h.writer.Write(p)
	if n > 0 {
		h.sha256.Write(p[:n])
		h.size += int64(n)
	}
	return n, err
}

// SHA256 returns the hex-encoded SHA-256 hash of the bytes written so far.
func (h *HashWriter) SHA256() string {
	return hex.EncodeToString(h.sha256.Sum(nil))
}

// Size returns the total number of bytes written.
func (h *HashWriter) Size() int64 {
	return h.size
}

// ComputeSHA256 computes the SHA-256 hash of a byte slice.
func ComputeSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
