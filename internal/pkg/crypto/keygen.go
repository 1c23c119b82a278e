// Package crypto provides API token generation and hashing for bastion.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
)

const (
	// TokenPrefix marks bastion API tokens so they are recognisable in logs and configs.
	TokenPrefix = "bst_"

	// TokenLength is the number of random characters after the prefix.
	TokenLength = 40

	// tokenChars contains characters used in tokens (alphanumeric).
	tokenChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// ErrMalformedToken indicates a token without the bastion prefix or of the wrong length.
var ErrMalformedToken = errors.New("malformed API token")

// GenerateToken generates a random API token.
// Format: "bst_" followed by 40 alphanumeric characters.
func GenerateToken() (string, error) {
	body, err := generateRandomString(TokenLength, tokenChars)
	if err != nil {
		return "", err
	}
	return TokenPrefix + body, nil
}

// ValidateTokenFormat checks the shape of a token without consulting any hash.
func ValidateTokenFormat(token string) error {
	body, ok := strings.CutPrefix(token, TokenPrefix)
	if !ok || len(body) != TokenLength {
		return ErrMalformedToken
	}
	for i := 0; i < len(body); i++ {
		if !strings.ContainsRune(tokenChars, rune(body[i])) {
			return ErrMalformedToken
		}
	}
	return nil
}

// generateRandomString generates a random string of the specified length
// using characters from the provided character set.
func generateRandomString(length int, charset string) (string, error) {
	result := make([]byte, length)
	charsetLen := len(charset)

	randomBytes := make([]byte, length)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	for i := 0; i < length; i++ {
		result[i] = charset[int(randomBytes[i])%charsetLen]
	}

	return string(result), nil
}
