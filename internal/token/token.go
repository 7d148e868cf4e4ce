// Package token generates, hashes, and issues gateway tokens.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/lexilearn/token-gateway/internal/storage"
)

// Secret format: a kind prefix followed by a fixed-length random body.
// The prefix lets the gateway dispatch to the correct variant without a
// store lookup; it is a parsing optimization, not a security boundary.
const (
	// PrefixMobile starts every mobile-app token secret.
	PrefixMobile = "mob_"
	// PrefixAPI starts every API-client token secret.
	PrefixAPI = "api_"

	// SecretBodyLength is the number of random characters after the prefix.
	SecretBodyLength = 60
)

// secretAlphabet is the character set for secret bodies.
const secretAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ErrEntropy indicates the system entropy source failed during secret
// generation. Not retryable within the call; callers may retry the call.
var ErrEntropy = errors.New("token: entropy source failure")

// ErrUnknownKind indicates an unrecognized token kind or secret prefix.
var ErrUnknownKind = errors.New("token: unknown token kind")

// Prefix returns the secret prefix for a token kind.
func Prefix(kind storage.TokenKind) (string, error) {
	switch kind {
	case storage.KindMobile:
		return PrefixMobile, nil
	case storage.KindAPI:
		return PrefixAPI, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// KindFromSecret determines the token variant from a secret's prefix.
// Returns ErrUnknownKind for any other shape.
func KindFromSecret(secret string) (storage.TokenKind, error) {
	switch {
	case strings.HasPrefix(secret, PrefixMobile):
		return storage.KindMobile, nil
	case strings.HasPrefix(secret, PrefixAPI):
		return storage.KindAPI, nil
	default:
		return "", ErrUnknownKind
	}
}

// GenerateSecret produces a cryptographically random secret for the given
// kind: prefix + SecretBodyLength random alphanumeric characters.
func GenerateSecret(kind storage.TokenKind) (string, error) {
	prefix, err := Prefix(kind)
	if err != nil {
		return "", err
	}

	// Rejection sampling keeps the body uniform over the alphabet.
	body := make([]byte, 0, SecretBodyLength)
	buf := make([]byte, SecretBodyLength*2)
	for len(body) < SecretBodyLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("%w: %v", ErrEntropy, err)
		}
		for _, b := range buf {
			if int(b) < len(secretAlphabet)*4 { // 62*4 = 248 of 256 values usable
				body = append(body, secretAlphabet[int(b)%len(secretAlphabet)])
				if len(body) == SecretBodyLength {
					break
				}
			}
		}
	}

	return prefix + string(body), nil
}

// HashSecret computes the SHA-256 hash of a secret for storage lookup.
// The store never sees the plaintext secret.
func HashSecret(secret string) string {
	hash := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(hash[:])
}

// MaskSecret redacts a secret for display and logs: prefix + "****" + last
// four characters. Secrets are never logged in full.
func MaskSecret(secret string) string {
	kind, err := KindFromSecret(secret)
	if err != nil || len(secret) < len(PrefixMobile)+8 {
		return "****"
	}
	prefix, _ := Prefix(kind) //nolint:errcheck // kind came from KindFromSecret
	return prefix + "****" + secret[len(secret)-4:]
}
