package security

import (
	"crypto/subtle"
	"math"
	"strings"
)

const (
	// MinTokenLength is the length below which a bearer token is reported as weak
	MinTokenLength = 32

	// MinTokenEntropy is the Shannon entropy below which a token is reported as weak
	MinTokenEntropy = 2.5
)

var placeholderTokens = map[string]bool{
	"token":      true,
	"secret":     true,
	"password":   true,
	"changeme":   true,
	"topsecret":  true,
	"replace-me": true,
}

// TokenEqual compares a received token with the expected one in constant time
func TokenEqual(expected, received string) bool {
	return subtle.ConstantTimeCompare([]byte(expected), []byte(received)) == 1
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" value.
// The scheme is matched case-insensitively. Returns "" when absent or malformed.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// IsWeakToken performs a quick check if a token is obviously weak.
// Used for startup warnings; it never rejects configuration.
func IsWeakToken(token string) bool {
	if len(token) < MinTokenLength {
		return true
	}

	if placeholderTokens[strings.ToLower(token)] {
		return true
	}

	// All same character
	if len(strings.Trim(token, string(token[0]))) == 0 {
		return true
	}

	if isSequential(token) {
		return true
	}

	return calculateEntropy(token) < MinTokenEntropy
}

// calculateEntropy computes the Shannon entropy of a string in bits per character
func calculateEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}

	freq := make(map[rune]int)
	for _, c := range s {
		freq[c]++
	}

	var entropy float64
	length := float64(len(s))

	for _, count := range freq {
		p := float64(count) / length
		entropy -= p * math.Log2(p)
	}

	return entropy
}

// isSequential reports whether more than 70% of neighbouring bytes differ by one
func isSequential(s string) bool {
	if len(s) < 4 {
		return false
	}

	sequential := 0
	for i := 1; i < len(s); i++ {
		if s[i] == s[i-1]+1 || s[i] == s[i-1]-1 {
			sequential++
		}
	}

	return float64(sequential) > float64(len(s))*0.7
}
