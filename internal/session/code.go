package session

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const (
	invitationCodeChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	invitationCodeLength = 8
	maxCodeAttempts      = 10
)

// GenerateCode returns a random invitation code of the default length.
func GenerateCode() string {
	return generateCode(invitationCodeLength)
}

func generateCode(length int) string {
	chars := []byte(invitationCodeChars)
	code := make([]byte, length)
	max := big.NewInt(int64(len(chars)))

	for i := range code {
		n, _ := rand.Int(rand.Reader, max)
		code[i] = chars[n.Int64()]
	}

	return string(code)
}

// NormalizeCode trims whitespace and upper-cases a user supplied code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
