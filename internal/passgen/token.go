// internal/passgen/token.go
package passgen

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

const tokenLength = 32

// AuthenticationToken derives the per-pass token Wallet presents as "ApplePass <token>".
func AuthenticationToken(serial, secret string) string {
	sum := sha256.Sum256([]byte(serial + secret))
	return hex.EncodeToString(sum[:])[:tokenLength]
}

// VerifyToken reports whether presented is the token issued for serial.
func VerifyToken(serial, secret, presented string) bool {
	if serial == "" || presented == "" {
		return false
	}
	want := AuthenticationToken(serial, secret)
	return subtle.ConstantTimeCompare([]byte(want), []byte(presented)) == 1
}
