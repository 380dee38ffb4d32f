package oauth2

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"github.com/aionixone/openact/internal/openacterr"
)

// generateState returns a cryptographically random, >=128-bit state value
// for the Authorization-Code flow (32 random bytes, base64 URL,
// unpadded).
func generateState() (string, error) {
	return randomToken(32)
}

// generatePKCEVerifier returns a PKCE code_verifier (64 random bytes).
func generatePKCEVerifier() (string, error) {
	return randomToken(64)
}

// generatePKCEChallenge computes S256(code_verifier), per RFC 7636.
func generatePKCEChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func randomToken(n int) (string, error) {
	const op = "oauth2.randomToken"
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", openacterr.Wrap(openacterr.KindInternal, op, "failed to read random bytes", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
