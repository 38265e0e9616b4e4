package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
)

// SecretScheme tags every issued secret so credentials are recognizable in
// logs without revealing validity.
const SecretScheme = "st_"

// prefixLen is how much of the secret is kept as a display fragment.
const prefixLen = 12

// Issue generates a fresh bearer secret and returns it alongside its
// sha256 digest and a short display prefix. The raw secret exists only in
// the return value; callers must hand it to the owner once and drop it.
func Issue() (secret, digest, prefix string) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	secret = SecretScheme + base64.RawURLEncoding.EncodeToString(b)
	digest = Digest(secret)
	prefix = secret[:prefixLen] + "..."
	return secret, digest, prefix
}

// Digest computes the hex-encoded sha256 of a secret.
func Digest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether candidate hashes to digest, in constant time.
func Verify(candidate, digest string) bool {
	return subtle.ConstantTimeCompare([]byte(Digest(candidate)), []byte(digest)) == 1
}
