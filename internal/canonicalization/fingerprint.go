package canonicalization

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Fingerprint computes the deterministic identity of a value: the SHA-256
// digest of its canonical encoding, as a 64-character lowercase hex string.
//
// Fingerprint is a pure function. Logically equal values produce equal
// fingerprints independent of map-key insertion order and set-member
// ordering; this is a contract, not an incidental behavior (see the
// property tests in fingerprint_test.go).
func Fingerprint(value Value) (string, error) {
	encoded, err := value.Encode()
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize value: %w", err)
	}

	hash := sha256.Sum256([]byte(encoded))

	return hex.EncodeToString(hash[:]), nil
}

// MustFingerprint is Fingerprint for values known to be encodable, such as
// values built entirely from strings and finite numbers. It panics on
// encoding failure and is intended for static payloads in tests and wiring.
func MustFingerprint(value Value) string {
	digest, err := Fingerprint(value)
	if err != nil {
		panic(err)
	}

	return digest
}
