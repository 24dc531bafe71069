package crypto

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// SignatureSize is the length of a keyed-hash signature.
const SignatureSize = blake2b.Size256

// Sign computes a keyed BLAKE2b-256 over data.
//
// An empty key yields an empty signature: the exchange is unauthenticated.
func Sign(data, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, nil
	}
	mac, err := blake2b.New256(key)
	if err != nil {
		return nil, fmt.Errorf("create keyed hash: %w", err)
	}
	_, _ = mac.Write(data)
	return mac.Sum(nil), nil
}

// Verify reports whether signature is the keyed hash of data under key.
func Verify(data, signature, key []byte) bool {
	if len(key) == 0 || len(signature) != SignatureSize {
		return false
	}
	expected, err := Sign(data, key)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(expected, signature) == 1
}
