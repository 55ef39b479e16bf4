// Package identity validates signing identities.
//
// A signing identity is the base58 encoding of a 32-byte ed25519 public key.
package identity

import (
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// ErrInvalid is returned for identities that are not ed25519 public keys.
var ErrInvalid = errors.New("invalid signing identity")

// PublicKeyLen is the size of a decoded identity.
const PublicKeyLen = 32

// Validate checks that s decodes to a 32-byte point on the ed25519 curve.
func Validate(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalid)
	}

	raw, err := base58.Decode(s)
	if err != nil {
		return fmt.Errorf("%w: decode base58: %v", ErrInvalid, err)
	}
	if len(raw) != PublicKeyLen {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalid, len(raw), PublicKeyLen)
	}
	if !isOnCurve(raw) {
		return fmt.Errorf("%w: not on ed25519 curve", ErrInvalid)
	}
	return nil
}

// Short returns an abbreviated identity for logs and metric labels.
func Short(s string) string {
	if len(s) <= 10 {
		return s
	}
	return s[:4] + ".." + s[len(s)-4:]
}

func isOnCurve(point []byte) bool {
	if len(point) != PublicKeyLen {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}
