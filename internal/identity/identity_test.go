package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"testing"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_PublicKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	assert.NoError(t, Validate(base58.Encode(pub)))
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"not base58", "wallet-0OIl"},
		{"short", base58.Encode([]byte{1, 2, 3})},
		{"off curve", base58.Encode(offCurvePoint(t))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.in)
			assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
		})
	}
}

func TestShort(t *testing.T) {
	assert.Equal(t, "abc", Short("abc"))
	assert.Equal(t, "9WzD..AWWM", Short("9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"))
}

// offCurvePoint finds a 32-byte value that is not a valid curve point.
func offCurvePoint(t *testing.T) []byte {
	t.Helper()
	for i := uint64(0); i < 1000; i++ {
		var seed [8]byte
		binary.BigEndian.PutUint64(seed[:], i)
		h := sha256.Sum256(seed[:])
		if _, err := new(edwards25519.Point).SetBytes(h[:]); err != nil {
			return h[:]
		}
	}
	t.Fatal("no off-curve point found")
	return nil
}
