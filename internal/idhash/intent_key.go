package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"order-engine/internal/domain"
)

// ComputeIntentKey computes a deterministic idempotency key using SHA256.
// Formula: SHA256(venue|token|side|size|price|identity|window)
// Venue is lower-cased, token trimmed, side upper-cased and decimals written in
// canonical form, so "1.50" and "1.5" hash the same.
// Returns hex-encoded hash (64 characters).
func ComputeIntentKey(intent domain.OrderIntent) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s",
		strings.ToLower(strings.TrimSpace(intent.Venue)),
		strings.TrimSpace(intent.Token),
		strings.ToUpper(strings.TrimSpace(string(intent.Side))),
		intent.Size.String(),
		intent.Price.String(),
		strings.TrimSpace(intent.Identity),
		strings.TrimSpace(intent.Window),
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// clientOrderNamespace scopes name-based client order UUIDs.
var clientOrderNamespace = uuid.MustParse("6f1c2a43-8d0e-4b7a-9a35-0c8e7d3f5b21")

// ComputeClientOrderID derives the client order id sent to the exchange from the
// intent key and the nonce, so a retried dispatch of the same order reuses it.
// Returns a version 5 UUID over key|nonce.
func ComputeClientOrderID(intentKey string, nonce int64) string {
	data := fmt.Sprintf("%s|%d", intentKey, nonce)
	return uuid.NewSHA1(clientOrderNamespace, []byte(data)).String()
}
