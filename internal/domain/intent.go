package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderIntent is the economic content of a submission, independent of retries.
type OrderIntent struct {
	Venue    string
	Token    string
	Side     Side
	Size     decimal.Decimal
	Price    decimal.Decimal
	Identity string // signing identity (wallet)

	// Window is a caller-supplied correlation window, e.g. the signal bucket.
	// Two intents equal in every field above but different windows are distinct.
	Window string
}

// IdempotencyStatus is the state of a deduplication record.
type IdempotencyStatus string

const (
	IdempotencyPending   IdempotencyStatus = "pending"
	IdempotencyCompleted IdempotencyStatus = "completed"
	IdempotencyFailed    IdempotencyStatus = "failed"
)

// String returns the string representation of IdempotencyStatus.
func (s IdempotencyStatus) String() string {
	return string(s)
}

// IsValid checks if the status is a known value.
func (s IdempotencyStatus) IsValid() bool {
	return s == IdempotencyPending || s == IdempotencyCompleted || s == IdempotencyFailed
}

// IdempotencyRecord caches the outcome of the first attempt for one intent key.
// Corresponds to the idempotency_records table.
type IdempotencyRecord struct {
	Key       string // hex SHA-256 of the normalized intent
	Status    IdempotencyStatus
	OrderID   string // client order id of the first attempt, empty until known
	Response  []byte // JSON-encoded outcome
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the record no longer deduplicates at now.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
