package domain

import "time"

// NonceState is the persisted counter for one signing identity.
// Corresponds to the nonce_state table.
type NonceState struct {
	Identity  string
	Current   int64 // highest value ever issued
	UpdatedAt time.Time
}

// NonceAllocationStatus tracks what happened to an issued nonce.
type NonceAllocationStatus string

const (
	NonceIssued   NonceAllocationStatus = "issued"
	NonceUsed     NonceAllocationStatus = "used"
	NonceReleased NonceAllocationStatus = "released"
)

// String returns the string representation of NonceAllocationStatus.
func (s NonceAllocationStatus) String() string {
	return string(s)
}

// NonceAllocation records a single issued nonce. Released values are never reissued.
// Corresponds to the nonce_allocations table.
type NonceAllocation struct {
	Identity  string
	Nonce     int64
	Status    NonceAllocationStatus
	OrderID   string
	Reason    string
	IssuedAt  time.Time
	UpdatedAt time.Time
}
