package domain

import "time"

// DeadLetterStatus is the retry state of a captured operation.
type DeadLetterStatus string

const (
	DeadLetterPending  DeadLetterStatus = "pending"
	DeadLetterRetrying DeadLetterStatus = "retrying"
	DeadLetterFailed   DeadLetterStatus = "failed"
	DeadLetterResolved DeadLetterStatus = "resolved"
)

// String returns the string representation of DeadLetterStatus.
func (s DeadLetterStatus) String() string {
	return string(s)
}

// IsValid checks if the status is a known value.
func (s DeadLetterStatus) IsValid() bool {
	switch s {
	case DeadLetterPending, DeadLetterRetrying, DeadLetterFailed, DeadLetterResolved:
		return true
	}
	return false
}

// DeadLetter is a failed operation captured for retry.
// Corresponds to the dead_letters table. Resolved is terminal and
// RetryCount never exceeds MaxRetries+1.
type DeadLetter struct {
	ID            string
	OperationType string
	Payload       []byte // JSON
	LastError     string
	RetryCount    int
	MaxRetries    int
	Status        DeadLetterStatus
	NextAttemptAt time.Time
	Resolution    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ResolvedAt    *time.Time
}
