package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Severity classifies a discrepancy.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// String returns the string representation of Severity.
func (s Severity) String() string {
	return string(s)
}

// IsValid checks if the severity is a known value.
func (s Severity) IsValid() bool {
	return s == SeverityInfo || s == SeverityWarning || s == SeverityCritical
}

// Rank orders severities from info (0) to critical (2).
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	default:
		return 0
	}
}

// Resolution reasons written by the engine itself.
const (
	ResolutionAuto      = "auto"
	ResolutionConverged = "converged"
)

// Discrepancy is a mismatch between the local position and the exchange holding.
// Corresponds to the discrepancies table.
type Discrepancy struct {
	ID             string
	RunID          string
	Token          string
	LocalShares    decimal.Decimal
	ExchangeShares decimal.Decimal
	Difference     decimal.Decimal // exchange - local
	Severity       Severity
	Resolved       bool
	Resolution     string
	ResolvedAt     *time.Time
	CreatedAt      time.Time
}

// ReconciliationRun is the record of one reconciliation pass, written even when
// nothing was found. Corresponds to the reconciliation_runs table.
type ReconciliationRun struct {
	ID                 string
	StartedAt          time.Time
	Duration           time.Duration
	DiscrepanciesFound int
	CorrectionsApplied int
	OrdersConverged    int
	Error              string
}
