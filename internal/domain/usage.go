package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is the result of a payment attempt recorded in the usage ledger.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeFailed       Outcome = "failed"
	OutcomeDeclined     Outcome = "declined"
	OutcomeFraudBlocked Outcome = "fraud_blocked"
)

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailed, OutcomeDeclined, OutcomeFraudBlocked:
		return true
	}
	return false
}

// IsFailure reports whether o counts toward failed-payment and card-testing checks.
func (o Outcome) IsFailure() bool {
	return o == OutcomeFailed || o == OutcomeDeclined
}

// RiskFlags are the per-attempt markers attached to a usage record.
type RiskFlags struct {
	NewInstrument  bool `json:"newInstrument,omitempty"`
	MultiUser      bool `json:"multiUser,omitempty"`
	Velocity       bool `json:"velocityFlag,omitempty"`
	GeoMismatch    bool `json:"geoMismatch,omitempty"`
	DeviceMismatch bool `json:"deviceMismatch,omitempty"`
}

// UsageRecord is one immutable ledger entry.
type UsageRecord struct {
	ID            uint64          `json:"id"`
	FingerprintID string          `json:"fingerprintId"`
	UserID        string          `json:"userId"`
	TransactionID string          `json:"transactionId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Timestamp     time.Time       `json:"timestamp"`
	Outcome       Outcome         `json:"outcome"`
	Flags         RiskFlags       `json:"flags"`
}

// UsageInput is what callers supply when recording a payment attempt.
// A zero Timestamp means "now".
type UsageInput struct {
	FingerprintID string          `json:"fingerprintId"`
	UserID        string          `json:"userId"`
	TransactionID string          `json:"transactionId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Outcome       Outcome         `json:"outcome"`
	Flags         RiskFlags       `json:"flags"`
	Timestamp     time.Time       `json:"timestamp,omitempty"`
}
