package payment

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the ledger state of a payment.
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusPaid              Status = "PAID"
	StatusExpired           Status = "EXPIRED"
	StatusPartiallyRefunded Status = "PARTIALLY_REFUNDED"
	StatusRefunded          Status = "REFUNDED"
)

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusPaid, StatusExpired, StatusPartiallyRefunded, StatusRefunded:
		return st, nil
	}
	return "", fmt.Errorf("invalid payment status: %s", s)
}

// Settled reports whether money was captured for the payment at some point.
func (s Status) Settled() bool {
	switch s {
	case StatusPaid, StatusPartiallyRefunded, StatusRefunded:
		return true
	case StatusPending, StatusExpired:
		return false
	}
	panic(fmt.Sprintf("payment: unhandled status %q", s))
}

// CanTransitionTo reports whether the state machine allows s -> next.
// EXPIRED -> PENDING is a new attempt reusing the row; EXPIRED -> PAID
// accepts a late payment reported by the processor.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusPaid || next == StatusExpired || next == StatusPending
	case StatusExpired:
		return next == StatusPending || next == StatusPaid || next == StatusExpired
	case StatusPaid:
		return next == StatusPartiallyRefunded || next == StatusRefunded
	case StatusPartiallyRefunded:
		return next == StatusPartiallyRefunded || next == StatusRefunded
	case StatusRefunded:
		return false
	}
	panic(fmt.Sprintf("payment: unhandled status %q", s))
}

// Purpose is the reason a payment exists.
type Purpose string

const (
	PurposeConsultation    Purpose = "CONSULTATION"
	PurposeCancellationFee Purpose = "CANCELLATION_FEE"
	PurposeNoShowFee       Purpose = "NO_SHOW_FEE"
)

// ParsePurpose validates a purpose string.
func ParsePurpose(s string) (Purpose, error) {
	switch p := Purpose(s); p {
	case PurposeConsultation, PurposeCancellationFee, PurposeNoShowFee:
		return p, nil
	}
	return "", fmt.Errorf("invalid payment purpose: %s", s)
}

// Payment is one payable obligation tied to an appointment.
type Payment struct {
	ID            uuid.UUID       `json:"id"`
	AppointmentID uuid.UUID       `json:"appointment_id"`
	Purpose       Purpose         `json:"purpose"`
	Status        Status          `json:"status"`
	OwedAmount    decimal.Decimal `json:"owed_amount"`
	Currency      string          `json:"currency"`
	SessionID     *string         `json:"gateway_session_id,omitempty"`
	SessionURL    *string         `json:"gateway_session_url,omitempty"`
	ChargeID      *string         `json:"gateway_charge_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

var (
	ErrNotFound = errors.New("payment not found")
	// ErrDuplicatePending is a data-integrity failure: a write would leave two
	// PENDING rows for the same appointment and purpose.
	ErrDuplicatePending = errors.New("a pending payment already exists for this appointment and purpose")
	// ErrNothingToRefund means the requested refund rounds to zero minor units.
	ErrNothingToRefund = errors.New("refund amount rounds to zero")
)

// PolicyError is a request the payment rules refuse. It is never retried.
type PolicyError struct {
	Op     string
	Reason string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// IsPolicy reports whether err is a PolicyError.
func IsPolicy(err error) bool {
	var pe *PolicyError
	return errors.As(err, &pe)
}
