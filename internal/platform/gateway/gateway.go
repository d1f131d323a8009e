// Package gateway defines the payment processor contract used by the payment
// ledger, plus a retrying decorator and an in-memory implementation. Concrete
// processors live in the stripe and omise subpackages.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

// SessionStatus is the processor's view of a payable session.
type SessionStatus string

const (
	SessionOpen    SessionStatus = "open"
	SessionPaid    SessionStatus = "paid"
	SessionExpired SessionStatus = "expired"
)

// Session is an opaque payable checkout instance held by the processor.
type Session struct {
	ID     string
	URL    string
	Status SessionStatus
	// ChargeID is the captured charge handle, empty until the session is paid.
	ChargeID string
}

// SessionRequest describes a session to create. Amount is in major units and
// is converted with ToMinorUnits at the driver boundary.
type SessionRequest struct {
	Amount      decimal.Decimal
	Currency    string
	Description string
	Metadata    map[string]string
}

// Gateway is the set of processor operations the reconciliation engine needs.
type Gateway interface {
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
	RetrieveSession(ctx context.Context, sessionID string) (*Session, error)
	// ExpireSession is idempotent; expiring an already expired session is not an error
	// for callers that ignore its result.
	ExpireSession(ctx context.Context, sessionID string) error
	// Refund issues a refund of amountMinor minor units against chargeID.
	Refund(ctx context.Context, chargeID string, amountMinor int64) (string, error)
}

// EventType classifies a verified processor callback.
type EventType string

const (
	EventPaid    EventType = "paid"
	EventExpired EventType = "expired"
	EventIgnored EventType = "ignored"
)

// Event is a verified processor callback reduced to what the ledger needs.
type Event struct {
	ID        string
	Type      EventType
	SessionID string
	ChargeID  string
}

// WebhookVerifier authenticates a raw callback and extracts its Event.
type WebhookVerifier interface {
	ParseEvent(ctx context.Context, payload []byte, header http.Header) (*Event, error)
}

// ErrInvalidAmount is returned when a session is requested for a non-positive amount.
var ErrInvalidAmount = errors.New("gateway: amount must be positive")

// ErrInvalidSignature is returned when a callback cannot be authenticated.
var ErrInvalidSignature = errors.New("gateway: invalid webhook signature")

// Error wraps a processor failure with the operation that produced it.
// Transient errors are safe to retry.
type Error struct {
	Op        string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("gateway %s (%s): %v", e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable processor failure.
func IsTransient(err error) bool {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Transient
	}
	return false
}

// ToMinorUnits rounds amount to cents and truncates to integer minor units.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.RoundBank(2).Shift(2).IntPart()
}

// FromMinorUnits converts minor units back to a decimal amount.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}
