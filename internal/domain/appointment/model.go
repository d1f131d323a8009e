package appointment

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusBooked    Status = "BOOKED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusNoShow    Status = "NO_SHOW"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusBooked, StatusCompleted, StatusCancelled, StatusNoShow:
		return st, nil
	}
	return "", fmt.Errorf("invalid appointment status: %s", s)
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusBooked:
		return false
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	panic(fmt.Sprintf("appointment: unhandled status %q", s))
}

// Appointment maps to the appointment table.
type Appointment struct {
	ID                 uuid.UUID       `db:"id" json:"id"`
	PatientID          uuid.UUID       `db:"patient_id" json:"patient_id"`
	DoctorID           uuid.UUID       `db:"doctor_id" json:"doctor_id"`
	Status             Status          `db:"status" json:"status"`
	ScheduledAt        time.Time       `db:"scheduled_at" json:"scheduled_at"`
	EndsAt             time.Time       `db:"ends_at" json:"ends_at"`
	Price              decimal.Decimal `db:"price" json:"price"`
	PaymentConfirmedAt *time.Time      `db:"payment_confirmed_at" json:"payment_confirmed_at,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
}

// Doctor maps to the doctor table.
type Doctor struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	Name          string          `db:"name" json:"name"`
	PricePerVisit decimal.Decimal `db:"price_per_visit" json:"price_per_visit"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// Patient maps to the patient table. The balances are derived from the
// payment ledger on read and never stored: PenaltyBalance sums the PENDING
// cancellation and no-show fees across the patient's appointments, and
// TotalUnpaid sums every PENDING row.
type Patient struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	Name           string          `db:"name" json:"name"`
	PenaltyBalance decimal.Decimal `db:"-" json:"penalty_balance"`
	HasPenalty     bool            `db:"-" json:"has_penalty"`
	TotalUnpaid    decimal.Decimal `db:"-" json:"total_unpaid_amount"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// TransitionedRoutingKey is the queue routing key for Transitioned messages.
const TransitionedRoutingKey = "appointment.transitioned"

// Transitioned announces a committed status change. OldStatus is empty for
// a new booking.
type Transitioned struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	OldStatus     Status    `json:"old_status,omitempty"`
	NewStatus     Status    `json:"new_status"`
	OccurredAt    time.Time `json:"occurred_at"`
}

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDispatch means the status change was committed but reconciliation
	// could not be scheduled; the caller must retry or alert.
	ErrDispatch = errors.New("status committed but reconciliation dispatch failed")
)
