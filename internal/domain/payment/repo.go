package payment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinic/clinic/internal/domain/appointment"
)

// Repository is the payment ledger.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	GetBySessionID(ctx context.Context, sessionID string) (*Payment, error)
	// FindLatest returns the row for (appointment, purpose), preferring the
	// PENDING one, else the most recent.
	FindLatest(ctx context.Context, appointmentID uuid.UUID, purpose Purpose) (*Payment, error)
	ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*Payment, error)
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Payment, int, error)
	// Upsert inserts p, or merges it into the existing PENDING row for the same
	// appointment and purpose. p.ID is set to the id of the row written.
	Upsert(ctx context.Context, p *Payment) error
	Update(ctx context.Context, p *Payment) error
	// MarkPaid moves a PENDING or EXPIRED row to PAID and reports whether it changed.
	MarkPaid(ctx context.Context, id uuid.UUID, chargeID *string) (bool, error)
	// MarkExpired moves a PENDING row to EXPIRED and reports whether it changed.
	MarkExpired(ctx context.Context, id uuid.UUID) (bool, error)
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*Payment, error)
}

// PenaltyReader returns a patient's unpaid penalty balance.
type PenaltyReader interface {
	PenaltyBalance(ctx context.Context, patientID uuid.UUID) (decimal.Decimal, error)
}

// AppointmentSource loads appointments for the transition worker.
type AppointmentSource interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
}

// PaidListener is told about every payment that becomes PAID.
type PaidListener interface {
	PaymentPaid(ctx context.Context, p *Payment)
}

// PaidListenerFunc adapts a function to PaidListener.
type PaidListenerFunc func(ctx context.Context, p *Payment)

func (f PaidListenerFunc) PaymentPaid(ctx context.Context, p *Payment) { f(ctx, p) }
