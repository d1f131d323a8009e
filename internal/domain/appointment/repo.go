package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Appointment, int, error)
	// UpdateStatus moves the appointment from one status to another and
	// reports false when it no longer holds from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (bool, error)
	LogStatus(ctx context.Context, id uuid.UUID, from, to Status) error
	SetPaymentConfirmed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// ListOverdueBooked returns BOOKED appointments that ended before t.
	ListOverdueBooked(ctx context.Context, t time.Time, limit int) ([]*Appointment, error)
	HasOverlap(ctx context.Context, doctorID uuid.UUID, start, end time.Time) (bool, error)
}

type DoctorRepository interface {
	Create(ctx context.Context, d *Doctor) error
	GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	List(ctx context.Context, limit, offset int) ([]*Doctor, int, error)
}

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	PenaltyBalance(ctx context.Context, id uuid.UUID) (decimal.Decimal, error)
}
