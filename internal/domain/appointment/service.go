package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clinic/clinic/internal/platform/db"
)

// Dispatcher schedules reconciliation for a committed transition.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Transitioned) error
}

// Notifier receives lifecycle events for the admin channel. Failures are the
// notifier's own business.
type Notifier interface {
	AppointmentCreated(ctx context.Context, a *Appointment)
	AppointmentStatusChanged(ctx context.Context, a *Appointment, old Status)
	NoShowSummary(ctx context.Context, marked []*Appointment)
}

type nopNotifier struct{}

func (nopNotifier) AppointmentCreated(context.Context, *Appointment) {}
func (nopNotifier) AppointmentStatusChanged(context.Context, *Appointment, Status) {}
func (nopNotifier) NoShowSummary(context.Context, []*Appointment) {}

// BookRequest is the input to Book.
type BookRequest struct {
	PatientID   uuid.UUID `json:"patient_id"`
	DoctorID    uuid.UUID `json:"doctor_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	EndsAt      time.Time `json:"ends_at"`
}

type Service struct {
	appts      AppointmentRepository
	doctors    DoctorRepository
	patients   PatientRepository
	tx         db.TxRunner
	dispatcher Dispatcher
	notifier   Notifier
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(appts AppointmentRepository, doctors DoctorRepository, patients PatientRepository,
	tx db.TxRunner, dispatcher Dispatcher, logger zerolog.Logger) *Service {
	return &Service{
		appts:      appts,
		doctors:    doctors,
		patients:   patients,
		tx:         tx,
		dispatcher: dispatcher,
		notifier:   nopNotifier{},
		logger:     logger,
		now:        time.Now,
	}
}

// SetNotifier installs the admin notifier.
func (s *Service) SetNotifier(n Notifier) {
	if n != nil {
		s.notifier = n
	}
}

// SetDispatcher replaces the dispatcher. It exists for wiring in-process
// workers that themselves depend on the service.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// -- Doctors and patients --

func (s *Service) CreateDoctor(ctx context.Context, d *Doctor) error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if d.PricePerVisit.IsNegative() {
		return fmt.Errorf("price_per_visit must not be negative")
	}
	return s.doctors.Create(ctx, d)
}

func (s *Service) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return s.doctors.GetByID(ctx, id)
}

func (s *Service) ListDoctors(ctx context.Context, limit, offset int) ([]*Doctor, int, error) {
	return s.doctors.List(ctx, limit, offset)
}

func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	// A new patient owes nothing; balances sent by the client are ignored.
	p.PenaltyBalance = decimal.Zero
	p.HasPenalty = false
	p.TotalUnpaid = decimal.Zero
	return s.patients.Create(ctx, p)
}

// GetPatient returns the patient with its ledger-derived balances.
func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := s.patients.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	p.HasPenalty = p.PenaltyBalance.IsPositive()
	return p, nil
}

// -- Appointments --

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.appts.GetByID(ctx, id)
}

func (s *Service) SearchAppointments(ctx context.Context, params map[string]string, limit, offset int) ([]*Appointment, int, error) {
	return s.appts.Search(ctx, params, limit, offset)
}

// Book reserves a doctor's time for a patient at the doctor's current price.
func (s *Service) Book(ctx context.Context, req BookRequest) (*Appointment, error) {
	if req.PatientID == uuid.Nil {
		return nil, fmt.Errorf("patient_id is required")
	}
	if req.DoctorID == uuid.Nil {
		return nil, fmt.Errorf("doctor_id is required")
	}
	if req.ScheduledAt.IsZero() || !req.EndsAt.After(req.ScheduledAt) {
		return nil, fmt.Errorf("ends_at must be after scheduled_at")
	}
	if req.ScheduledAt.Before(s.now()) {
		return nil, fmt.Errorf("cannot book an appointment in the past")
	}

	doctor, err := s.doctors.GetByID(ctx, req.DoctorID)
	if err != nil {
		return nil, fmt.Errorf("doctor: %w", err)
	}
	if _, err := s.patients.GetByID(ctx, req.PatientID); err != nil {
		return nil, fmt.Errorf("patient: %w", err)
	}

	a := &Appointment{
		PatientID:   req.PatientID,
		DoctorID:    req.DoctorID,
		Status:      StatusBooked,
		ScheduledAt: req.ScheduledAt,
		EndsAt:      req.EndsAt,
		Price:       doctor.PricePerVisit,
	}
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		taken, err := s.appts.HasOverlap(ctx, a.DoctorID, a.ScheduledAt, a.EndsAt)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("doctor is already booked for this time")
		}
		if err := s.appts.Create(ctx, a); err != nil {
			return err
		}
		return s.appts.LogStatus(ctx, a.ID, "", StatusBooked)
	})
	if err != nil {
		return nil, err
	}

	s.notifier.AppointmentCreated(ctx, a)
	return a, s.dispatch(ctx, a, "")
}

// Complete marks a BOOKED appointment COMPLETED. Completing an already
// completed appointment re-dispatches reconciliation without a status write.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusCompleted, func(a *Appointment) (bool, error) {
		switch a.Status {
		case StatusBooked:
			return true, nil
		case StatusCompleted:
			return false, nil
		case StatusCancelled, StatusNoShow:
		}
		return false, fmt.Errorf("%w: cannot complete a %s appointment", ErrInvalidTransition, a.Status)
	})
}

// Cancel cancels a BOOKED appointment.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusCancelled, func(a *Appointment) (bool, error) {
		if a.Status != StatusBooked {
			return false, fmt.Errorf("%w: only booked appointments can be cancelled, got %s", ErrInvalidTransition, a.Status)
		}
		return true, nil
	})
}

// MarkNoShow marks a BOOKED appointment whose start has passed as NO_SHOW.
func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusNoShow, func(a *Appointment) (bool, error) {
		if a.Status != StatusBooked {
			return false, fmt.Errorf("%w: only booked appointments can be marked no-show, got %s", ErrInvalidTransition, a.Status)
		}
		if s.now().Before(a.ScheduledAt) {
			return false, fmt.Errorf("%w: appointment has not started yet", ErrInvalidTransition)
		}
		return true, nil
	})
}

// transition commits a status change and only then dispatches it. check
// reports whether a write is needed; false with a nil error re-dispatches the
// current status.
func (s *Service) transition(ctx context.Context, id uuid.UUID, to Status, check func(a *Appointment) (bool, error)) (*Appointment, error) {
	var (
		a     *Appointment
		old   Status
		wrote bool
	)
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		if a, err = s.appts.GetByID(ctx, id); err != nil {
			return err
		}
		old = a.Status
		if wrote, err = check(a); err != nil || !wrote {
			return err
		}
		ok, err := s.appts.UpdateStatus(ctx, id, old, to)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: appointment changed concurrently", ErrInvalidTransition)
		}
		a.Status = to
		return s.appts.LogStatus(ctx, id, old, to)
	})
	if err != nil {
		return nil, err
	}

	if wrote {
		s.logger.Info().
			Str("appointment_id", id.String()).
			Str("old_status", string(old)).
			Str("new_status", string(to)).
			Msg("appointment status changed")
		s.notifier.AppointmentStatusChanged(ctx, a, old)
	} else {
		old = a.Status
	}
	return a, s.dispatch(ctx, a, old)
}

func (s *Service) dispatch(ctx context.Context, a *Appointment, old Status) error {
	msg := Transitioned{
		AppointmentID: a.ID,
		OldStatus:     old,
		NewStatus:     a.Status,
		OccurredAt:    s.now().UTC(),
	}
	if err := s.dispatcher.Dispatch(ctx, msg); err != nil {
		s.logger.Error().Err(err).
			Str("appointment_id", a.ID.String()).
			Str("new_status", string(a.Status)).
			Msg("reconciliation dispatch failed")
		return fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	return nil
}

// Redispatch schedules reconciliation for the appointment's current status
// again. It is the recovery path for ErrDispatch.
func (s *Service) Redispatch(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.appts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return a, s.dispatch(ctx, a, a.Status)
}

// ConfirmPayment records that the appointment's consultation was paid.
// It reports whether this call made the change.
func (s *Service) ConfirmPayment(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.appts.SetPaymentConfirmed(ctx, id, s.now().UTC())
}

// MarkOverdueNoShows turns BOOKED appointments that ended before now into
// NO_SHOW. Appointments that fail are logged and skipped.
func (s *Service) MarkOverdueNoShows(ctx context.Context, limit int) ([]*Appointment, error) {
	if limit <= 0 {
		limit = 500
	}
	overdue, err := s.appts.ListOverdueBooked(ctx, s.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("list overdue appointments: %w", err)
	}

	var marked []*Appointment
	for _, a := range overdue {
		updated, err := s.MarkNoShow(ctx, a.ID)
		if err != nil && !errors.Is(err, ErrDispatch) {
			s.logger.Warn().Err(err).Str("appointment_id", a.ID.String()).Msg("overdue no-show skipped")
			continue
		}
		if updated != nil {
			marked = append(marked, updated)
		}
	}

	s.logger.Info().Int("overdue", len(overdue)).Int("marked", len(marked)).Msg("no-show check finished")
	s.notifier.NoShowSummary(ctx, marked)
	return marked, nil
}
