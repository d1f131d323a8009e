package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/clinic/clinic/internal/platform/db"
)

func conn(ctx context.Context, pool *pgxpool.Pool) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// -- Appointment --

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

const apptCols = `id, patient_id, doctor_id, status, scheduled_at, ends_at, price,
	payment_confirmed_at, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.Status, &a.ScheduledAt, &a.EndsAt, &a.Price,
		&a.PaymentConfirmedAt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanAppointments(rows pgx.Rows) ([]*Appointment, error) {
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO appointment (id, patient_id, doctor_id, status, scheduled_at, ends_at, price)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.DoctorID, a.Status, a.ScheduledAt, a.EndsAt, a.Price,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppointment(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
}

func (r *appointmentRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Appointment, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	for _, f := range []struct{ param, clause string }{
		{"patient_id", "patient_id = $%d"},
		{"doctor_id", "doctor_id = $%d"},
		{"status", "status = $%d"},
		{"from", "scheduled_at >= $%d"},
		{"to", "scheduled_at < $%d"},
	} {
		if v, ok := params[f.param]; ok {
			where += ` AND ` + fmt.Sprintf(f.clause, idx)
			args = append(args, v)
			idx++
		}
	}

	q := conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM appointment`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + apptCols + ` FROM appointment` + where +
		fmt.Sprintf(` ORDER BY scheduled_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := scanAppointments(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *appointmentRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (bool, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE appointment SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *appointmentRepoPG) LogStatus(ctx context.Context, id uuid.UUID, from, to Status) error {
	var old *Status
	if from != "" {
		old = &from
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO appointment_status_log (appointment_id, old_status, new_status)
		VALUES ($1, $2, $3)`, id, old, to)
	return err
}

func (r *appointmentRepoPG) SetPaymentConfirmed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE appointment SET payment_confirmed_at = $2, updated_at = NOW()
		WHERE id = $1 AND payment_confirmed_at IS NULL`, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *appointmentRepoPG) ListOverdueBooked(ctx context.Context, t time.Time, limit int) ([]*Appointment, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT `+apptCols+` FROM appointment
		WHERE status = 'BOOKED' AND ends_at < $1
		ORDER BY ends_at
		LIMIT $2`, t, limit)
	if err != nil {
		return nil, err
	}
	return scanAppointments(rows)
}

func (r *appointmentRepoPG) HasOverlap(ctx context.Context, doctorID uuid.UUID, start, end time.Time) (bool, error) {
	var exists bool
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointment
			WHERE doctor_id = $1 AND status <> 'CANCELLED'
			AND scheduled_at < $3 AND ends_at > $2
		)`, doctorID, start, end).Scan(&exists)
	return exists, err
}

// -- Doctor --

type doctorRepoPG struct{ pool *pgxpool.Pool }

func NewDoctorRepoPG(pool *pgxpool.Pool) DoctorRepository { return &doctorRepoPG{pool: pool} }

const doctorCols = `id, name, price_per_visit, created_at, updated_at`

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(&d.ID, &d.Name, &d.PricePerVisit, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *doctorRepoPG) Create(ctx context.Context, d *Doctor) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO doctor (id, name, price_per_visit) VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`, d.ID, d.Name, d.PricePerVisit).Scan(&d.CreatedAt, &d.UpdatedAt)
}

func (r *doctorRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return scanDoctor(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+doctorCols+` FROM doctor WHERE id = $1`, id))
}

func (r *doctorRepoPG) List(ctx context.Context, limit, offset int) ([]*Doctor, int, error) {
	q := conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM doctor`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx, `SELECT `+doctorCols+` FROM doctor ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Doctor
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, rows.Err()
}

// -- Patient --

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository { return &patientRepoPG{pool: pool} }

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO patient (id, name) VALUES ($1, $2)
		RETURNING created_at, updated_at`, p.ID, p.Name).Scan(&p.CreatedAt, &p.UpdatedAt)
}

// Fee purposes whose unpaid rows make up a patient's penalty balance.
const penaltyPurposes = `('CANCELLATION_FEE', 'NO_SHOW_FEE')`

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT pt.id, pt.name, pt.created_at, pt.updated_at,
			COALESCE(SUM(pay.owed_amount) FILTER (WHERE pay.purpose IN `+penaltyPurposes+`), 0),
			COALESCE(SUM(pay.owed_amount), 0)
		FROM patient pt
		LEFT JOIN appointment a ON a.patient_id = pt.id
		LEFT JOIN payment pay ON pay.appointment_id = a.id AND pay.status = 'PENDING'
		WHERE pt.id = $1
		GROUP BY pt.id`, id).
		Scan(&p.ID, &p.Name, &p.CreatedAt, &p.UpdatedAt, &p.PenaltyBalance, &p.TotalUnpaid)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *patientRepoPG) PenaltyBalance(ctx context.Context, id uuid.UUID) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT COALESCE(SUM(pay.owed_amount), 0)
		FROM patient pt
		LEFT JOIN appointment a ON a.patient_id = pt.id
		LEFT JOIN payment pay ON pay.appointment_id = a.id
			AND pay.status = 'PENDING' AND pay.purpose IN `+penaltyPurposes+`
		WHERE pt.id = $1
		GROUP BY pt.id`, id).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrNotFound
	}
	return balance, err
}
