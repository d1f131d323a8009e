package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/platform/db"
)

const pendingUniqueIndex = "uq_payment_pending_per_purpose"

type paymentRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &paymentRepoPG{pool: pool} }

func (r *paymentRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const paymentCols = `id, appointment_id, purpose, status, owed_amount, currency,
	gateway_session_id, gateway_session_url, gateway_charge_id, created_at, updated_at`

func (r *paymentRepoPG) scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.AppointmentID, &p.Purpose, &p.Status, &p.OwedAmount, &p.Currency,
		&p.SessionID, &p.SessionURL, &p.ChargeID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *paymentRepoPG) scanRows(rows pgx.Rows) ([]*Payment, error) {
	defer rows.Close()
	var items []*Payment
	for rows.Next() {
		p, err := r.scanPayment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func mapWriteErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == pendingUniqueIndex {
		return ErrDuplicatePending
	}
	return err
}

func (r *paymentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return r.scanPayment(r.conn(ctx).QueryRow(ctx, `SELECT `+paymentCols+` FROM payment WHERE id = $1`, id))
}

func (r *paymentRepoPG) GetBySessionID(ctx context.Context, sessionID string) (*Payment, error) {
	return r.scanPayment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+paymentCols+` FROM payment WHERE gateway_session_id = $1`, sessionID))
}

func (r *paymentRepoPG) FindLatest(ctx context.Context, appointmentID uuid.UUID, purpose Purpose) (*Payment, error) {
	return r.scanPayment(r.conn(ctx).QueryRow(ctx, `
		SELECT `+paymentCols+` FROM payment
		WHERE appointment_id = $1 AND purpose = $2
		ORDER BY (status = 'PENDING') DESC, created_at DESC
		LIMIT 1`, appointmentID, purpose))
}

func (r *paymentRepoPG) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*Payment, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+paymentCols+` FROM payment WHERE appointment_id = $1 ORDER BY created_at`, appointmentID)
	if err != nil {
		return nil, err
	}
	return r.scanRows(rows)
}

func (r *paymentRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Payment, int, error) {
	query := `SELECT ` + paymentCols + ` FROM payment WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM payment WHERE 1=1`
	var args []interface{}
	idx := 1

	for _, f := range []struct{ param, column string }{
		{"appointment_id", "appointment_id"},
		{"status", "status"},
		{"purpose", "purpose"},
	} {
		if v, ok := params[f.param]; ok {
			query += fmt.Sprintf(` AND %s = $%d`, f.column, idx)
			countQuery += fmt.Sprintf(` AND %s = $%d`, f.column, idx)
			args = append(args, v)
			idx++
		}
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.scanRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *paymentRepoPG) Upsert(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO payment (id, appointment_id, purpose, status, owed_amount, currency,
			gateway_session_id, gateway_session_url, gateway_charge_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (appointment_id, purpose) WHERE status = 'PENDING'
		DO UPDATE SET owed_amount = EXCLUDED.owed_amount,
			currency = EXCLUDED.currency,
			gateway_session_id = EXCLUDED.gateway_session_id,
			gateway_session_url = EXCLUDED.gateway_session_url,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		p.ID, p.AppointmentID, p.Purpose, p.Status, p.OwedAmount, p.Currency,
		p.SessionID, p.SessionURL, p.ChargeID).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	return mapWriteErr(err)
}

func (r *paymentRepoPG) Update(ctx context.Context, p *Payment) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE payment SET status = $2, owed_amount = $3, currency = $4,
			gateway_session_id = $5, gateway_session_url = $6, gateway_charge_id = $7,
			updated_at = NOW()
		WHERE id = $1`,
		p.ID, p.Status, p.OwedAmount, p.Currency, p.SessionID, p.SessionURL, p.ChargeID)
	if err != nil {
		return mapWriteErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *paymentRepoPG) MarkPaid(ctx context.Context, id uuid.UUID, chargeID *string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE payment SET status = 'PAID',
			gateway_charge_id = COALESCE($2, gateway_charge_id),
			updated_at = NOW()
		WHERE id = $1 AND status IN ('PENDING', 'EXPIRED')`, id, chargeID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *paymentRepoPG) MarkExpired(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE payment SET status = 'EXPIRED', updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *paymentRepoPG) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*Payment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+paymentCols+` FROM payment
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	return r.scanRows(rows)
}
