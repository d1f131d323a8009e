package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clinic/clinic/internal/domain/appointment"
	"github.com/clinic/clinic/internal/platform/gateway"
)

// Engine reconciles the payment ledger with appointment transitions. All
// ledger writes for one appointment happen under that appointment's lock.
type Engine struct {
	repo      Repository
	gateway   gateway.Gateway
	penalties PenaltyReader
	locker    Locker
	listeners []PaidListener
	currency  string
	logger    zerolog.Logger
	now       func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithCurrency sets the ISO currency code used for new sessions.
func WithCurrency(currency string) EngineOption {
	return func(e *Engine) { e.currency = currency }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithPaidListener registers a listener for payments that become PAID.
func WithPaidListener(l PaidListener) EngineOption {
	return func(e *Engine) { e.listeners = append(e.listeners, l) }
}

// WithLocker replaces the default in-process locker.
func WithLocker(l Locker) EngineOption {
	return func(e *Engine) { e.locker = l }
}

func NewEngine(repo Repository, gw gateway.Gateway, penalties PenaltyReader, logger zerolog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		repo:      repo,
		gateway:   gw,
		penalties: penalties,
		locker:    NewLocalLocker(),
		currency:  "usd",
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) lock(ctx context.Context, appointmentID uuid.UUID) (func(), error) {
	unlock, err := e.locker.Lock(ctx, appointmentLockKey(appointmentID))
	if err != nil {
		return nil, fmt.Errorf("lock appointment %s: %w", appointmentID, err)
	}
	return unlock, nil
}

func (e *Engine) findLatest(ctx context.Context, appointmentID uuid.UUID, purpose Purpose) (*Payment, error) {
	p, err := e.repo.FindLatest(ctx, appointmentID, purpose)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find %s payment: %w", purpose, err)
	}
	return p, nil
}

// Reconcile brings the ledger in line with appt having moved to status.
// It returns the payment row the transition is about, which may be nil when
// nothing is owed and nothing was recorded.
func (e *Engine) Reconcile(ctx context.Context, appt *appointment.Appointment, status appointment.Status) (*Payment, error) {
	unlock, err := e.lock(ctx, appt.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	log := e.logger.With().
		Str("appointment_id", appt.ID.String()).
		Str("transition", string(status)).
		Logger()
	ctx = log.WithContext(ctx)

	var p *Payment
	switch status {
	case appointment.StatusBooked:
		p, err = e.chargeConsultation(ctx, appt, false)
	case appointment.StatusCompleted:
		p, err = e.chargeConsultation(ctx, appt, true)
	case appointment.StatusCancelled:
		p, err = e.cancel(ctx, appt)
	case appointment.StatusNoShow:
		p, err = e.chargeNoShow(ctx, appt)
	default:
		return nil, fmt.Errorf("reconcile: unknown appointment status %q", status)
	}
	if err != nil {
		log.Error().Err(err).Msg("reconciliation failed")
		return nil, err
	}
	if p != nil {
		log.Info().
			Str("payment_id", p.ID.String()).
			Str("purpose", string(p.Purpose)).
			Str("status", string(p.Status)).
			Str("owed_amount", p.OwedAmount.StringFixed(2)).
			Msg("reconciled")
	}
	return p, nil
}

// chargeConsultation opens or renews the consultation session. With
// idempotent set, an existing PENDING row is left alone.
func (e *Engine) chargeConsultation(ctx context.Context, appt *appointment.Appointment, idempotent bool) (*Payment, error) {
	penalty, err := e.penalties.PenaltyBalance(ctx, appt.PatientID)
	if err != nil {
		return nil, fmt.Errorf("read penalty balance: %w", err)
	}
	amount, err := AmountOwed(appt, PurposeConsultation, appt.ScheduledAt.Sub(e.now()), penalty)
	if err != nil {
		return nil, err
	}

	existing, err := e.findLatest(ctx, appt.ID, PurposeConsultation)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		switch existing.Status {
		case StatusPaid, StatusPartiallyRefunded, StatusRefunded:
			return existing, nil
		case StatusPending:
			if idempotent {
				return existing, nil
			}
		case StatusExpired:
		}
	}
	return e.openSession(ctx, appt, PurposeConsultation, amount, existing)
}

func (e *Engine) cancel(ctx context.Context, appt *appointment.Appointment) (*Payment, error) {
	fee, err := AmountOwed(appt, PurposeCancellationFee, appt.ScheduledAt.Sub(e.now()), decimal.Zero)
	if err != nil {
		return nil, err
	}

	consult, err := e.findLatest(ctx, appt.ID, PurposeConsultation)
	if err != nil {
		return nil, err
	}
	if consult != nil && consult.Status == StatusPending {
		// The patient may have paid moments ago; settle before deciding.
		if consult, err = e.settleOrExpire(ctx, consult); err != nil {
			return nil, err
		}
	}
	feeRow, err := e.findLatest(ctx, appt.ID, PurposeCancellationFee)
	if err != nil {
		return nil, err
	}

	if fee.IsZero() {
		if consult != nil {
			switch consult.Status {
			case StatusPaid, StatusPartiallyRefunded:
				if _, err := e.refundLocked(ctx, consult, 100); err != nil && !errors.Is(err, ErrNothingToRefund) {
					return nil, err
				}
			case StatusPending, StatusExpired, StatusRefunded:
			}
		}
		return e.recordZero(ctx, appt, PurposeCancellationFee, feeRow)
	}

	if consult != nil {
		switch consult.Status {
		case StatusPaid:
			refunded, err := e.refundLocked(ctx, consult, 50)
			if err != nil {
				if !errors.Is(err, ErrNothingToRefund) {
					return nil, err
				}
				zerolog.Ctx(ctx).Warn().Str("payment_id", consult.ID.String()).Msg("cancellation refund rounds to zero")
				return consult, nil
			}
			return refunded, nil
		case StatusPartiallyRefunded, StatusRefunded:
			// Already refunded by an earlier run of this transition.
			return consult, nil
		case StatusPending, StatusExpired:
		}
	}

	if feeRow != nil && feeRow.Status.Settled() {
		return feeRow, nil
	}
	return e.openSession(ctx, appt, PurposeCancellationFee, fee, feeRow)
}

func (e *Engine) chargeNoShow(ctx context.Context, appt *appointment.Appointment) (*Payment, error) {
	fee, err := AmountOwed(appt, PurposeNoShowFee, appt.ScheduledAt.Sub(e.now()), decimal.Zero)
	if err != nil {
		return nil, err
	}

	consult, err := e.findLatest(ctx, appt.ID, PurposeConsultation)
	if err != nil {
		return nil, err
	}
	if consult != nil && consult.Status == StatusPending {
		if _, err := e.settleOrExpire(ctx, consult); err != nil {
			return nil, err
		}
	}

	feeRow, err := e.findLatest(ctx, appt.ID, PurposeNoShowFee)
	if err != nil {
		return nil, err
	}
	if feeRow != nil && feeRow.Status.Settled() {
		return feeRow, nil
	}
	return e.openSession(ctx, appt, PurposeNoShowFee, fee, feeRow)
}

// openSession creates a processor session for amount and writes it to the
// ledger, reusing existing when it is PENDING or EXPIRED. The session is
// created before the row is written so the row never names a session the
// processor does not have.
func (e *Engine) openSession(ctx context.Context, appt *appointment.Appointment, purpose Purpose, amount decimal.Decimal, existing *Payment) (*Payment, error) {
	if !amount.IsPositive() {
		return e.recordZero(ctx, appt, purpose, existing)
	}

	if existing != nil && existing.Status == StatusPending && existing.SessionID != nil {
		paid, err := e.paidAtGateway(ctx, existing)
		if err != nil {
			return nil, err
		}
		if paid != nil {
			return paid, nil
		}
		e.expireQuietly(ctx, *existing.SessionID)
	}

	session, err := e.gateway.CreateSession(ctx, gateway.SessionRequest{
		Amount:      amount,
		Currency:    e.currency,
		Description: describe(purpose, appt),
		Metadata: map[string]string{
			"appointment_id": appt.ID.String(),
			"purpose":        string(purpose),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create %s session: %w", purpose, err)
	}

	p := &Payment{AppointmentID: appt.ID, Purpose: purpose}
	if existing != nil {
		cp := *existing
		p = &cp
	}
	p.Status = StatusPending
	p.OwedAmount = amount
	p.Currency = e.currency
	p.SessionID = &session.ID
	p.SessionURL = &session.URL
	p.ChargeID = nil

	if err := e.write(ctx, p); err != nil {
		zerolog.Ctx(ctx).Warn().Str("session_id", session.ID).Msg("session created but not recorded")
		return nil, fmt.Errorf("record %s payment: %w", purpose, err)
	}
	return p, nil
}

// recordZero records that nothing is owed for purpose: the row is kept with
// amount 0 and status EXPIRED.
func (e *Engine) recordZero(ctx context.Context, appt *appointment.Appointment, purpose Purpose, existing *Payment) (*Payment, error) {
	p := &Payment{AppointmentID: appt.ID, Purpose: purpose, Currency: e.currency}
	if existing != nil {
		switch existing.Status {
		case StatusPaid, StatusPartiallyRefunded, StatusRefunded:
			return existing, nil
		case StatusPending:
			if existing.SessionID != nil {
				paid, err := e.paidAtGateway(ctx, existing)
				if err != nil {
					return nil, err
				}
				if paid != nil {
					return paid, nil
				}
				e.expireQuietly(ctx, *existing.SessionID)
			}
		case StatusExpired:
		}
		cp := *existing
		p = &cp
	}
	p.Status = StatusExpired
	p.OwedAmount = decimal.Zero

	if err := e.write(ctx, p); err != nil {
		return nil, fmt.Errorf("record zero %s payment: %w", purpose, err)
	}
	return p, nil
}

func (e *Engine) write(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		return e.repo.Upsert(ctx, p)
	}
	return e.repo.Update(ctx, p)
}

// paidAtGateway asks the processor about a PENDING row's session before the
// engine replaces or abandons it. A paid session is recorded and the reloaded
// row returned; otherwise it returns nil. A failed lookup is returned as is:
// the session may have been paid, so nothing may be expired on a guess.
func (e *Engine) paidAtGateway(ctx context.Context, p *Payment) (*Payment, error) {
	s, err := e.gateway.RetrieveSession(ctx, *p.SessionID)
	if err != nil {
		return nil, fmt.Errorf("check %s session before replacing it: %w", p.Purpose, err)
	}
	if s.Status != gateway.SessionPaid {
		return nil, nil
	}
	if _, err := e.markPaidLocked(ctx, p, s.ChargeID); err != nil {
		return nil, err
	}
	return e.repo.GetByID(ctx, p.ID)
}

// settleOrExpire resolves a PENDING row before the engine abandons it: a
// session the processor reports paid is marked PAID, anything else is
// expired at the processor and locally.
func (e *Engine) settleOrExpire(ctx context.Context, p *Payment) (*Payment, error) {
	if p.SessionID != nil {
		paid, err := e.paidAtGateway(ctx, p)
		if err != nil {
			return nil, err
		}
		if paid != nil {
			return paid, nil
		}
		e.expireQuietly(ctx, *p.SessionID)
	}

	if _, err := e.repo.MarkExpired(ctx, p.ID); err != nil {
		return nil, fmt.Errorf("expire payment %s: %w", p.ID, err)
	}
	return e.repo.GetByID(ctx, p.ID)
}

// expireQuietly expires a processor session; failures are logged and dropped.
func (e *Engine) expireQuietly(ctx context.Context, sessionID string) {
	if err := e.gateway.ExpireSession(ctx, sessionID); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Str("session_id", sessionID).Msg("expire session ignored")
	}
}

// Renew gives a PENDING or EXPIRED payment a payable session again.
func (e *Engine) Renew(ctx context.Context, id uuid.UUID) (*Payment, error) {
	p, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := e.lock(ctx, p.AppointmentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if p, err = e.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	ctx = e.logger.With().Str("payment_id", p.ID.String()).Logger().WithContext(ctx)

	switch p.Status {
	case StatusPaid, StatusPartiallyRefunded, StatusRefunded:
		return nil, &PolicyError{Op: "renew", Reason: "payment is already paid"}
	case StatusPending, StatusExpired:
	}
	if !p.OwedAmount.IsPositive() {
		return nil, &PolicyError{Op: "renew", Reason: "nothing to renew, owed amount is zero"}
	}

	if p.SessionID != nil {
		s, err := e.gateway.RetrieveSession(ctx, *p.SessionID)
		if err != nil {
			return nil, fmt.Errorf("renew: retrieve session: %w", err)
		}
		switch s.Status {
		case gateway.SessionPaid:
			if _, err := e.markPaidLocked(ctx, p, s.ChargeID); err != nil {
				return nil, err
			}
			return e.repo.GetByID(ctx, p.ID)
		case gateway.SessionOpen:
			if p.Status == StatusPending && p.SessionURL != nil && *p.SessionURL == s.URL {
				return p, nil
			}
			p.Status = StatusPending
			p.SessionURL = &s.URL
			if err := e.repo.Update(ctx, p); err != nil {
				return nil, fmt.Errorf("renew: %w", err)
			}
			return p, nil
		case gateway.SessionExpired:
		}
	}

	session, err := e.gateway.CreateSession(ctx, gateway.SessionRequest{
		Amount:      p.OwedAmount,
		Currency:    p.Currency,
		Description: describe(p.Purpose, nil),
		Metadata: map[string]string{
			"appointment_id": p.AppointmentID.String(),
			"purpose":        string(p.Purpose),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("renew: create session: %w", err)
	}
	if p.SessionID != nil {
		e.expireQuietly(ctx, *p.SessionID)
	}

	p.Status = StatusPending
	p.SessionID = &session.ID
	p.SessionURL = &session.URL
	if err := e.repo.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("renew: %w", err)
	}
	zerolog.Ctx(ctx).Info().Str("session_id", session.ID).Msg("payment session renewed")
	return p, nil
}

// Refund returns pct percent of the owed amount to the patient.
func (e *Engine) Refund(ctx context.Context, id uuid.UUID, pct int) (*Payment, error) {
	p, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := e.lock(ctx, p.AppointmentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if p, err = e.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return e.refundLocked(ctx, p, pct)
}

func (e *Engine) refundLocked(ctx context.Context, p *Payment, pct int) (*Payment, error) {
	if pct <= 0 || pct > 100 {
		return nil, &PolicyError{Op: "refund", Reason: fmt.Sprintf("percentage must be between 1 and 100, got %d", pct)}
	}
	switch p.Status {
	case StatusPaid, StatusPartiallyRefunded:
	case StatusPending, StatusExpired:
		return nil, &PolicyError{Op: "refund", Reason: "payment has not been paid"}
	case StatusRefunded:
		return nil, &PolicyError{Op: "refund", Reason: "payment is already fully refunded"}
	}

	chargeID := ""
	if p.ChargeID != nil {
		chargeID = *p.ChargeID
	}
	if chargeID == "" {
		if p.SessionID == nil {
			return nil, &PolicyError{Op: "refund", Reason: "payment has no session to resolve a charge from"}
		}
		s, err := e.gateway.RetrieveSession(ctx, *p.SessionID)
		if err != nil {
			return nil, fmt.Errorf("refund: retrieve session: %w", err)
		}
		if s.ChargeID == "" {
			return nil, &PolicyError{Op: "refund", Reason: "session has no captured charge"}
		}
		chargeID = s.ChargeID
	}

	minor := RefundMinorUnits(p.OwedAmount, pct)
	if minor <= 0 {
		return nil, ErrNothingToRefund
	}

	refundID, err := e.gateway.Refund(ctx, chargeID, minor)
	if err != nil {
		return nil, fmt.Errorf("refund: %w", err)
	}

	updated := *p
	updated.ChargeID = &chargeID
	updated.OwedAmount = p.OwedAmount.Sub(gateway.FromMinorUnits(minor))
	if pct == 100 {
		updated.Status = StatusRefunded
	} else {
		updated.Status = StatusPartiallyRefunded
	}
	if err := e.repo.Update(ctx, &updated); err != nil {
		return nil, fmt.Errorf("record refund %s: %w", refundID, err)
	}

	e.logger.Info().
		Str("payment_id", p.ID.String()).
		Str("refund_id", refundID).
		Int64("amount_minor", minor).
		Int("percentage", pct).
		Msg("payment refunded")
	return &updated, nil
}

// ApplySession converges a row with processor truth: paid becomes PAID,
// expired becomes EXPIRED, open changes nothing. It reports whether the
// row changed.
func (e *Engine) ApplySession(ctx context.Context, p *Payment, s *gateway.Session) (bool, error) {
	unlock, err := e.lock(ctx, p.AppointmentID)
	if err != nil {
		return false, err
	}
	defer unlock()

	switch s.Status {
	case gateway.SessionPaid:
		return e.markPaidLocked(ctx, p, s.ChargeID)
	case gateway.SessionExpired:
		changed, err := e.repo.MarkExpired(ctx, p.ID)
		if err != nil {
			return false, fmt.Errorf("expire payment %s: %w", p.ID, err)
		}
		return changed, nil
	case gateway.SessionOpen:
		return false, nil
	}
	return false, fmt.Errorf("unknown session status %q", s.Status)
}

// Confirm checks a session with the processor and applies its state. It
// backs the redirect the processor sends the patient to after checkout.
func (e *Engine) Confirm(ctx context.Context, sessionID string) (*Payment, error) {
	p, err := e.repo.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s, err := e.gateway.RetrieveSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("confirm: retrieve session: %w", err)
	}
	if _, err := e.ApplySession(ctx, p, s); err != nil {
		return nil, err
	}
	return e.repo.GetByID(ctx, p.ID)
}

func (e *Engine) markPaidLocked(ctx context.Context, p *Payment, chargeID string) (bool, error) {
	var charge *string
	if chargeID != "" {
		charge = &chargeID
	}
	changed, err := e.repo.MarkPaid(ctx, p.ID, charge)
	if err != nil {
		return false, fmt.Errorf("mark payment %s paid: %w", p.ID, err)
	}
	if !changed {
		return false, nil
	}

	paid, err := e.repo.GetByID(ctx, p.ID)
	if err != nil {
		return true, fmt.Errorf("reload paid payment: %w", err)
	}
	e.logger.Info().
		Str("payment_id", paid.ID.String()).
		Str("appointment_id", paid.AppointmentID.String()).
		Str("purpose", string(paid.Purpose)).
		Msg("payment paid")
	for _, l := range e.listeners {
		l.PaymentPaid(ctx, paid)
	}
	return true, nil
}

func describe(purpose Purpose, appt *appointment.Appointment) string {
	var label string
	switch purpose {
	case PurposeConsultation:
		label = "Consultation"
	case PurposeCancellationFee:
		label = "Late cancellation fee"
	case PurposeNoShowFee:
		label = "No-show fee"
	default:
		label = string(purpose)
	}
	if appt == nil {
		return label
	}
	return fmt.Sprintf("%s, appointment on %s", label, appt.ScheduledAt.UTC().Format("2006-01-02 15:04 MST"))
}
