package payment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clinic/clinic/internal/domain/appointment"
	"github.com/clinic/clinic/internal/platform/gateway"
)

// mockRepo is an in-memory ledger with the same guarded updates as the
// Postgres repository. It stores and returns copies.
type mockRepo struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]*Payment
	seq   map[uuid.UUID]int
	next  int
	clock func() time.Time

	upsertErr error
	updateErr error
}

func newMockRepo(clock func() time.Time) *mockRepo {
	return &mockRepo{rows: make(map[uuid.UUID]*Payment), seq: make(map[uuid.UUID]int), clock: clock}
}

func clone(p *Payment) *Payment {
	cp := *p
	return &cp
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(p), nil
}

func (m *mockRepo) GetBySessionID(_ context.Context, sessionID string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.rows {
		if p.SessionID != nil && *p.SessionID == sessionID {
			return clone(p), nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) FindLatest(_ context.Context, appointmentID uuid.UUID, purpose Purpose) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Payment
	for _, p := range m.rows {
		if p.AppointmentID != appointmentID || p.Purpose != purpose {
			continue
		}
		switch {
		case best == nil:
			best = p
		case p.Status == StatusPending && best.Status != StatusPending:
			best = p
		case (p.Status == StatusPending) == (best.Status == StatusPending) && m.seq[p.ID] > m.seq[best.ID]:
			best = p
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return clone(best), nil
}

func (m *mockRepo) ListByAppointment(_ context.Context, appointmentID uuid.UUID) ([]*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Payment
	for _, p := range m.rows {
		if p.AppointmentID == appointmentID {
			out = append(out, clone(p))
		}
	}
	return out, nil
}

func (m *mockRepo) Search(_ context.Context, params map[string]string, limit, offset int) ([]*Payment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Payment
	for _, p := range m.rows {
		if v, ok := params["appointment_id"]; ok && p.AppointmentID.String() != v {
			continue
		}
		if v, ok := params["status"]; ok && string(p.Status) != v {
			continue
		}
		if v, ok := params["purpose"]; ok && string(p.Purpose) != v {
			continue
		}
		out = append(out, clone(p))
	}
	total := len(out)
	if offset >= len(out) {
		return []*Payment{}, total, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (m *mockRepo) Upsert(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	for id, existing := range m.rows {
		if existing.AppointmentID == p.AppointmentID && existing.Purpose == p.Purpose && existing.Status == StatusPending {
			p.ID = id
			p.CreatedAt = existing.CreatedAt
			p.UpdatedAt = m.clock()
			m.rows[id] = clone(p)
			return nil
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = m.clock()
	p.UpdatedAt = p.CreatedAt
	m.next++
	m.seq[p.ID] = m.next
	m.rows[p.ID] = clone(p)
	return nil
}

func (m *mockRepo) Update(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	existing, ok := m.rows[p.ID]
	if !ok {
		return ErrNotFound
	}
	cp := clone(p)
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = m.clock()
	m.rows[p.ID] = cp
	return nil
}

func (m *mockRepo) MarkPaid(_ context.Context, id uuid.UUID, chargeID *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok || (p.Status != StatusPending && p.Status != StatusExpired) {
		return false, nil
	}
	p.Status = StatusPaid
	if chargeID != nil {
		p.ChargeID = chargeID
	}
	return true, nil
}

func (m *mockRepo) MarkExpired(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok || p.Status != StatusPending {
		return false, nil
	}
	p.Status = StatusExpired
	return true, nil
}

func (m *mockRepo) ListStalePending(_ context.Context, createdBefore time.Time, limit int) ([]*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Payment
	for _, p := range m.rows {
		if p.Status == StatusPending && p.CreatedAt.Before(createdBefore) {
			out = append(out, clone(p))
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockRepo) put(p *Payment) *Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	m.next++
	m.seq[p.ID] = m.next
	m.rows[p.ID] = clone(p)
	return p
}

func (m *mockRepo) forPurpose(appointmentID uuid.UUID, purpose Purpose) []*Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Payment
	for _, p := range m.rows {
		if p.AppointmentID == appointmentID && p.Purpose == purpose {
			out = append(out, clone(p))
		}
	}
	return out
}

type mockPenalties map[uuid.UUID]decimal.Decimal

func (m mockPenalties) PenaltyBalance(_ context.Context, patientID uuid.UUID) (decimal.Decimal, error) {
	return m[patientID], nil
}

type paidRecorder struct {
	mu   sync.Mutex
	paid []*Payment
}

func (r *paidRecorder) PaymentPaid(_ context.Context, p *Payment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paid = append(r.paid, p)
}

func (r *paidRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paid)
}

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	repo      *mockRepo
	gw        *gateway.Fake
	penalties mockPenalties
	paid      *paidRecorder
	engine    *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := func() time.Time { return testNow }
	f := &fixture{
		repo:      newMockRepo(clock),
		gw:        gateway.NewFake("whsec_test"),
		penalties: mockPenalties{},
		paid:      &paidRecorder{},
	}
	f.engine = NewEngine(f.repo, f.gw, f.penalties, zerolog.Nop(),
		WithClock(clock), WithPaidListener(f.paid))
	return f
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// appointmentIn returns a BOOKED appointment starting d after testNow.
func appointmentIn(d time.Duration, price string) *appointment.Appointment {
	return &appointment.Appointment{
		ID:          uuid.New(),
		PatientID:   uuid.New(),
		DoctorID:    uuid.New(),
		Status:      appointment.StatusBooked,
		ScheduledAt: testNow.Add(d),
		EndsAt:      testNow.Add(d + 30*time.Minute),
		Price:       dec(price),
	}
}

func expectAmount(t *testing.T, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Errorf("expected amount %s, got %s", want, got.StringFixed(2))
	}
}

func expectStatus(t *testing.T, p *Payment, want Status) {
	t.Helper()
	if p == nil {
		t.Fatalf("expected payment with status %s, got nil", want)
	}
	if p.Status != want {
		t.Errorf("expected status %s, got %s", want, p.Status)
	}
}
