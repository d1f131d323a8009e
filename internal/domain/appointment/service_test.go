package appointment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// -- Mock Repositories --

type mockAppointmentRepo struct {
	appts     map[uuid.UUID]*Appointment
	log  []string
	// lost makes UpdateStatus behave as if another writer got there first.
	lost bool
}

func newMockAppointmentRepo() *mockAppointmentRepo {
	return &mockAppointmentRepo{appts: make(map[uuid.UUID]*Appointment)}
}

func (m *mockAppointmentRepo) Create(_ context.Context, a *Appointment) error {
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	m.appts[a.ID] = &cp
	return nil
}

func (m *mockAppointmentRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockAppointmentRepo) Search(_ context.Context, params map[string]string, limit, offset int) ([]*Appointment, int, error) {
	var result []*Appointment
	for _, a := range m.appts {
		if v, ok := params["status"]; ok && string(a.Status) != v {
			continue
		}
		result = append(result, a)
	}
	return result, len(result), nil
}

func (m *mockAppointmentRepo) UpdateStatus(_ context.Context, id uuid.UUID, from, to Status) (bool, error) {
	if m.lost {
		return false, nil
	}
	a, ok := m.appts[id]
	if !ok || a.Status != from {
		return false, nil
	}
	a.Status = to
	return true, nil
}

func (m *mockAppointmentRepo) LogStatus(_ context.Context, id uuid.UUID, from, to Status) error {
	m.log = append(m.log, fmt.Sprintf("%s->%s", from, to))
	return nil
}

func (m *mockAppointmentRepo) SetPaymentConfirmed(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	a, ok := m.appts[id]
	if !ok || a.PaymentConfirmedAt != nil {
		return false, nil
	}
	a.PaymentConfirmedAt = &at
	return true, nil
}

func (m *mockAppointmentRepo) ListOverdueBooked(_ context.Context, t time.Time, limit int) ([]*Appointment, error) {
	var result []*Appointment
	for _, a := range m.appts {
		if a.Status == StatusBooked && a.EndsAt.Before(t) {
			cp := *a
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *mockAppointmentRepo) HasOverlap(_ context.Context, doctorID uuid.UUID, start, end time.Time) (bool, error) {
	for _, a := range m.appts {
		if a.DoctorID == doctorID && a.Status == StatusBooked && a.ScheduledAt.Before(end) && start.Before(a.EndsAt) {
			return true, nil
		}
	}
	return false, nil
}

type mockDoctorRepo struct {
	doctors map[uuid.UUID]*Doctor
}

func (m *mockDoctorRepo) Create(_ context.Context, d *Doctor) error {
	d.ID = uuid.New()
	m.doctors[d.ID] = d
	return nil
}

func (m *mockDoctorRepo) GetByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	d, ok := m.doctors[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

func (m *mockDoctorRepo) List(_ context.Context, limit, offset int) ([]*Doctor, int, error) {
	var result []*Doctor
	for _, d := range m.doctors {
		result = append(result, d)
	}
	return result, len(result), nil
}

// mockPatientRepo stands in for the ledger with per-patient fee and unpaid
// totals.
type mockPatientRepo struct {
	patients map[uuid.UUID]*Patient
	fees     map[uuid.UUID]decimal.Decimal
	unpaid   map[uuid.UUID]decimal.Decimal
}

func (m *mockPatientRepo) Create(_ context.Context, p *Patient) error {
	p.ID = uuid.New()
	m.patients[p.ID] = p
	return nil
}

func (m *mockPatientRepo) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	cp.PenaltyBalance = m.fees[id]
	cp.TotalUnpaid = m.unpaid[id]
	return &cp, nil
}

func (m *mockPatientRepo) PenaltyBalance(_ context.Context, id uuid.UUID) (decimal.Decimal, error) {
	if _, ok := m.patients[id]; !ok {
		return decimal.Zero, ErrNotFound
	}
	return m.fees[id], nil
}

// directTx runs fn without a transaction.
type directTx struct{}

func (directTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type recordingDispatcher struct {
	mu   sync.Mutex
	msgs []Transitioned
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, msg Transitioned) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.msgs = append(d.msgs, msg)
	return nil
}

func (d *recordingDispatcher) last() Transitioned {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.msgs[len(d.msgs)-1]
}

type recordingNotifier struct {
	created []uuid.UUID
	changes []string
	noShows int
}

func (n *recordingNotifier) AppointmentCreated(_ context.Context, a *Appointment) {
	n.created = append(n.created, a.ID)
}

func (n *recordingNotifier) AppointmentStatusChanged(_ context.Context, a *Appointment, old Status) {
	n.changes = append(n.changes, fmt.Sprintf("%s->%s", old, a.Status))
}

func (n *recordingNotifier) NoShowSummary(_ context.Context, marked []*Appointment) {
	n.noShows = len(marked)
}

var serviceNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type serviceFixture struct {
	svc        *Service
	appts      *mockAppointmentRepo
	doctors    *mockDoctorRepo
	patients   *mockPatientRepo
	dispatcher *recordingDispatcher
	notifier   *recordingNotifier
	doctor     *Doctor
	patient    *Patient
}

func newTestService() *serviceFixture {
	f := &serviceFixture{
		appts:      newMockAppointmentRepo(),
		doctors:    &mockDoctorRepo{doctors: make(map[uuid.UUID]*Doctor)},
		patients: &mockPatientRepo{
			patients: make(map[uuid.UUID]*Patient),
			fees:     make(map[uuid.UUID]decimal.Decimal),
			unpaid:   make(map[uuid.UUID]decimal.Decimal),
		},
		dispatcher: &recordingDispatcher{},
		notifier:   &recordingNotifier{},
	}
	f.svc = NewService(f.appts, f.doctors, f.patients, directTx{}, f.dispatcher, zerolog.Nop())
	f.svc.SetNotifier(f.notifier)
	f.svc.now = func() time.Time { return serviceNow }

	f.doctor = &Doctor{Name: "Dr. Ramos", PricePerVisit: decimal.RequireFromString("40.00")}
	f.doctors.Create(context.Background(), f.doctor)
	f.patient = &Patient{Name: "Ana Lima"}
	f.patients.Create(context.Background(), f.patient)
	return f
}

func (f *serviceFixture) book(t *testing.T, in time.Duration) *Appointment {
	t.Helper()
	a, err := f.svc.Book(context.Background(), BookRequest{
		PatientID:   f.patient.ID,
		DoctorID:    f.doctor.ID,
		ScheduledAt: serviceNow.Add(in),
		EndsAt:      serviceNow.Add(in + 30*time.Minute),
	})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	return a
}

func TestService_Book(t *testing.T) {
	f := newTestService()
	a := f.book(t, 48*time.Hour)

	if a.Status != StatusBooked {
		t.Errorf("expected BOOKED, got %s", a.Status)
	}
	if !a.Price.Equal(f.doctor.PricePerVisit) {
		t.Errorf("expected price %s, got %s", f.doctor.PricePerVisit, a.Price)
	}
	msg := f.dispatcher.last()
	if msg.AppointmentID != a.ID || msg.NewStatus != StatusBooked || msg.OldStatus != "" {
		t.Errorf("unexpected dispatch: %+v", msg)
	}
	if len(f.notifier.created) != 1 {
		t.Errorf("expected creation notice, got %d", len(f.notifier.created))
	}
	if len(f.appts.log) != 1 || f.appts.log[0] != "->BOOKED" {
		t.Errorf("expected status log [->BOOKED], got %v", f.appts.log)
	}
}

func TestService_Book_PriceSnapshot(t *testing.T) {
	f := newTestService()
	a := f.book(t, 48*time.Hour)
	f.doctor.PricePerVisit = decimal.RequireFromString("99.00")

	got, _ := f.svc.GetAppointment(context.Background(), a.ID)
	if !got.Price.Equal(decimal.RequireFromString("40.00")) {
		t.Errorf("expected booked price to stay 40.00, got %s", got.Price)
	}
}

func TestService_Book_Validation(t *testing.T) {
	f := newTestService()
	start := serviceNow.Add(time.Hour)
	tests := []struct {
		name string
		req  BookRequest
	}{
		{"missing patient", BookRequest{DoctorID: f.doctor.ID, ScheduledAt: start, EndsAt: start.Add(time.Hour)}},
		{"missing doctor", BookRequest{PatientID: f.patient.ID, ScheduledAt: start, EndsAt: start.Add(time.Hour)}},
		{"ends before start", BookRequest{PatientID: f.patient.ID, DoctorID: f.doctor.ID, ScheduledAt: start, EndsAt: start}},
		{"in the past", BookRequest{PatientID: f.patient.ID, DoctorID: f.doctor.ID, ScheduledAt: serviceNow.Add(-time.Hour), EndsAt: serviceNow}},
		{"unknown doctor", BookRequest{PatientID: f.patient.ID, DoctorID: uuid.New(), ScheduledAt: start, EndsAt: start.Add(time.Hour)}},
		{"unknown patient", BookRequest{PatientID: uuid.New(), DoctorID: f.doctor.ID, ScheduledAt: start, EndsAt: start.Add(time.Hour)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Book(context.Background(), tt.req); err == nil {
				t.Error("expected error")
			}
		})
	}
	if len(f.dispatcher.msgs) != 0 {
		t.Errorf("expected no dispatches, got %d", len(f.dispatcher.msgs))
	}
}

func TestService_Book_Overlap(t *testing.T) {
	f := newTestService()
	f.book(t, 48*time.Hour)
	_, err := f.svc.Book(context.Background(), BookRequest{
		PatientID:   f.patient.ID,
		DoctorID:    f.doctor.ID,
		ScheduledAt: serviceNow.Add(48*time.Hour + 15*time.Minute),
		EndsAt:      serviceNow.Add(49 * time.Hour),
	})
	if err == nil {
		t.Error("expected overlap error")
	}
}

func TestService_Cancel(t *testing.T) {
	f := newTestService()
	a := f.book(t, 48*time.Hour)

	got, err := f.svc.Cancel(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", got.Status)
	}
	msg := f.dispatcher.last()
	if msg.OldStatus != StatusBooked || msg.NewStatus != StatusCancelled {
		t.Errorf("unexpected dispatch: %+v", msg)
	}
	if len(f.notifier.changes) != 1 || f.notifier.changes[0] != "BOOKED->CANCELLED" {
		t.Errorf("expected status change notice, got %v", f.notifier.changes)
	}

	if _, err := f.svc.Cancel(context.Background(), a.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on second cancel, got %v", err)
	}
}

func TestService_Complete_Redispatches(t *testing.T) {
	f := newTestService()
	a := f.book(t, 48*time.Hour)

	if _, err := f.svc.Complete(context.Background(), a.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.svc.Complete(context.Background(), a.ID); err != nil {
		t.Fatalf("expected completing twice to succeed, got %v", err)
	}
	if n := len(f.dispatcher.msgs); n != 3 {
		t.Errorf("expected 3 dispatches, got %d", n)
	}
	if n := len(f.notifier.changes); n != 1 {
		t.Errorf("expected one status change, got %d", n)
	}
	if n := len(f.appts.log); n != 2 {
		t.Errorf("expected 2 log entries, got %d", n)
	}

	b := f.book(t, 72*time.Hour)
	f.svc.Cancel(context.Background(), b.ID)
	if _, err := f.svc.Complete(context.Background(), b.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestService_MarkNoShow(t *testing.T) {
	f := newTestService()
	a := f.book(t, 2*time.Hour)

	if _, err := f.svc.MarkNoShow(context.Background(), a.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition before start, got %v", err)
	}

	f.svc.now = func() time.Time { return serviceNow.Add(3 * time.Hour) }
	got, err := f.svc.MarkNoShow(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusNoShow {
		t.Errorf("expected NO_SHOW, got %s", got.Status)
	}
}

func TestService_DispatchFailure(t *testing.T) {
	f := newTestService()
	a := f.book(t, 48*time.Hour)
	f.dispatcher.err = errors.New("broker down")

	got, err := f.svc.Cancel(context.Background(), a.ID)
	if !errors.Is(err, ErrDispatch) {
		t.Fatalf("expected ErrDispatch, got %v", err)
	}
	if got == nil || got.Status != StatusCancelled {
		t.Fatal("expected the committed appointment alongside the dispatch error")
	}
	stored, _ := f.svc.GetAppointment(context.Background(), a.ID)
	if stored.Status != StatusCancelled {
		t.Errorf("expected status to stay committed, got %s", stored.Status)
	}

	f.dispatcher.err = nil
	if _, err := f.svc.Redispatch(context.Background(), a.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg := f.dispatcher.last(); msg.NewStatus != StatusCancelled {
		t.Errorf("expected redispatch of CANCELLED, got %s", msg.NewStatus)
	}
}

func TestService_ConcurrentChange(t *testing.T) {
	f := newTestService()
	a := f.book(t, 48*time.Hour)
	f.appts.lost = true

	if _, err := f.svc.Cancel(context.Background(), a.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if n := len(f.dispatcher.msgs); n != 1 {
		t.Errorf("expected no dispatch for the lost write, got %d total", n)
	}
}

func TestService_ConfirmPayment(t *testing.T) {
	f := newTestService()
	a := f.book(t, 48*time.Hour)

	changed, err := f.svc.ConfirmPayment(context.Background(), a.ID)
	if err != nil || !changed {
		t.Fatalf("expected first confirmation to change the row, got %v, %v", changed, err)
	}
	changed, _ = f.svc.ConfirmPayment(context.Background(), a.ID)
	if changed {
		t.Error("expected second confirmation to be a no-op")
	}
	got, _ := f.svc.GetAppointment(context.Background(), a.ID)
	if got.PaymentConfirmedAt == nil || !got.PaymentConfirmedAt.Equal(serviceNow) {
		t.Errorf("expected payment_confirmed_at %s, got %v", serviceNow, got.PaymentConfirmedAt)
	}
}

func TestService_MarkOverdueNoShows(t *testing.T) {
	f := newTestService()
	overdue := f.book(t, time.Hour)
	future := f.book(t, 48*time.Hour)
	done := f.book(t, 2*time.Hour)
	f.svc.Complete(context.Background(), done.ID)

	f.svc.now = func() time.Time { return serviceNow.Add(4 * time.Hour) }
	marked, err := f.svc.MarkOverdueNoShows(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(marked) != 1 || marked[0].ID != overdue.ID {
		t.Fatalf("expected only the overdue appointment, got %d", len(marked))
	}
	if f.notifier.noShows != 1 {
		t.Errorf("expected summary of 1, got %d", f.notifier.noShows)
	}
	got, _ := f.svc.GetAppointment(context.Background(), future.ID)
	if got.Status != StatusBooked {
		t.Errorf("expected future appointment to stay BOOKED, got %s", got.Status)
	}
}

func TestService_Patients(t *testing.T) {
	f := newTestService()
	if err := f.svc.CreatePatient(context.Background(), &Patient{}); err == nil {
		t.Error("expected error for missing name")
	}
	if err := f.svc.CreateDoctor(context.Background(), &Doctor{Name: "Dr. X", PricePerVisit: decimal.NewFromInt(-5)}); err == nil {
		t.Error("expected error for negative price")
	}
}

func TestService_CreatePatientIgnoresClientBalances(t *testing.T) {
	f := newTestService()
	p := &Patient{Name: "Rui", PenaltyBalance: decimal.NewFromInt(99), HasPenalty: true, TotalUnpaid: decimal.NewFromInt(99)}
	if err := f.svc.CreatePatient(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := f.svc.GetPatient(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.PenaltyBalance.IsZero() || got.HasPenalty || !got.TotalUnpaid.IsZero() {
		t.Errorf("expected a clean patient, got %+v", got)
	}
}

func TestService_GetPatientDerivesPenalty(t *testing.T) {
	f := newTestService()
	ctx := context.Background()

	got, err := f.svc.GetPatient(ctx, f.patient.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.HasPenalty {
		t.Error("expected no penalty without unpaid fees")
	}

	f.patients.fees[f.patient.ID] = decimal.RequireFromString("12.00")
	f.patients.unpaid[f.patient.ID] = decimal.RequireFromString("52.00")
	got, err = f.svc.GetPatient(ctx, f.patient.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.HasPenalty {
		t.Error("expected has_penalty with an unpaid fee")
	}
	if !got.PenaltyBalance.Equal(decimal.RequireFromString("12.00")) {
		t.Errorf("expected penalty 12.00, got %s", got.PenaltyBalance)
	}
	if !got.TotalUnpaid.Equal(decimal.RequireFromString("52.00")) {
		t.Errorf("expected unpaid 52.00, got %s", got.TotalUnpaid)
	}

	if _, err := f.svc.GetPatient(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
