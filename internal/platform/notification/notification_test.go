package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clinic/clinic/internal/domain/appointment"
	"github.com/clinic/clinic/internal/domain/payment"
)

type mockSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (m *mockSender) Send(_ context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, text)
	return nil
}

func (m *mockSender) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return ""
	}
	return m.sent[len(m.sent)-1]
}

func TestTemplateEngine_RegisterAndRender(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{ID: "test-tpl", Body: "Dear {{name}}, your code is {{code}}."})

	body, err := eng.Render("test-tpl", map[string]string{"name": "Alice", "code": "1234"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body != "Dear Alice, your code is 1234." {
		t.Errorf("body = %q, want %q", body, "Dear Alice, your code is 1234.")
	}
}

func TestTemplateEngine_RenderMissing(t *testing.T) {
	if _, err := NewTemplateEngine().Render("nonexistent", nil); err == nil {
		t.Fatal("expected error for missing template, got nil")
	}
}

func TestTemplateEngine_RenderMissingKey(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{ID: "partial", Body: "{{a}} and {{b}}"})

	body, err := eng.Render("partial", map[string]string{"a": "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body != "x and {{b}}" {
		t.Errorf("body = %q, want %q", body, "x and {{b}}")
	}
}

func TestTelegramSender_Send(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	s := NewTelegramSender("123:abc", "-100200")
	s.baseURL = srv.URL
	if err := s.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/bot123:abc/sendMessage" {
		t.Errorf("expected sendMessage path, got %s", path)
	}
	if got["chat_id"] != "-100200" || got["text"] != "hello" {
		t.Errorf("unexpected payload %v", got)
	}
}

func TestTelegramSender_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	s := NewTelegramSender("123:abc", "nope")
	s.baseURL = srv.URL
	err := s.Send(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected chat not found error, got %v", err)
	}
}

func TestNotifier_AppointmentEvents(t *testing.T) {
	sender := &mockSender{}
	n := NewNotifier(sender, nil, zerolog.Nop())

	a := &appointment.Appointment{
		ID:          uuid.New(),
		Status:      appointment.StatusCancelled,
		ScheduledAt: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
		Price:       decimal.RequireFromString("10"),
	}
	n.AppointmentCreated(context.Background(), a)
	if want := "Price: 10.00"; !strings.Contains(sender.last(), want) {
		t.Errorf("expected %q in %q", want, sender.last())
	}

	n.AppointmentStatusChanged(context.Background(), a, appointment.StatusBooked)
	if want := "BOOKED -> CANCELLED"; !strings.Contains(sender.last(), want) {
		t.Errorf("expected %q in %q", want, sender.last())
	}
	if want := "2026-03-02 09:30 UTC"; !strings.Contains(sender.last(), want) {
		t.Errorf("expected %q in %q", want, sender.last())
	}
}

func TestNotifier_PaymentPaid(t *testing.T) {
	sender := &mockSender{}
	n := NewNotifier(sender, nil, zerolog.Nop())

	n.PaymentPaid(context.Background(), &payment.Payment{
		AppointmentID: uuid.New(),
		Purpose:       payment.PurposeNoShowFee,
		OwedAmount:    decimal.RequireFromString("12"),
		Currency:      "usd",
	})
	if want := "12.00 USD (NO_SHOW_FEE)"; !strings.Contains(sender.last(), want) {
		t.Errorf("expected %q in %q", want, sender.last())
	}
}

func TestNotifier_NoShowSummary(t *testing.T) {
	sender := &mockSender{}
	n := NewNotifier(sender, nil, zerolog.Nop())

	id := uuid.New()
	n.NoShowSummary(context.Background(), []*appointment.Appointment{{ID: id}})
	if !strings.Contains(sender.last(), "1 appointment(s)") || !strings.Contains(sender.last(), id.String()) {
		t.Errorf("unexpected summary %q", sender.last())
	}
}

func TestNotifier_FailureIsRecordedAndRetried(t *testing.T) {
	sender := &mockSender{err: errors.New("telegram down")}
	n := NewNotifier(sender, nil, zerolog.Nop())

	msg := n.Notify(context.Background(), TemplateNoShowSummary, map[string]string{"count": "0", "ids": ""})
	if msg.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", msg.Status)
	}
	if stats := n.Stats(); stats[StatusFailed] != 1 {
		t.Errorf("expected 1 failed, got %v", stats)
	}

	sender.err = nil
	retried, err := n.Retry(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if retried.Status != StatusSent || retried.SentAt == nil {
		t.Errorf("expected sent with timestamp, got %+v", retried)
	}
	if _, err := n.Retry(context.Background(), msg.ID); err == nil {
		t.Error("expected error retrying a sent message")
	}
	if _, err := n.Retry(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown id")
	}
}

func TestNotifier_RecentIsBoundedAndNewestFirst(t *testing.T) {
	n := NewNotifier(&mockSender{}, nil, zerolog.Nop())
	n.capacity = 3
	for _, c := range []string{"1", "2", "3", "4"} {
		n.Notify(context.Background(), TemplateNoShowSummary, map[string]string{"count": c, "ids": ""})
	}

	recent := n.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(recent))
	}
	if !strings.Contains(recent[0].Text, "4 appointment") {
		t.Errorf("expected newest first, got %q", recent[0].Text)
	}
	if got := n.Recent(1); len(got) != 1 {
		t.Errorf("expected 1 message, got %d", len(got))
	}
}

func TestHandler_ListAndRetry(t *testing.T) {
	sender := &mockSender{err: errors.New("down")}
	n := NewNotifier(sender, nil, zerolog.Nop())
	msg := n.Notify(context.Background(), TemplateNoShowSummary, map[string]string{"count": "2", "ids": ""})
	h := NewHandler(n)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/notifications?limit=10", nil)
	rec := httptest.NewRecorder()
	if err := h.List(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var list []Message
	json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list) != 1 || list[0].ID != msg.ID {
		t.Fatalf("expected the failed message, got %v", list)
	}

	sender.err = nil
	req = httptest.NewRequest(http.MethodPost, "/", nil)
	rec = httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(msg.ID)
	if err := h.Retry(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/notifications?limit=x", nil)
	err := h.List(e.NewContext(req, httptest.NewRecorder()))
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}
