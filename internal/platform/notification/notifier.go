// Package notification sends admin messages about appointments and payments
// and keeps a short in-memory history of what was sent.
package notification

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/domain/appointment"
	"github.com/clinic/clinic/internal/domain/payment"
)

const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Message is one admin notification attempt.
type Message struct {
	ID         string     `json:"id"`
	TemplateID string     `json:"template_id"`
	Text       string     `json:"text"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
}

// Notifier renders templates and sends them to the admin channel. Send
// failures are logged and recorded, never returned to the caller.
type Notifier struct {
	sender    Sender
	templates *TemplateEngine
	logger    zerolog.Logger
	timeout   time.Duration
	location  *time.Location
	capacity  int

	mu       sync.RWMutex
	messages []*Message
}

func NewNotifier(sender Sender, templates *TemplateEngine, logger zerolog.Logger) *Notifier {
	if templates == nil {
		templates = NewTemplateEngine()
	}
	return &Notifier{
		sender:    sender,
		templates: templates,
		logger:    logger,
		timeout:   10 * time.Second,
		location:  time.UTC,
		capacity:  500,
	}
}

// SetLocation sets the zone used to format appointment times.
func (n *Notifier) SetLocation(loc *time.Location) {
	if loc != nil {
		n.location = loc
	}
}

// Notify renders templateID with data and sends it.
func (n *Notifier) Notify(ctx context.Context, templateID string, data map[string]string) *Message {
	msg := &Message{
		ID:         uuid.NewString(),
		TemplateID: templateID,
		CreatedAt:  time.Now().UTC(),
	}
	text, err := n.templates.Render(templateID, data)
	if err != nil {
		msg.Status = StatusFailed
		msg.Error = err.Error()
		n.logger.Error().Err(err).Str("template_id", templateID).Msg("notification render failed")
		n.record(msg)
		return msg
	}
	msg.Text = text
	n.deliver(ctx, msg)
	n.record(msg)
	return msg
}

func (n *Notifier) deliver(ctx context.Context, msg *Message) {
	// Delivery outlives a cancelled request but not the timeout.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	if err := n.sender.Send(ctx, msg.Text); err != nil {
		msg.Status = StatusFailed
		msg.Error = err.Error()
		n.logger.Warn().Err(err).Str("notification_id", msg.ID).Str("template_id", msg.TemplateID).Msg("notification send failed")
		return
	}
	now := time.Now().UTC()
	msg.Status = StatusSent
	msg.Error = ""
	msg.SentAt = &now
}

func (n *Notifier) record(msg *Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	if over := len(n.messages) - n.capacity; over > 0 {
		n.messages = append([]*Message(nil), n.messages[over:]...)
	}
}

// Recent returns up to limit messages, newest first.
func (n *Notifier) Recent(limit int) []*Message {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if limit <= 0 || limit > len(n.messages) {
		limit = len(n.messages)
	}
	out := make([]*Message, 0, limit)
	for i := len(n.messages) - 1; i >= 0 && len(out) < limit; i-- {
		m := *n.messages[i]
		out = append(out, &m)
	}
	return out
}

// Retry re-sends a failed message.
func (n *Notifier) Retry(ctx context.Context, id string) (*Message, error) {
	n.mu.RLock()
	var (
		msg   *Message
		retry Message
	)
	for _, m := range n.messages {
		if m.ID == id {
			msg, retry = m, *m
			break
		}
	}
	n.mu.RUnlock()
	if msg == nil {
		return nil, fmt.Errorf("notification %q not found", id)
	}
	if retry.Status != StatusFailed || retry.Text == "" {
		return nil, fmt.Errorf("notification %q cannot be retried (status: %s)", id, retry.Status)
	}

	n.deliver(ctx, &retry)
	n.mu.Lock()
	*msg = retry
	n.mu.Unlock()
	return &retry, nil
}

// Stats counts recorded messages by status.
func (n *Notifier) Stats() map[string]int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	stats := make(map[string]int)
	for _, m := range n.messages {
		stats[m.Status]++
	}
	return stats
}

func (n *Notifier) formatTime(t time.Time) string {
	return t.In(n.location).Format("2006-01-02 15:04 MST")
}

func (n *Notifier) AppointmentCreated(ctx context.Context, a *appointment.Appointment) {
	n.Notify(ctx, TemplateAppointmentCreated, map[string]string{
		"appointment_id": a.ID.String(),
		"scheduled_at":   n.formatTime(a.ScheduledAt),
		"price":          a.Price.StringFixed(2),
	})
}

func (n *Notifier) AppointmentStatusChanged(ctx context.Context, a *appointment.Appointment, old appointment.Status) {
	n.Notify(ctx, TemplateAppointmentUpdated, map[string]string{
		"appointment_id": a.ID.String(),
		"old_status":     string(old),
		"new_status":     string(a.Status),
		"scheduled_at":   n.formatTime(a.ScheduledAt),
	})
}

func (n *Notifier) NoShowSummary(ctx context.Context, marked []*appointment.Appointment) {
	var ids strings.Builder
	for _, a := range marked {
		ids.WriteString("\n- ")
		ids.WriteString(a.ID.String())
	}
	n.Notify(ctx, TemplateNoShowSummary, map[string]string{
		"count": strconv.Itoa(len(marked)),
		"ids":   ids.String(),
	})
}

// PaymentPaid implements payment.PaidListener.
func (n *Notifier) PaymentPaid(ctx context.Context, p *payment.Payment) {
	n.Notify(ctx, TemplatePaymentReceived, map[string]string{
		"appointment_id": p.AppointmentID.String(),
		"amount":         p.OwedAmount.StringFixed(2),
		"currency":       strings.ToUpper(p.Currency),
		"purpose":        string(p.Purpose),
	})
}
