package notification

import (
	"fmt"
	"sync"

	"github.com/valyala/fasttemplate"
)

// Built-in template ids.
const (
	TemplateAppointmentCreated = "appointment-created"
	TemplateAppointmentUpdated = "appointment-updated"
	TemplatePaymentReceived    = "payment-received"
	TemplateNoShowSummary      = "no-show-summary"
)

// Template is a message body with {{key}} placeholders.
type Template struct {
	ID   string `json:"id"`
	Body string `json:"body"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates
// pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	for _, t := range []Template{
		{
			ID:   TemplateAppointmentCreated,
			Body: "New appointment {{appointment_id}}\nScheduled: {{scheduled_at}}\nPrice: {{price}}",
		},
		{
			ID:   TemplateAppointmentUpdated,
			Body: "Appointment {{appointment_id}} changed {{old_status}} -> {{new_status}}\nScheduled: {{scheduled_at}}",
		},
		{
			ID:   TemplatePaymentReceived,
			Body: "Payment received: {{amount}} {{currency}} ({{purpose}}) for appointment {{appointment_id}}",
		},
		{
			ID:   TemplateNoShowSummary,
			Body: "No-show check: {{count}} appointment(s) marked NO_SHOW{{ids}}",
		},
	} {
		e.templates[t.ID] = t
	}
	return e
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	e.templates[t.ID] = t
	e.mu.Unlock()
}

// Render substitutes data into the template. Placeholders with no value in
// data are left as written.
func (e *TemplateEngine) Render(id string, data map[string]string) (string, error) {
	e.mu.RLock()
	t, ok := e.templates[id]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("template %q not found", id)
	}

	m := make(map[string]interface{}, len(data))
	for k, v := range data {
		m[k] = v
	}
	return fasttemplate.ExecuteStringStd(t.Body, "{{", "}}", m), nil
}
