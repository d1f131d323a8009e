package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// FakeSignatureHeader carries the hex HMAC-SHA256 of a fake callback body.
const FakeSignatureHeader = "X-Fake-Signature"

// SignPayload returns the hex-encoded HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when signature matches SignPayload(payload, secret).
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// FakeRefund records a refund issued through the Fake gateway.
type FakeRefund struct {
	ID          string
	ChargeID    string
	AmountMinor int64
}

// Fake is an in-memory Gateway used by tests and by local development
// (GATEWAY_PROVIDER=fake). It is safe for concurrent use.
type Fake struct {
	mu       sync.Mutex
	sessions map[string]*Session
	amounts  map[string]int64
	secret   string

	created  []string
	expired  []string
	refunds  []FakeRefund
	failures map[string]int
}

// NewFake creates a Fake gateway. secret signs and verifies fake callbacks.
func NewFake(secret string) *Fake {
	return &Fake{
		sessions: make(map[string]*Session),
		amounts:  make(map[string]int64),
		secret:   secret,
		failures: make(map[string]int),
	}
}

// FailNext makes the next n calls of op ("create_session", "retrieve_session",
// "expire_session", "refund") fail with a transient error.
func (f *Fake) FailNext(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = n
}

func (f *Fake) injected(op string) error {
	if f.failures[op] > 0 {
		f.failures[op]--
		return &Error{Op: op, Transient: true, Err: errors.New("injected failure")}
	}
	return nil
}

func (f *Fake) CreateSession(_ context.Context, req SessionRequest) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("create_session"); err != nil {
		return nil, err
	}
	minor := ToMinorUnits(req.Amount)
	if minor <= 0 {
		return nil, &Error{Op: "create_session", Err: ErrInvalidAmount}
	}
	id := "cs_fake_" + uuid.NewString()
	s := &Session{ID: id, URL: "https://pay.example.test/" + id, Status: SessionOpen}
	f.sessions[id] = s
	f.amounts[id] = minor
	f.created = append(f.created, id)
	cp := *s
	return &cp, nil
}

func (f *Fake) RetrieveSession(_ context.Context, sessionID string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("retrieve_session"); err != nil {
		return nil, err
	}
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, &Error{Op: "retrieve_session", Err: fmt.Errorf("no such session %q", sessionID)}
	}
	cp := *s
	return &cp, nil
}

func (f *Fake) ExpireSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("expire_session"); err != nil {
		return err
	}
	f.expired = append(f.expired, sessionID)
	s, ok := f.sessions[sessionID]
	if !ok {
		return &Error{Op: "expire_session", Err: fmt.Errorf("no such session %q", sessionID)}
	}
	if s.Status != SessionOpen {
		return &Error{Op: "expire_session", Err: fmt.Errorf("session %q is %s", sessionID, s.Status)}
	}
	s.Status = SessionExpired
	return nil
}

func (f *Fake) Refund(_ context.Context, chargeID string, amountMinor int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("refund"); err != nil {
		return "", err
	}
	if amountMinor <= 0 {
		return "", &Error{Op: "refund", Err: ErrInvalidAmount}
	}
	id := "re_fake_" + uuid.NewString()
	f.refunds = append(f.refunds, FakeRefund{ID: id, ChargeID: chargeID, AmountMinor: amountMinor})
	return id, nil
}

// Pay marks a session paid with the given charge handle.
func (f *Fake) Pay(sessionID, chargeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[sessionID]; ok {
		s.Status = SessionPaid
		s.ChargeID = chargeID
	}
}

// SetStatus forces a session into status.
func (f *Fake) SetStatus(sessionID string, status SessionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[sessionID]; ok {
		s.Status = status
	}
}

// Created returns the ids of every session created so far.
func (f *Fake) Created() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...)
}

// Expired returns every session id passed to ExpireSession.
func (f *Fake) Expired() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.expired...)
}

// Refunds returns every refund issued so far.
func (f *Fake) Refunds() []FakeRefund {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeRefund(nil), f.refunds...)
}

// AmountMinor returns the amount a session was created for.
func (f *Fake) AmountMinor(sessionID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.amounts[sessionID]
}

type fakeEventBody struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ChargeID  string `json:"charge_id"`
}

// ParseEvent verifies FakeSignatureHeader and decodes a JSON callback of the
// form {"type":"paid","session_id":"...","charge_id":"..."}.
func (f *Fake) ParseEvent(_ context.Context, payload []byte, header http.Header) (*Event, error) {
	if !VerifySignature(payload, f.secret, header.Get(FakeSignatureHeader)) {
		return nil, ErrInvalidSignature
	}
	var body fakeEventBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("decode fake event: %w", err)
	}
	evt := &Event{ID: body.ID, SessionID: body.SessionID, ChargeID: body.ChargeID}
	switch EventType(body.Type) {
	case EventPaid:
		evt.Type = EventPaid
	case EventExpired:
		evt.Type = EventExpired
	default:
		evt.Type = EventIgnored
	}
	return evt, nil
}
