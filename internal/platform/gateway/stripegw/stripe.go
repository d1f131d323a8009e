// Package stripegw implements gateway.Gateway on Stripe Checkout Sessions.
package stripegw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/clinic/clinic/internal/platform/gateway"
)

const signatureHeader = "Stripe-Signature"

// Config carries the Stripe credentials and redirect targets.
type Config struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
}

// Gateway talks to Stripe through the official client.
type Gateway struct {
	api *client.API
	cfg Config
}

// New builds a Stripe gateway from cfg. backends may be nil.
func New(cfg Config, backends *stripe.Backends) *Gateway {
	return &Gateway{api: client.New(cfg.SecretKey, backends), cfg: cfg}
}

func (g *Gateway) CreateSession(ctx context.Context, req gateway.SessionRequest) (*gateway.Session, error) {
	minor := gateway.ToMinorUnits(req.Amount)
	if minor <= 0 {
		return nil, &gateway.Error{Op: "create_session", Err: gateway.ErrInvalidAmount}
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(g.cfg.SuccessURL + "?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:  stripe.String(g.cfg.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(req.Currency),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description),
				},
				UnitAmount: stripe.Int64(minor),
			},
			Quantity: stripe.Int64(1),
		}},
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	s, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, classify("create_session", err)
	}
	return toSession(s), nil
}

func (g *Gateway) RetrieveSession(ctx context.Context, sessionID string) (*gateway.Session, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	s, err := g.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return nil, classify("retrieve_session", err)
	}
	return toSession(s), nil
}

func (g *Gateway) ExpireSession(ctx context.Context, sessionID string) error {
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	if _, err := g.api.CheckoutSessions.Expire(sessionID, params); err != nil {
		return classify("expire_session", err)
	}
	return nil
}

// Refund refunds against a PaymentIntent id, which is the charge handle this
// driver stores for paid sessions.
func (g *Gateway) Refund(ctx context.Context, chargeID string, amountMinor int64) (string, error) {
	if amountMinor <= 0 {
		return "", &gateway.Error{Op: "refund", Err: gateway.ErrInvalidAmount}
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(chargeID),
		Amount:        stripe.Int64(amountMinor),
	}
	params.Context = ctx
	r, err := g.api.Refunds.New(params)
	if err != nil {
		return "", classify("refund", err)
	}
	return r.ID, nil
}

// ParseEvent verifies the Stripe-Signature header and maps checkout session
// events onto gateway events.
func (g *Gateway) ParseEvent(_ context.Context, payload []byte, header http.Header) (*gateway.Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, header.Get(signatureHeader), g.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrInvalidSignature, err)
	}

	out := &gateway.Event{ID: evt.ID, Type: gateway.EventIgnored}
	switch string(evt.Type) {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded",
		"checkout.session.expired":
	default:
		return out, nil
	}
	if evt.Data == nil {
		return out, nil
	}

	var s stripe.CheckoutSession
	if err := json.Unmarshal(evt.Data.Raw, &s); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}
	session := toSession(&s)
	out.SessionID = session.ID
	out.ChargeID = session.ChargeID
	switch session.Status {
	case gateway.SessionPaid:
		out.Type = gateway.EventPaid
	case gateway.SessionExpired:
		out.Type = gateway.EventExpired
	}
	return out, nil
}

func toSession(s *stripe.CheckoutSession) *gateway.Session {
	out := &gateway.Session{ID: s.ID, URL: s.URL, Status: gateway.SessionOpen}
	switch {
	case s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		out.Status = gateway.SessionPaid
	case s.Status == stripe.CheckoutSessionStatusExpired:
		out.Status = gateway.SessionExpired
	}
	if s.PaymentIntent != nil {
		out.ChargeID = s.PaymentIntent.ID
	}
	return out
}

// classify marks rate limits, 5xx responses and network failures as transient.
func classify(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		transient := se.HTTPStatusCode == http.StatusTooManyRequests ||
			se.HTTPStatusCode >= http.StatusInternalServerError ||
			se.Type == stripe.ErrorTypeAPI
		return &gateway.Error{Op: op, Transient: transient, Err: err}
	}
	return &gateway.Error{Op: op, Transient: true, Err: err}
}
