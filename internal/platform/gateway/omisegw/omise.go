// Package omisegw implements gateway.Gateway on Omise offsite charges. A
// session is a pending charge created from a source; its id doubles as the
// charge handle used for refunds.
package omisegw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"

	"github.com/clinic/clinic/internal/platform/gateway"
)

const defaultAPIBase = "https://api.omise.co"

// Config carries the Omise credentials.
type Config struct {
	PublicKey  string
	SecretKey  string
	SourceType string
	ReturnURI  string
}

// Gateway talks to Omise through omise-go, with a REST call for the one
// operation the SDK does not expose.
type Gateway struct {
	client  *omise.Client
	cfg     Config
	apiBase string
	http    *http.Client
}

// New builds an Omise gateway from cfg.
func New(cfg Config) (*Gateway, error) {
	c, err := omise.NewClient(cfg.PublicKey, cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("omise client: %w", err)
	}
	if cfg.SourceType == "" {
		cfg.SourceType = "promptpay"
	}
	return &Gateway{
		client:  c,
		cfg:     cfg,
		apiBase: defaultAPIBase,
		http:    &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (g *Gateway) CreateSession(_ context.Context, req gateway.SessionRequest) (*gateway.Session, error) {
	minor := gateway.ToMinorUnits(req.Amount)
	if minor <= 0 {
		return nil, &gateway.Error{Op: "create_session", Err: gateway.ErrInvalidAmount}
	}

	src := &omise.Source{}
	if err := g.client.Do(src, &operations.CreateSource{
		Type:     g.cfg.SourceType,
		Amount:   minor,
		Currency: req.Currency,
	}); err != nil {
		return nil, classify("create_session", err)
	}

	metadata := make(map[string]interface{}, len(req.Metadata))
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	ch := &omise.Charge{}
	if err := g.client.Do(ch, &operations.CreateCharge{
		Amount:      minor,
		Currency:    req.Currency,
		Source:      src.ID,
		Description: req.Description,
		ReturnURI:   g.cfg.ReturnURI,
		Metadata:    metadata,
	}); err != nil {
		return nil, classify("create_session", err)
	}
	return toSession(ch), nil
}

func (g *Gateway) RetrieveSession(_ context.Context, sessionID string) (*gateway.Session, error) {
	ch := &omise.Charge{}
	if err := g.client.Do(ch, &operations.RetrieveCharge{ChargeID: sessionID}); err != nil {
		return nil, classify("retrieve_session", err)
	}
	return toSession(ch), nil
}

// ExpireSession calls POST /charges/{id}/expire directly.
func (g *Gateway) ExpireSession(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.apiBase+"/charges/"+sessionID+"/expire", nil)
	if err != nil {
		return &gateway.Error{Op: "expire_session", Err: err}
	}
	req.SetBasicAuth(g.cfg.SecretKey, "")

	res, err := g.http.Do(req)
	if err != nil {
		return &gateway.Error{Op: "expire_session", Transient: true, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &gateway.Error{
			Op:        "expire_session",
			Transient: res.StatusCode >= http.StatusInternalServerError || res.StatusCode == http.StatusTooManyRequests,
			Err:       fmt.Errorf("omise expire charge failed: %s (%d)", string(body), res.StatusCode),
		}
	}
	return nil
}

func (g *Gateway) Refund(_ context.Context, chargeID string, amountMinor int64) (string, error) {
	if amountMinor <= 0 {
		return "", &gateway.Error{Op: "refund", Err: gateway.ErrInvalidAmount}
	}
	r := &omise.Refund{}
	if err := g.client.Do(r, &operations.CreateRefund{ChargeID: chargeID, Amount: amountMinor}); err != nil {
		return "", classify("refund", err)
	}
	return r.ID, nil
}

type incomingEvent struct {
	ID string `json:"id"`
}

// ParseEvent authenticates a callback by retrieving the event from Omise
// again; a forged event id cannot be retrieved with our secret key.
func (g *Gateway) ParseEvent(_ context.Context, payload []byte, _ http.Header) (*gateway.Event, error) {
	var inc incomingEvent
	if err := json.Unmarshal(payload, &inc); err != nil || inc.ID == "" {
		return nil, fmt.Errorf("%w: malformed event body", gateway.ErrInvalidSignature)
	}

	ev := &omise.Event{}
	if err := g.client.Do(ev, &operations.RetrieveEvent{EventID: inc.ID}); err != nil {
		return nil, fmt.Errorf("%w: retrieve event: %v", gateway.ErrInvalidSignature, err)
	}

	out := &gateway.Event{ID: inc.ID, Type: gateway.EventIgnored}
	switch ev.Key {
	case "charge.complete", "charge.expire":
	default:
		return out, nil
	}

	raw, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	var ch omise.Charge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, fmt.Errorf("decode charge: %w", err)
	}

	s := toSession(&ch)
	out.SessionID = s.ID
	out.ChargeID = s.ChargeID
	switch s.Status {
	case gateway.SessionPaid:
		out.Type = gateway.EventPaid
	case gateway.SessionExpired:
		out.Type = gateway.EventExpired
	}
	return out, nil
}

// toSession maps charge status: successful is paid, failed/expired/reversed
// are expired, anything else is still open.
func toSession(ch *omise.Charge) *gateway.Session {
	s := &gateway.Session{ID: ch.ID, URL: ch.AuthorizeURI, Status: gateway.SessionOpen}
	switch string(ch.Status) {
	case "successful":
		s.Status = gateway.SessionPaid
		s.ChargeID = ch.ID
	case "failed", "expired", "reversed":
		s.Status = gateway.SessionExpired
	}
	return s
}

func classify(op string, err error) error {
	var oe *omise.Error
	if errors.As(err, &oe) {
		transient := oe.StatusCode == http.StatusTooManyRequests || oe.StatusCode >= http.StatusInternalServerError
		return &gateway.Error{Op: op, Transient: transient, Err: err}
	}
	return &gateway.Error{Op: op, Transient: true, Err: err}
}
