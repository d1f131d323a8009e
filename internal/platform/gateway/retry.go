package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/clinic/clinic/internal/platform/gateway"

// RetryPolicy bounds how often a transient failure is retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy returns five attempts with a two second base delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 2 * time.Second}
}

// Retrying decorates a Gateway with exponential backoff on transient errors
// and wraps every call in a trace span.
type Retrying struct {
	next   Gateway
	policy RetryPolicy
	logger zerolog.Logger
	tracer trace.Tracer
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetrying wraps next with the given policy.
func NewRetrying(next Gateway, policy RetryPolicy, logger zerolog.Logger) *Retrying {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Retrying{
		next:   next,
		policy: policy,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Retrying) do(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, "gateway."+op, trace.WithAttributes(attrs...))
	defer span.End()

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		attempts++
		lastErr = fn(ctx)
		if lastErr == nil {
			break
		}
		if !IsTransient(lastErr) || attempt == r.policy.MaxAttempts-1 {
			break
		}
		delay := r.policy.BaseDelay * time.Duration(1<<uint(attempt))
		r.logger.Warn().Err(lastErr).
			Str("op", op).
			Int("attempt", attempt+1).
			Dur("retry_in", delay).
			Msg("gateway call failed, retrying")
		if err := r.sleep(ctx, delay); err != nil {
			break
		}
	}

	span.SetAttributes(attribute.Int("gateway.attempts", attempts))
	if lastErr != nil {
		span.RecordError(lastErr)
		span.SetStatus(codes.Error, lastErr.Error())
	}
	return lastErr
}

func (r *Retrying) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	var out *Session
	attrs := []attribute.KeyValue{
		attribute.String("gateway.amount", req.Amount.StringFixed(2)),
		attribute.String("gateway.currency", req.Currency),
	}
	err := r.do(ctx, "create_session", attrs, func(ctx context.Context) error {
		s, err := r.next.CreateSession(ctx, req)
		out = s
		return err
	})
	return out, err
}

func (r *Retrying) RetrieveSession(ctx context.Context, sessionID string) (*Session, error) {
	var out *Session
	attrs := []attribute.KeyValue{attribute.String("gateway.session_id", sessionID)}
	err := r.do(ctx, "retrieve_session", attrs, func(ctx context.Context) error {
		s, err := r.next.RetrieveSession(ctx, sessionID)
		out = s
		return err
	})
	return out, err
}

func (r *Retrying) ExpireSession(ctx context.Context, sessionID string) error {
	attrs := []attribute.KeyValue{attribute.String("gateway.session_id", sessionID)}
	return r.do(ctx, "expire_session", attrs, func(ctx context.Context) error {
		return r.next.ExpireSession(ctx, sessionID)
	})
}

func (r *Retrying) Refund(ctx context.Context, chargeID string, amountMinor int64) (string, error) {
	var out string
	attrs := []attribute.KeyValue{
		attribute.String("gateway.charge_id", chargeID),
		attribute.Int64("gateway.amount_minor", amountMinor),
	}
	err := r.do(ctx, "refund", attrs, func(ctx context.Context) error {
		id, err := r.next.Refund(ctx, chargeID, amountMinor)
		out = id
		return err
	})
	return out, err
}
