package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/domain/appointment"
	"github.com/clinic/clinic/internal/platform/gateway"
)

// Worker runs reconciliation for appointment transitions taken off the queue.
type Worker struct {
	engine *Engine
	appts  AppointmentSource
	logger zerolog.Logger
	policy gateway.RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewWorker(engine *Engine, appts AppointmentSource, policy gateway.RetryPolicy, logger zerolog.Logger) *Worker {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Worker{
		engine: engine,
		appts:  appts,
		logger: logger.With().Str("component", "transition-worker").Logger(),
		policy: policy,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// Process reconciles one transition. Transitions that no longer match the
// appointment's current status are skipped. Transient gateway failures are
// retried with backoff; when attempts run out the error is returned and the
// row stays for the sweeper.
func (w *Worker) Process(ctx context.Context, msg appointment.Transitioned) error {
	log := w.logger.With().
		Str("appointment_id", msg.AppointmentID.String()).
		Str("old_status", string(msg.OldStatus)).
		Str("new_status", string(msg.NewStatus)).
		Logger()

	appt, err := w.appts.GetAppointment(ctx, msg.AppointmentID)
	if errors.Is(err, appointment.ErrNotFound) {
		log.Warn().Msg("appointment gone, dropping transition")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load appointment: %w", err)
	}
	if appt.Status != msg.NewStatus {
		log.Info().Str("current_status", string(appt.Status)).Msg("stale transition skipped")
		return nil
	}

	for attempt := 0; ; attempt++ {
		_, err = w.engine.Reconcile(ctx, appt, msg.NewStatus)
		if err == nil {
			return nil
		}
		if !gateway.IsTransient(err) || attempt+1 >= w.policy.MaxAttempts {
			break
		}
		delay := w.policy.BaseDelay * time.Duration(1<<uint(attempt))
		log.Warn().Err(err).Int("attempt", attempt+1).Dur("retry_in", delay).Msg("reconciliation failed, retrying")
		if serr := w.sleep(ctx, delay); serr != nil {
			return serr
		}
	}

	log.Error().Err(err).Msg("reconciliation stuck")
	return err
}

// HandleMessage decodes a queued transition and processes it.
func (w *Worker) HandleMessage(ctx context.Context, routingKey string, body []byte) error {
	if routingKey != appointment.TransitionedRoutingKey {
		w.logger.Debug().Str("routing_key", routingKey).Msg("unexpected routing key")
		return nil
	}
	var msg appointment.Transitioned
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("decode transition: %w", err)
	}
	return w.Process(ctx, msg)
}

// DirectDispatcher hands transitions straight to a Worker in the caller's
// goroutine.
type DirectDispatcher struct {
	Worker *Worker
}

func (d DirectDispatcher) Dispatch(ctx context.Context, msg appointment.Transitioned) error {
	return d.Worker.Process(ctx, msg)
}
