package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/gateway"
)

// Ingestor applies verified processor events to the ledger.
type Ingestor struct {
	repo   Repository
	engine *Engine
	logger zerolog.Logger
}

func NewIngestor(repo Repository, engine *Engine, logger zerolog.Logger) *Ingestor {
	return &Ingestor{repo: repo, engine: engine, logger: logger.With().Str("component", "webhook").Logger()}
}

// Handle applies evt. Events for sessions the ledger does not know are
// dropped without error.
func (i *Ingestor) Handle(ctx context.Context, evt *gateway.Event) error {
	log := i.logger.With().Str("event_id", evt.ID).Str("session_id", evt.SessionID).Logger()

	var status gateway.SessionStatus
	switch evt.Type {
	case gateway.EventPaid:
		status = gateway.SessionPaid
	case gateway.EventExpired:
		status = gateway.SessionExpired
	case gateway.EventIgnored:
		log.Debug().Msg("event ignored")
		return nil
	default:
		return fmt.Errorf("unknown event type %q", evt.Type)
	}
	if evt.SessionID == "" {
		log.Warn().Msg("event without session id")
		return nil
	}

	p, err := i.repo.GetBySessionID(ctx, evt.SessionID)
	if errors.Is(err, ErrNotFound) {
		log.Info().Msg("no payment for session")
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup payment by session: %w", err)
	}

	changed, err := i.engine.ApplySession(ctx, p, &gateway.Session{
		ID:       evt.SessionID,
		Status:   status,
		ChargeID: evt.ChargeID,
	})
	if err != nil {
		return err
	}
	log.Info().
		Str("payment_id", p.ID.String()).
		Str("event_type", string(evt.Type)).
		Bool("changed", changed).
		Msg("event applied")
	return nil
}
