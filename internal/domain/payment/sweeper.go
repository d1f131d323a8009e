package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/gateway"
)

// DefaultStaleAfter is how old a PENDING row must be before the sweeper
// asks the processor about it.
const DefaultStaleAfter = 15 * time.Minute

// SweepResult counts what one sweep pass did.
type SweepResult struct {
	Checked int `json:"checked"`
	Paid    int `json:"paid"`
	Expired int `json:"expired"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Sweeper converges stale PENDING rows with processor truth.
type Sweeper struct {
	repo       Repository
	gateway    gateway.Gateway
	engine     *Engine
	logger     zerolog.Logger
	staleAfter time.Duration
	batchSize  int
	now        func() time.Time
}

func NewSweeper(repo Repository, gw gateway.Gateway, engine *Engine, logger zerolog.Logger, staleAfter time.Duration, batchSize int) *Sweeper {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Sweeper{
		repo:       repo,
		gateway:    gw,
		engine:     engine,
		logger:     logger.With().Str("component", "sweeper").Logger(),
		staleAfter: staleAfter,
		batchSize:  batchSize,
		now:        time.Now,
	}
}

// Sweep runs one pass. A failure on one row is logged and counted; only a
// failure to list the rows aborts the pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	rows, err := s.repo.ListStalePending(ctx, s.now().Add(-s.staleAfter), s.batchSize)
	if err != nil {
		return res, fmt.Errorf("list stale payments: %w", err)
	}

	for _, p := range rows {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Checked++
		log := s.logger.With().Str("payment_id", p.ID.String()).Logger()

		if p.SessionID == nil || *p.SessionID == "" {
			res.Skipped++
			log.Warn().Str("appointment_id", p.AppointmentID.String()).Msg("pending payment has no session handle")
			continue
		}

		session, err := s.gateway.RetrieveSession(ctx, *p.SessionID)
		if err != nil {
			res.Failed++
			log.Error().Err(err).Str("session_id", *p.SessionID).Msg("retrieve session failed")
			continue
		}

		changed, err := s.engine.ApplySession(ctx, p, session)
		if err != nil {
			res.Failed++
			log.Error().Err(err).Msg("apply session failed")
			continue
		}
		if !changed {
			continue
		}
		switch session.Status {
		case gateway.SessionPaid:
			res.Paid++
		case gateway.SessionExpired:
			res.Expired++
		case gateway.SessionOpen:
		}
	}

	s.logger.Info().
		Int("checked", res.Checked).
		Int("paid", res.Paid).
		Int("expired", res.Expired).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Msg("sweep finished")
	return res, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		s.logger.Info().Msg("periodic sweep disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}
