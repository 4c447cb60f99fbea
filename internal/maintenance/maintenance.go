// Package maintenance runs the daily retention sweeps.
package maintenance

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"gitlab.com/privcomm/services/server/internal/keys"
	"gitlab.com/privcomm/services/server/internal/messages"
)

// Retention windows. Queued envelopes outlive a month of recipient absence;
// spent prekeys linger a week for diagnostics.
const (
	messageRetentionDays = 30
	prekeyRetentionDays  = 7
)

// Scheduler owns the cron jobs that delete expired rows. Sweep errors are
// logged and skipped; the relay tolerates sweeps racing normal traffic
// because every delete is row-targeted.
type Scheduler struct {
	cron     *cron.Cron
	messages *messages.Service
	keys     *keys.Service
	logger   zerolog.Logger
}

func NewScheduler(msgs *messages.Service, keySvc *keys.Service, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		messages: msgs,
		keys:     keySvc,
		logger:   logger,
	}
}

// Start registers the sweeps and starts the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("0 2 * * *", s.sweepMessages); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("0 3 * * *", s.sweepPrekeys); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info().Str("component", "maintenance").Msg("Maintenance scheduler started")
	return nil
}

// Stop halts the cron loop, waiting for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Str("component", "maintenance").Msg("Maintenance scheduler stopped")
}

func (s *Scheduler) sweepMessages() {
	deleted, err := s.messages.DeleteOlderThan(context.Background(), messageRetentionDays)
	if err != nil {
		s.logger.Error().Str("component", "maintenance").Err(err).Msg("Message sweep failed")
		return
	}
	if deleted > 0 {
		s.logger.Info().Str("component", "maintenance").
			Int64("deleted", deleted).
			Msg("Cleaned up old pending messages")
	}
}

func (s *Scheduler) sweepPrekeys() {
	deleted, err := s.keys.DeleteSpentBefore(context.Background(), prekeyRetentionDays)
	if err != nil {
		s.logger.Error().Str("component", "maintenance").Err(err).Msg("Prekey sweep failed")
		return
	}
	if deleted > 0 {
		s.logger.Info().Str("component", "maintenance").
			Int64("deleted", deleted).
			Msg("Cleaned up used prekeys")
	}
}
