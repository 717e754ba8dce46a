package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSweepInterval is how often lapsed reservations are reclaimed.
const DefaultSweepInterval = time.Minute

// SweepObserver is notified after every sweep pass.
type SweepObserver interface {
	ObserveSweep(reclaimed int, err error)
}

// Sweeper periodically reclaims reservations abandoned by crashed or slow checkouts.
type Sweeper struct {
	ledger   Ledger
	interval time.Duration
	now      func() time.Time
	observer SweepObserver
	logger   zerolog.Logger
}

// NewSweeper creates a sweeper. A nil observer is allowed.
func NewSweeper(ledger Ledger, interval time.Duration, observer SweepObserver, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		ledger:   ledger,
		interval: interval,
		now:      time.Now,
		observer: observer,
		logger:   logger.With().Str("component", "sweeper").Logger(),
	}
}

// Start runs sweep passes until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("reservation sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("reservation sweeper stopped")
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single pass. Failures are logged and left for the next pass.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	reclaimed, err := s.ledger.SweepExpired(ctx, s.now())

	if s.observer != nil {
		s.observer.ObserveSweep(reclaimed, err)
	}

	if err != nil {
		s.logger.Error().Err(err).Int("reclaimed", reclaimed).Msg("reservation sweep failed")
		return reclaimed
	}

	if reclaimed > 0 {
		s.logger.Info().Int("reclaimed", reclaimed).Msg("reclaimed lapsed reservations")
	}
	return reclaimed
}

type observers []SweepObserver

func (o observers) ObserveSweep(reclaimed int, err error) {
	for _, obs := range o {
		obs.ObserveSweep(reclaimed, err)
	}
}

// Observers fans a sweep result out to every non-nil observer.
func Observers(obs ...SweepObserver) SweepObserver {
	out := make(observers, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}
