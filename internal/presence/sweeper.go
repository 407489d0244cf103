package presence

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/quickchat/realtime-service/internal/observability"
	"github.com/quickchat/realtime-service/internal/registry"
)

// Sweeper periodically demotes stale presence sessions to offline. It is the
// only component permitted to force a presence transition without an
// explicit client action.
type Sweeper struct {
	reg       *registry.Registry
	interval  time.Duration
	threshold time.Duration
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewSweeper(reg *registry.Registry, interval, threshold time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if threshold <= interval {
		threshold = 4 * interval
	}
	return &Sweeper{
		reg:       reg,
		interval:  interval,
		threshold: threshold,
		metrics:   metrics,
		logger:    logger,
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *Sweeper) sweep() {
	staleBefore := time.Now().UTC().Add(-s.threshold)
	for _, key := range s.reg.Keys(registry.KindPresence) {
		h, ok := s.reg.Lookup(key)
		if !ok {
			continue
		}
		if err := h.Send(Sweep{StaleBefore: staleBefore}); err != nil {
			// Session gone or saturated; the next pass catches it.
			s.logger.Debug().Err(err).Str("key", key.String()).Msg("sweep send skipped")
		}
	}
	s.metrics.PresenceSweeps.Inc()
}
