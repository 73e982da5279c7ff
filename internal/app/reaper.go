package app

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/rtpfanout/internal/domain"
	"github.com/rs/zerolog/log"
)

// Reaper periodically evicts sessions that saw no traffic within the session timeout.
// It goes through the same Registry API as the control surface.
type Reaper struct {
	registry *Registry
	interval time.Duration
}

// NewReaper clamps interval to the session timeout.
func NewReaper(registry *Registry, interval time.Duration) *Reaper {
	timeout := registry.Limits().SessionTimeout
	if interval <= 0 || (timeout > 0 && interval > timeout) {
		interval = timeout
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Reaper{registry: registry, interval: interval}
}

func (r *Reaper) Interval() time.Duration { return r.interval }

func (r *Reaper) Run(ctx context.Context) {
	logger := log.With().Str("module", "app.reaper").Dur("interval", r.interval).Logger()
	logger.Info().Msg("reaper started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("reaper ctx done")
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				logger.Debug().Int("expired", n).Int("remaining", r.registry.SessionCount()).Msg("sweep done")
			}
		}
	}
}

// Sweep runs one eviction pass and returns the number of sessions removed.
func (r *Reaper) Sweep() int {
	expired := 0
	for _, id := range r.registry.SessionIDs() {
		ok, err := r.registry.ExpireIfIdle(id)
		if err != nil {
			// Deleted by the control plane since the snapshot.
			if !errors.Is(err, domain.ErrNotFound) {
				log.Error().Err(err).Str("module", "app.reaper").Str("session_id", string(id)).Msg("expire failed")
			}
			continue
		}
		if ok {
			expired++
		}
	}
	return expired
}
