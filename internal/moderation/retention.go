package moderation

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Purger deletes inactive block records older than a cutoff.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int, error)
}

// StartRetention launches a goroutine that purges inactive block records
// older than retention every interval until ctx is cancelled.
func StartRetention(ctx context.Context, p Purger, retention, interval time.Duration) {
	if retention <= 0 || interval <= 0 {
		log.Info().Msg("moderation: block retention disabled")
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				purgeOnce(ctx, p, retention)
			}
		}
	}()

	log.Info().Dur("retention", retention).Dur("interval", interval).Msg("moderation: block retention janitor started")
}

func purgeOnce(ctx context.Context, p Purger, retention time.Duration) {
	cutoff := time.Now().Add(-retention)
	n, err := p.Purge(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Time("cutoff", cutoff).Msg("moderation: failed to purge old block records")
		return
	}
	if n > 0 {
		log.Info().Int("removed", n).Time("cutoff", cutoff).Msg("moderation: purged old block records")
	}
}
