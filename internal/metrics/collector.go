package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// StatsSource provides functions to retrieve current counts for gauge metrics.
// Each function returns the current count; returning -1 indicates the source is unavailable.
type StatsSource struct {
	ConnectedCount func() int
	BlockedCount   func() int
}

// StartCollector launches a goroutine that periodically updates gauge metrics.
// It runs every interval until the context is cancelled.
func StartCollector(ctx context.Context, src StatsSource, interval time.Duration) {
	// Do an initial collection immediately
	collect(src)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				collect(src)
			}
		}
	}()

	log.Info().Dur("interval", interval).Msg("Metrics collector started")
}

func collect(src StatsSource) {
	if src.ConnectedCount != nil {
		if n := src.ConnectedCount(); n >= 0 {
			ConnectedClients.Set(float64(n))
		}
	}
	if src.BlockedCount != nil {
		if n := src.BlockedCount(); n >= 0 {
			BlockedClients.Set(float64(n))
		}
	}
}
