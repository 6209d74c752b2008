package wizard

import (
	"context"
	"time"
)

// DefaultSweepInterval is how often StartTTLWorker looks for idle wizards.
const DefaultSweepInterval = 5 * time.Minute

// CleanupCallback is called for each wizard removed by the TTL worker.
type CleanupCallback func(wizardID string)

// StartTTLWorker runs a background goroutine that periodically drops wizards
// idle for longer than ttl. A remote session bound to a dropped wizard keeps
// running; only the in-memory wizard state goes away.
func StartTTLWorker(ctx context.Context, reg *Registry, ttl, interval time.Duration, onCleanup CleanupCallback) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		reg.logger.Info("Wizard TTL worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepIdle(reg, ttl, onCleanup)
			case <-ctx.Done():
				reg.logger.Info("Wizard TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepIdle(reg *Registry, ttl time.Duration, onCleanup CleanupCallback) int {
	removed := reg.RemoveIdle(time.Now().Add(-ttl))
	for _, id := range removed {
		if onCleanup != nil {
			onCleanup(id)
		}
	}
	if len(removed) > 0 {
		reg.logger.Info("Removed idle wizards", "count", len(removed), "remaining", reg.Len())
	}
	return len(removed)
}
