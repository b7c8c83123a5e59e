package sync

import (
	"context"
	"time"

	"github.com/dukerupert/larder/internal/model"
	"github.com/dukerupert/larder/internal/sync/transport"
)

// heartbeatInterval is how often a connected device refreshes its lastSeen.
const heartbeatInterval = 30 * time.Second

// StaleAfter is how long without a heartbeat before a member is flagged as
// possibly offline. Staleness is informational; members are never evicted.
const StaleAfter = 2 * heartbeatInterval

// IsStale reports whether a member has missed enough heartbeats to be
// considered possibly offline.
func IsStale(m model.DeviceMembership, now time.Time) bool {
	return now.Sub(m.LastSeen) > StaleAfter
}

// presenceLoop advertises this device's liveness while the session is up.
// Heartbeat failures are transient by nature and only logged.
func (e *Engine) presenceLoop(ctx context.Context, room transport.Room) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := room.Heartbeat(ctx, e.identity.DeviceID); err != nil {
				e.logger.Debug("presence heartbeat", "error", err)
			}
		}
	}
}
