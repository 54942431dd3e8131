package session

import (
	"context"
	"log/slog"
	"time"
)

// ReapCallback is called for every session removed by the reaper.
type ReapCallback func(sessionID string)

// StartReaper runs a background goroutine that periodically removes sessions
// idle for longer than ttl. A non-positive ttl disables it.
func StartReaper(ctx context.Context, store *Store, ttl, interval time.Duration, onReap ReapCallback) {
	if ttl <= 0 {
		slog.Info("Session reaper disabled")
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session reaper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				reapIdle(store, ttl, onReap)
			case <-ctx.Done():
				slog.Info("Session reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func reapIdle(store *Store, ttl time.Duration, onReap ReapCallback) {
	removed := store.RemoveIdle(ttl)
	if len(removed) == 0 {
		return
	}
	for _, id := range removed {
		if onReap != nil {
			onReap(id)
		}
	}
	slog.Info("Session reaper removed idle sessions", "count", len(removed))
}
