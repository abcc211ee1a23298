package storage

import (
	"context"
	"fmt"
	"time"
)

// StartReaper begins the keepalive sweep: jobs whose keepalive lapsed are
// destroyed with a reason naming the lapse. Call Close to stop it.
func (a *SQLiteAllocator) StartReaper(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	a.reaperCancel = cancel
	a.reaperDone = make(chan struct{})

	go func() {
		defer close(a.reaperDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.reapExpired(ctx)
			}
		}
	}()
}

func (a *SQLiteAllocator) reapExpired(ctx context.Context) {
	now := time.Now().UTC()
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, keepalive_time, keepalive_ns FROM jobs
		WHERE state != 'destroyed'`)
	if err != nil {
		a.log.Warn("keepalive sweep query failed", "error", err)
		return
	}

	type expired struct {
		id   int
		dead time.Duration
	}
	var lapsed []expired
	for rows.Next() {
		var (
			id          int
			lastSeen    time.Time
			keepaliveNS int64
		)
		if err := rows.Scan(&id, &lastSeen, &keepaliveNS); err != nil {
			a.log.Warn("keepalive sweep scan failed", "error", err)
			break
		}
		interval := time.Duration(keepaliveNS)
		if age := now.Sub(lastSeen); age > interval {
			lapsed = append(lapsed, expired{id: id, dead: age})
		}
	}
	rows.Close()

	for _, e := range lapsed {
		reason := fmt.Sprintf("keepalive expired: silent for %s", e.dead.Round(time.Millisecond))
		a.mu.Lock()
		err := a.destroyLocked(ctx, e.id, reason)
		a.mu.Unlock()
		if err != nil {
			a.log.Warn("failed to reap job", "job_id", e.id, "error", err)
			continue
		}
		a.log.Info("job reaped", "job_id", e.id, "silent_for", e.dead)
	}
}
