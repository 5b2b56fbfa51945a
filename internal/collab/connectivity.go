package collab

import (
	"context"
	"time"

	"setlist-sync/internal/setlist"
	"setlist-sync/internal/store"
)

// Pinger is the liveness check MonitorConnectivity polls.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MonitorConnectivity pings p every interval until ctx is done and calls
// onOnline on every offline to online transition. The store is assumed
// reachable at start.
func MonitorConnectivity(ctx context.Context, p Pinger, interval time.Duration, onOnline func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	online := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, interval)
			err := p.Ping(pctx)
			cancel()
			if ctx.Err() != nil {
				return
			}
			switch {
			case err != nil:
				online = false
			case !online:
				online = true
				onOnline()
			}
		}
	}
}

// CreateSetlist stores a new setlist owned by ident and returns its id.
func CreateSetlist(ctx context.Context, docs store.Documents, ident setlist.Identity, in setlist.NewSetlist) (string, error) {
	if ident.UserID == "" {
		return "", setlist.ErrAuthRequired
	}
	id, err := docs.CreateSetlist(ctx, in.Build(ident.UserID, time.Now()))
	if err != nil {
		return "", wrapSyncError("create setlist", err)
	}
	return id, nil
}
