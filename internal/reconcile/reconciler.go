// Package reconcile sweeps ghost drivers out of the geo index. It is the
// recovery path for crashed clients and missed disconnects, and only ever
// touches availability and index membership, never a ride's status.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

type Reconciler struct {
	Geo      geo.Index
	Presence presence.Store
	Store    storage.Store
	Cfg      config.DispatchConfig
	Logger   *slog.Logger

	// injectable for tests
	Now func() time.Time
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(ctx); n > 0 {
				r.Logger.Info("stale drivers evicted", "count", n)
			}
		}
	}
}

// Sweep enumerates every class index and evicts members whose presence
// has decayed. Returns the number of evictions.
func (r *Reconciler) Sweep(ctx context.Context) int {
	now := r.now()
	evicted := 0
	for _, class := range models.VehicleClasses() {
		members, err := r.Geo.Members(ctx, class)
		if err != nil {
			r.Logger.Error("enumerate index", "class", class, "error", err)
			continue
		}
		for _, driverID := range members {
			stale, reason := r.isStale(ctx, driverID, now)
			if !stale {
				continue
			}
			if err := r.evict(ctx, class, driverID); err != nil {
				r.Logger.Error("evict stale driver", "driver_id", driverID, "class", class, "error", err)
				continue
			}
			evicted++
			observability.ReconcilerEvictions.Inc()
			r.Logger.Info("evicted stale driver", "driver_id", driverID, "class", class, "reason", reason)
		}
	}
	return evicted
}

func (r *Reconciler) isStale(ctx context.Context, driverID string, now time.Time) (bool, string) {
	p, err := r.Presence.Get(ctx, driverID)
	if err != nil {
		// in the index with no presence record at all: a ghost
		return true, "no_presence"
	}
	if p.DisconnectedAt != nil && now.Sub(*p.DisconnectedAt) > r.Cfg.DisconnectGrace {
		return true, "grace_period_expired"
	}
	if p.LastLocUpdate.IsZero() {
		return true, "no_location_data"
	}
	if now.Sub(p.LastLocUpdate) > r.Cfg.StaleLocation {
		return true, "stale_location"
	}
	return false, ""
}

func (r *Reconciler) evict(ctx context.Context, class, driverID string) error {
	if err := r.Geo.Remove(ctx, class, driverID); err != nil {
		return err
	}
	if err := r.Presence.SetAvailable(ctx, driverID, false); err != nil {
		return err
	}
	// the durable flag must flip too, or the driver resurrects on restart
	return r.Store.SetDriverAvailable(ctx, driverID, false)
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
