// Package dispatch runs per-ride driver discovery: repeated geo queries,
// priority-staggered offer emission, and timeout arming. Staggering turns
// a broadcast storm into a soft priority queue resolved purely by which
// accept reaches the assignment coordinator first.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/rank"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/timeout"
)

// ProfileService exposes the account-service slice dispatch needs:
// loyalty tier and home region per driver.
type ProfileService interface {
	Profiles(ctx context.Context, driverIDs []string) (map[string]rank.DriverProfile, error)
}

// Broadcast is the cancellable per-ride discovery state: absolute expiry
// plus the monotonically growing set of drivers already scheduled for an
// offer. A driver is offered a given ride at most once, even if they
// leave and re-enter the search radius within the window.
type Broadcast struct {
	RideID    string
	ExpiresAt time.Time

	ride          models.Ride
	passengerInfo map[string]any
	radiusKm      float64

	mu       sync.Mutex
	notified map[string]struct{}
	stopped  bool
	cancel   context.CancelFunc
}

// Notified reports whether a driver was already scheduled for this ride.
func (bc *Broadcast) Notified(driverID string) bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	_, ok := bc.notified[driverID]
	return ok
}

// NotifiedIDs returns a snapshot of the notified set.
func (bc *Broadcast) NotifiedIDs() []string {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	out := make([]string, 0, len(bc.notified))
	for id := range bc.notified {
		out = append(out, id)
	}
	return out
}

// markScheduled adds the id at scheduling time, before any delay elapses,
// so concurrent ticks cannot schedule the same driver twice.
func (bc *Broadcast) markScheduled(driverID string) bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if _, ok := bc.notified[driverID]; ok {
		return false
	}
	bc.notified[driverID] = struct{}{}
	return true
}

func (bc *Broadcast) stop() {
	bc.mu.Lock()
	bc.stopped = true
	cancel := bc.cancel
	bc.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (bc *Broadcast) isStopped() bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.stopped
}

// Broadcaster owns the active broadcasts of one server process.
type Broadcaster struct {
	Geo      geo.Index
	Presence presence.Store
	Profiles ProfileService
	Store    storage.Store
	Notifier notify.Notifier
	Timeouts timeout.Scheduler
	Cfg      config.DispatchConfig
	Logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*Broadcast

	// injectable for tests
	now   func() time.Time
	after func(d time.Duration, f func()) *time.Timer
}

func NewBroadcaster(g geo.Index, p presence.Store, profiles ProfileService, st storage.Store,
	n notify.Notifier, ts timeout.Scheduler, cfg config.DispatchConfig, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		Geo:      g,
		Presence: p,
		Profiles: profiles,
		Store:    st,
		Notifier: n,
		Timeouts: ts,
		Cfg:      cfg,
		Logger:   logger,
		active:   make(map[string]*Broadcast),
		now:      time.Now,
		after:    time.AfterFunc,
	}
}

// Start begins discovery for a freshly created ride: an immediate tick,
// a repeating tick every DiscoveryInterval stopping TickStopBuffer before
// expiry, and exactly one timeout job keyed by ride id.
func (b *Broadcaster) Start(ctx context.Context, ride *models.Ride, passengerInfo map[string]any, radiusKm float64) *Broadcast {
	if radiusKm <= 0 {
		radiusKm = b.Cfg.DefaultRadiusKm
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	bc := &Broadcast{
		RideID:        ride.ID,
		ExpiresAt:     b.now().Add(b.Cfg.AcceptWindow),
		ride:          *ride,
		passengerInfo: passengerInfo,
		radiusKm:      radiusKm,
		notified:      make(map[string]struct{}),
		cancel:        cancel,
	}

	b.mu.Lock()
	b.active[ride.ID] = bc
	b.mu.Unlock()

	if err := b.Timeouts.Schedule(loopCtx, ride.ID, b.Cfg.AcceptWindow); err != nil {
		b.Logger.Error("arm timeout job", "ride_id", ride.ID, "error", err)
	}

	go b.loop(loopCtx, bc)
	return bc
}

// Cancel stops discovery for a ride that left requested. Already-scheduled
// but unfired emissions re-check status and become no-ops on their own.
func (b *Broadcaster) Cancel(rideID string) {
	b.mu.Lock()
	bc, ok := b.active[rideID]
	delete(b.active, rideID)
	b.mu.Unlock()
	if ok {
		bc.stop()
	}
}

func (b *Broadcaster) loop(ctx context.Context, bc *Broadcast) {
	defer b.Cancel(bc.RideID)

	b.runTick(ctx, bc)

	ticker := time.NewTicker(b.Cfg.DiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.now().Add(b.Cfg.TickStopBuffer).After(bc.ExpiresAt) {
				return
			}
			b.runTick(ctx, bc)
		}
	}
}

// runTick performs one discovery pass. Each tick is independent; failures
// are logged per driver and never abort the tick or the loop.
func (b *Broadcaster) runTick(ctx context.Context, bc *Broadcast) {
	if bc.isStopped() || b.now().After(bc.ExpiresAt) {
		return
	}

	// a ride that left requested implicitly cancels its broadcast
	ride, err := b.Store.GetRide(ctx, bc.RideID)
	if err != nil {
		b.Logger.Error("broadcast status check", "ride_id", bc.RideID, "error", err)
		return
	}
	if ride.Status != models.StatusRequested {
		bc.stop()
		return
	}

	cands, err := b.Geo.Nearby(ctx, bc.ride.VehicleClass, bc.ride.Origin.Lat, bc.ride.Origin.Lng, bc.radiusKm, b.Cfg.MaxCandidates)
	if err != nil {
		// index unreachable degrades to zero candidates; the timeout
		// worker eventually auto-rejects
		b.Logger.Error("geo query failed", "ride_id", bc.RideID, "error", err)
		return
	}

	fresh := make([]string, 0, len(cands))
	for _, c := range cands {
		if !bc.Notified(c.DriverID) {
			fresh = append(fresh, c.DriverID)
		}
	}
	if len(fresh) == 0 {
		return
	}

	profiles, err := b.Profiles.Profiles(ctx, fresh)
	if err != nil {
		b.Logger.Warn("profile lookup failed, ranking as standard", "ride_id", bc.RideID, "error", err)
		profiles = nil
	}

	now := b.now()
	ranked := rank.Order(fresh, profiles, rank.Context{
		Peak:         b.Cfg.InPeakBand(now),
		PickupRegion: rank.Region(bc.ride.Origin.Lng, b.Cfg.RegionSplitLng),
		DestRegion:   rank.Region(bc.ride.Destination.Lng, b.Cfg.RegionSplitLng),
	})

	scheduled := 0
	for _, cand := range ranked {
		if scheduled >= b.Cfg.BatchPerTick {
			break
		}
		p, err := b.Presence.Get(ctx, cand.DriverID)
		if err != nil || !p.Available {
			// not added to the notified set; a later tick may retry them
			continue
		}
		if !bc.markScheduled(cand.DriverID) {
			continue
		}
		dr := &models.DispatchRequest{
			RideID:   bc.RideID,
			DriverID: cand.DriverID,
			SentAt:   now,
			Response: models.ResponseNone,
		}
		if err := b.Store.CreateDispatchRequest(ctx, dr); err != nil {
			b.Logger.Error("persist dispatch request", "ride_id", bc.RideID, "driver_id", cand.DriverID, "error", err)
		}
		b.scheduleEmission(ctx, bc, cand.DriverID, cand.Delay)
		scheduled++
	}
}

func (b *Broadcaster) scheduleEmission(ctx context.Context, bc *Broadcast, driverID string, delay time.Duration) {
	b.after(delay, func() {
		// late firings after assignment/cancel must be no-ops
		ride, err := b.Store.GetRide(ctx, bc.RideID)
		if err != nil || ride.Status != models.StatusRequested {
			return
		}
		payload := b.offerPayload(bc)
		if err := b.Notifier.Notify(driverID, notify.EventRequestIncoming, payload); err != nil {
			b.Logger.Warn("offer emission failed", "ride_id", bc.RideID, "driver_id", driverID, "error", err)
			return
		}
		observability.OffersSent.Inc()
	})
}

func (b *Broadcaster) offerPayload(bc *Broadcast) map[string]any {
	r := bc.ride
	return map[string]any{
		"ride_id":        r.ID,
		"start":          map[string]any{"lat": r.Origin.Lat, "lng": r.Origin.Lng, "address": r.OriginAddr},
		"end":            map[string]any{"lat": r.Destination.Lat, "lng": r.Destination.Lng, "address": r.DestAddr},
		"vehicle_class":  r.VehicleClass,
		"fare_estimate":  r.FareEstimate,
		"passenger":      bc.passengerInfo,
		"payment_method": r.PaymentMethod,
		"expires_at":     bc.ExpiresAt.UnixMilli(),
		"sent_at":        b.now().UnixMilli(),
	}
}
