package reconcile

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

func newReconciler() (*Reconciler, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	r := &Reconciler{
		Geo:      geo.NewMemoryIndex(),
		Presence: presence.NewMemoryStore(),
		Store:    store,
		Cfg: config.DispatchConfig{
			StaleLocation:   5 * time.Minute,
			DisconnectGrace: 60 * time.Second,
			SweepInterval:   60 * time.Second,
		},
		Logger: slog.Default(),
	}
	return r, store
}

func addDriver(t *testing.T, r *Reconciler, id string) {
	t.Helper()
	ctx := context.Background()
	if err := r.Presence.UpsertLocation(ctx, id, models.ClassSari, 41, 29); err != nil {
		t.Fatal(err)
	}
	if err := r.Presence.SetAvailable(ctx, id, true); err != nil {
		t.Fatal(err)
	}
	if err := r.Geo.Upsert(ctx, models.ClassSari, id, 41, 29); err != nil {
		t.Fatal(err)
	}
}

func inIndex(t *testing.T, r *Reconciler, id string) bool {
	t.Helper()
	members, err := r.Geo.Members(context.Background(), models.ClassSari)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range members {
		if m == id {
			return true
		}
	}
	return false
}

func TestSweep_EvictsStaleLocation(t *testing.T) {
	r, store := newReconciler()
	addDriver(t, r, "d1")

	// presence timestamps are real time; move the clock six minutes ahead
	r.Now = func() time.Time { return time.Now().Add(6 * time.Minute) }

	if n := r.Sweep(context.Background()); n != 1 {
		t.Fatalf("evictions = %d, want 1", n)
	}
	if inIndex(t, r, "d1") {
		t.Error("stale driver still in index")
	}
	p, _ := r.Presence.Get(context.Background(), "d1")
	if p.Available {
		t.Error("stale driver still marked available")
	}
	if store.DriverAvailable("d1") {
		t.Error("durable availability not flipped")
	}
}

func TestSweep_KeepsFreshDriver(t *testing.T) {
	r, _ := newReconciler()
	addDriver(t, r, "d1")

	if n := r.Sweep(context.Background()); n != 0 {
		t.Fatalf("evictions = %d, want 0", n)
	}
	if !inIndex(t, r, "d1") {
		t.Error("fresh driver evicted")
	}
}

func TestSweep_DisconnectWithinGraceSurvives(t *testing.T) {
	r, _ := newReconciler()
	addDriver(t, r, "d1")
	ctx := context.Background()
	r.Presence.MarkDisconnected(ctx, "d1", time.Now().Add(-30*time.Second))

	if n := r.Sweep(ctx); n != 0 {
		t.Fatalf("evictions = %d, want 0 inside grace", n)
	}

	// reconnecting clears the mark entirely
	r.Presence.ClearDisconnected(ctx, "d1")
	if n := r.Sweep(ctx); n != 0 {
		t.Fatalf("evictions after reconnect = %d, want 0", n)
	}
}

func TestSweep_DisconnectPastGraceEvicted(t *testing.T) {
	r, _ := newReconciler()
	addDriver(t, r, "d1")
	ctx := context.Background()
	r.Presence.MarkDisconnected(ctx, "d1", time.Now().Add(-2*time.Minute))

	if n := r.Sweep(ctx); n != 1 {
		t.Fatalf("evictions = %d, want 1 past grace", n)
	}
	if inIndex(t, r, "d1") {
		t.Error("disconnected driver still in index")
	}
}

func TestSweep_GhostWithoutPresenceEvicted(t *testing.T) {
	r, _ := newReconciler()
	// index entry with no presence record at all
	r.Geo.Upsert(context.Background(), models.ClassSari, "ghost", 41, 29)

	if n := r.Sweep(context.Background()); n != 1 {
		t.Fatalf("evictions = %d, want 1", n)
	}
	if inIndex(t, r, "ghost") {
		t.Error("ghost still in index")
	}
}
