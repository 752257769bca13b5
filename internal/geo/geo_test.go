package geo

import (
	"context"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestMemoryIndex_NearbyOrdersByDistance(t *testing.T) {
	g := NewMemoryIndex()
	ctx := context.Background()

	// roughly 0.11 km per 0.001 degree of latitude
	g.Upsert(ctx, models.ClassSari, "far", 41.020, 29.0)
	g.Upsert(ctx, models.ClassSari, "near", 41.005, 29.0)
	g.Upsert(ctx, models.ClassSari, "mid", 41.010, 29.0)

	cands, err := g.Nearby(ctx, models.ClassSari, 41.0, 29.0, 3.0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(cands))
	}
	want := []string{"near", "mid", "far"}
	for i, w := range want {
		if cands[i].DriverID != w {
			t.Fatalf("position %d = %s, want %s", i, cands[i].DriverID, w)
		}
	}
}

func TestMemoryIndex_NearbyRespectsRadiusAndLimit(t *testing.T) {
	g := NewMemoryIndex()
	ctx := context.Background()

	g.Upsert(ctx, models.ClassSari, "inside", 41.005, 29.0)
	g.Upsert(ctx, models.ClassSari, "outside", 41.100, 29.0) // ~11 km away

	cands, _ := g.Nearby(ctx, models.ClassSari, 41.0, 29.0, 2.0, 10)
	if len(cands) != 1 || cands[0].DriverID != "inside" {
		t.Fatalf("radius filter failed: %+v", cands)
	}

	g.Upsert(ctx, models.ClassSari, "inside2", 41.006, 29.0)
	g.Upsert(ctx, models.ClassSari, "inside3", 41.007, 29.0)
	cands, _ = g.Nearby(ctx, models.ClassSari, 41.0, 29.0, 2.0, 2)
	if len(cands) != 2 {
		t.Fatalf("limit not applied, got %d candidates", len(cands))
	}
}

func TestMemoryIndex_ClassesAreSeparatePools(t *testing.T) {
	g := NewMemoryIndex()
	ctx := context.Background()

	g.Upsert(ctx, models.ClassSari, "d1", 41.0, 29.0)
	g.Upsert(ctx, models.ClassVIP, "d2", 41.0, 29.0)

	cands, _ := g.Nearby(ctx, models.ClassVIP, 41.0, 29.0, 1.0, 10)
	if len(cands) != 1 || cands[0].DriverID != "d2" {
		t.Fatalf("vip pool = %+v, want only d2", cands)
	}
}

func TestMemoryIndex_UpsertMovesDriver(t *testing.T) {
	g := NewMemoryIndex()
	ctx := context.Background()

	g.Upsert(ctx, models.ClassSari, "d1", 41.0, 29.0)
	g.Upsert(ctx, models.ClassSari, "d1", 41.5, 29.5)

	cands, _ := g.Nearby(ctx, models.ClassSari, 41.0, 29.0, 1.0, 10)
	if len(cands) != 0 {
		t.Fatalf("driver should have moved away, got %+v", cands)
	}
	cands, _ = g.Nearby(ctx, models.ClassSari, 41.5, 29.5, 1.0, 10)
	if len(cands) != 1 {
		t.Fatalf("driver not found at new position")
	}
}

func TestMemoryIndex_RemoveAndRemoveAll(t *testing.T) {
	g := NewMemoryIndex()
	ctx := context.Background()

	g.Upsert(ctx, models.ClassSari, "d1", 41.0, 29.0)
	g.Remove(ctx, models.ClassSari, "d1")
	if members, _ := g.Members(ctx, models.ClassSari); len(members) != 0 {
		t.Fatalf("remove failed: %v", members)
	}

	g.Upsert(ctx, models.ClassSari, "d2", 41.0, 29.0)
	g.Upsert(ctx, models.ClassVIP, "d2", 41.0, 29.0)
	g.RemoveAll(ctx, "d2")
	for _, class := range models.VehicleClasses() {
		if members, _ := g.Members(ctx, class); len(members) != 0 {
			t.Fatalf("RemoveAll left %v in %s", members, class)
		}
	}
}

func TestHaversine(t *testing.T) {
	// one degree of latitude is about 111.2 km
	d := Haversine(41.0, 29.0, 42.0, 29.0)
	if d < 110000 || d > 112500 {
		t.Errorf("Haversine one degree lat = %v, want ~111195", d)
	}
	if d := Haversine(41.0, 29.0, 41.0, 29.0); d != 0 {
		t.Errorf("zero distance = %v", d)
	}
}
