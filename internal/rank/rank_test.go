package rank

import (
	"testing"
	"time"
)

func TestPriorityDelay(t *testing.T) {
	cases := []struct {
		tier string
		want time.Duration
	}{
		{"platinum", 0},
		{"gold", 1 * time.Second},
		{"silver", 2 * time.Second},
		{"standard", 3 * time.Second},
		{"", 3 * time.Second},
		{"unknown", 3 * time.Second},
	}
	for _, c := range cases {
		if got := PriorityDelay(c.tier); got != c.want {
			t.Errorf("PriorityDelay(%q) = %v, want %v", c.tier, got, c.want)
		}
	}
}

func TestRegion(t *testing.T) {
	if got := Region(28.9, 29.0); got != "avrupa" {
		t.Errorf("Region(28.9) = %q, want avrupa", got)
	}
	if got := Region(29.1, 29.0); got != "anadolu" {
		t.Errorf("Region(29.1) = %q, want anadolu", got)
	}
	if got := Region(29.0, 29.0); got != "anadolu" {
		t.Errorf("Region(29.0) = %q, want anadolu", got)
	}
}

func TestOrder_TierDelays(t *testing.T) {
	profiles := map[string]DriverProfile{
		"std":  {Tier: "standard"},
		"slv":  {Tier: "silver"},
		"gld":  {Tier: "gold"},
		"plat": {Tier: "platinum"},
	}
	ranked := Order([]string{"std", "slv", "gld", "plat"}, profiles, Context{})
	want := []string{"plat", "gld", "slv", "std"}
	for i, w := range want {
		if ranked[i].DriverID != w {
			t.Fatalf("position %d = %s, want %s (full: %+v)", i, ranked[i].DriverID, w, ranked)
		}
	}
	if ranked[0].Delay != 0 || ranked[3].Delay != 3*time.Second {
		t.Errorf("unexpected delays: %+v", ranked)
	}
}

func TestOrder_MissingProfileIsStandard(t *testing.T) {
	ranked := Order([]string{"ghost"}, nil, Context{})
	if ranked[0].Delay != 3*time.Second {
		t.Errorf("missing profile delay = %v, want 3s", ranked[0].Delay)
	}
}

func TestOrder_PeakReturnHomeOverride(t *testing.T) {
	profiles := map[string]DriverProfile{
		"plat": {Tier: "platinum", HomeRegion: "avrupa"},
		"home": {Tier: "standard", HomeRegion: "anadolu"},
	}
	rc := Context{Peak: true, PickupRegion: "avrupa", DestRegion: "anadolu"}

	ranked := Order([]string{"plat", "home"}, profiles, rc)
	for _, r := range ranked {
		if r.DriverID == "home" && r.Delay != 0 {
			t.Errorf("return-home driver delay = %v, want 0", r.Delay)
		}
	}

	// outside peak hours the override does not apply
	ranked = Order([]string{"home"}, profiles, Context{Peak: false, PickupRegion: "avrupa", DestRegion: "anadolu"})
	if ranked[0].Delay != 3*time.Second {
		t.Errorf("off-peak delay = %v, want 3s", ranked[0].Delay)
	}

	// destination in the pickup region does not trigger the override
	ranked = Order([]string{"home"}, profiles, Context{Peak: true, PickupRegion: "avrupa", DestRegion: "avrupa"})
	if ranked[0].Delay != 3*time.Second {
		t.Errorf("same-region delay = %v, want 3s", ranked[0].Delay)
	}
}

func TestOrder_StableForEqualDelays(t *testing.T) {
	// equal tiers keep their input (distance) order
	ranked := Order([]string{"near", "far"}, nil, Context{})
	if ranked[0].DriverID != "near" || ranked[1].DriverID != "far" {
		t.Errorf("equal delays reordered: %+v", ranked)
	}
}
