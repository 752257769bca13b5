package config

import (
	"testing"
	"time"
)

func TestLoadServerConfig_Defaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %s", cfg.HTTPAddr)
	}
	d := cfg.Dispatch
	if d.AcceptWindow != 20*time.Second || d.DiscoveryInterval != 5*time.Second {
		t.Errorf("dispatch timings = %v / %v", d.AcceptWindow, d.DiscoveryInterval)
	}
	if d.BatchPerTick != 5 || d.MaxCandidates != 10 {
		t.Errorf("batch/candidates = %d / %d", d.BatchPerTick, d.MaxCandidates)
	}
	if d.RegionSplitLng != 29.0 {
		t.Errorf("region split = %v", d.RegionSplitLng)
	}
}

func TestLoadServerConfig_EnvOverrides(t *testing.T) {
	t.Setenv("DISPATCH_ACCEPT_WINDOW", "45s")
	t.Setenv("DISPATCH_BATCH_PER_TICK", "3")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Dispatch.AcceptWindow != 45*time.Second {
		t.Errorf("AcceptWindow = %v", cfg.Dispatch.AcceptWindow)
	}
	if cfg.Dispatch.BatchPerTick != 3 {
		t.Errorf("BatchPerTick = %d", cfg.Dispatch.BatchPerTick)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
}

func TestLoadServerConfig_InvalidValues(t *testing.T) {
	t.Setenv("DISPATCH_ACCEPT_WINDOW", "not-a-duration")
	if _, err := LoadServerConfig(); err == nil {
		t.Error("expected error for bad duration")
	}
}

func TestLoadServerConfig_RejectsBadBounds(t *testing.T) {
	t.Setenv("DISPATCH_BATCH_PER_TICK", "0")
	if _, err := LoadServerConfig(); err == nil {
		t.Error("expected error for zero batch")
	}
}

func TestLoadServerConfig_LockTTLOutlivesWindow(t *testing.T) {
	t.Setenv("DISPATCH_ACCEPT_WINDOW", "60s")
	t.Setenv("ASSIGN_LOCK_TTL", "10s")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Dispatch.LockTTL != 70*time.Second {
		t.Errorf("LockTTL = %v, want raised to 70s", cfg.Dispatch.LockTTL)
	}
}

func TestRadiusForTier(t *testing.T) {
	d := defaultDispatchConfig()
	cases := []struct {
		tier string
		want float64
	}{
		{"standard", 2.0},
		{"silver", 2.5},
		{"gold", 3.0},
		{"platinum", 3.5},
		{"", 3.0},
		{"unknown", 3.0},
	}
	for _, c := range cases {
		if got := d.RadiusForTier(c.tier); got != c.want {
			t.Errorf("RadiusForTier(%q) = %v, want %v", c.tier, got, c.want)
		}
	}
}

func TestInPeakBand(t *testing.T) {
	d := defaultDispatchConfig()
	cases := []struct {
		hour int
		want bool
	}{
		{5, false},
		{6, true},
		{8, true},
		{9, false},
		{12, false},
		{17, true},
		{20, true},
		{21, false},
	}
	for _, c := range cases {
		ts := time.Date(2025, 3, 10, c.hour, 30, 0, 0, time.UTC)
		if got := d.InPeakBand(ts); got != c.want {
			t.Errorf("InPeakBand(hour %d) = %v, want %v", c.hour, got, c.want)
		}
	}
}
