package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// PeakBand is a daily hour window [StartHour, EndHour) during which the
// return-home priority override applies.
type PeakBand struct {
	StartHour int
	EndHour   int
}

// DispatchConfig holds every tunable of the dispatch engine. Values are
// primarily loaded from environment variables with sane defaults so the
// binary can run locally without excessive setup.
type DispatchConfig struct {
	AcceptWindow      time.Duration // max time a ride may stay unassigned
	DiscoveryInterval time.Duration // discovery tick period
	TickStopBuffer    time.Duration // stop ticking this long before expiry
	BatchPerTick      int           // notifications scheduled per tick
	MaxCandidates     int           // geo query limit per tick
	DefaultRadiusKm   float64
	RadiusByTier      map[string]float64 // passenger tier -> search radius km
	PeakBands         []PeakBand
	RegionSplitLng    float64 // longitude dividing the two operating regions

	StaleLocation   time.Duration // evict when last location older than this
	DisconnectGrace time.Duration // evict this long after a disconnect
	SweepInterval   time.Duration

	LockTTL time.Duration // assignment lock TTL, crash-safety net only

	FareMinRatio    float64 // accepted actual/estimate lower bound
	FareMaxRatio    float64
	FareAbsoluteMin float64 // fallback band when no estimate exists
	FareAbsoluteMax float64
}

// ServerConfig captures all tunable parameters for the API process.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string

	KafkaBrokers        []string
	KafkaLocationsTopic string
	KafkaEventsTopic    string
	KafkaGroup          string

	PGDSN string

	OSRMEndpoint    string
	ProfileEndpoint string

	PushEndpoint string
	PushKey      string

	Dispatch DispatchConfig

	LogLevel      string
	RunMigrations bool
}

func defaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		AcceptWindow:      20 * time.Second,
		DiscoveryInterval: 5 * time.Second,
		TickStopBuffer:    500 * time.Millisecond,
		BatchPerTick:      5,
		MaxCandidates:     10,
		DefaultRadiusKm:   3.0,
		RadiusByTier: map[string]float64{
			"standard": 2.0,
			"silver":   2.5,
			"gold":     3.0,
			"platinum": 3.5,
		},
		PeakBands:       []PeakBand{{6, 9}, {17, 21}},
		RegionSplitLng:  29.0,
		StaleLocation:   5 * time.Minute,
		DisconnectGrace: 60 * time.Second,
		SweepInterval:   60 * time.Second,
		LockTTL:         30 * time.Second,
		FareMinRatio:    0.90,
		FareMaxRatio:    1.25,
		FareAbsoluteMin: 175,
		FareAbsoluteMax: 50000,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		KafkaLocationsTopic: "driver-locations",
		KafkaEventsTopic:    "ride-events",
		KafkaGroup:          "ride-dispatch-worker",
		Dispatch:            defaultDispatchConfig(),
		LogLevel:            "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationsTopic, "KAFKA_LOCATIONS_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setStringFromEnv(&cfg.ProfileEndpoint, "PROFILE_ENDPOINT")
	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	setStringFromEnv(&cfg.PushKey, "PUSH_KEY")

	d := &cfg.Dispatch
	setDurationFromEnv(&d.AcceptWindow, "DISPATCH_ACCEPT_WINDOW", &errs)
	setDurationFromEnv(&d.DiscoveryInterval, "DISPATCH_DISCOVERY_INTERVAL", &errs)
	setDurationFromEnv(&d.TickStopBuffer, "DISPATCH_TICK_STOP_BUFFER", &errs)
	setIntFromEnv(&d.BatchPerTick, "DISPATCH_BATCH_PER_TICK", &errs)
	setIntFromEnv(&d.MaxCandidates, "DISPATCH_MAX_CANDIDATES", &errs)
	setFloatFromEnv(&d.DefaultRadiusKm, "DISPATCH_DEFAULT_RADIUS_KM", &errs)
	setFloatFromEnv(&d.RegionSplitLng, "DISPATCH_REGION_SPLIT_LNG", &errs)
	setDurationFromEnv(&d.StaleLocation, "PRESENCE_STALE_LOCATION", &errs)
	setDurationFromEnv(&d.DisconnectGrace, "PRESENCE_DISCONNECT_GRACE", &errs)
	setDurationFromEnv(&d.SweepInterval, "PRESENCE_SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&d.LockTTL, "ASSIGN_LOCK_TTL", &errs)
	setFloatFromEnv(&d.FareMinRatio, "FARE_MIN_RATIO", &errs)
	setFloatFromEnv(&d.FareMaxRatio, "FARE_MAX_RATIO", &errs)
	setFloatFromEnv(&d.FareAbsoluteMin, "FARE_ABSOLUTE_MIN", &errs)
	setFloatFromEnv(&d.FareAbsoluteMax, "FARE_ABSOLUTE_MAX", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if d.BatchPerTick <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_BATCH_PER_TICK must be > 0"))
	}
	if d.MaxCandidates <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_CANDIDATES must be > 0"))
	}
	if d.AcceptWindow < time.Second {
		errs = append(errs, fmt.Errorf("DISPATCH_ACCEPT_WINDOW must be >= 1s"))
	}
	if d.LockTTL < d.AcceptWindow {
		// the lock must outlive the window it protects
		d.LockTTL = d.AcceptWindow + 10*time.Second
	}
	if d.FareMinRatio <= 0 || d.FareMaxRatio <= d.FareMinRatio {
		errs = append(errs, fmt.Errorf("fare ratio band is inverted"))
	}

	return cfg, errors.Join(errs...)
}

// RadiusForTier returns the search radius for a passenger tier.
func (d DispatchConfig) RadiusForTier(tier string) float64 {
	if r, ok := d.RadiusByTier[tier]; ok {
		return r
	}
	return d.DefaultRadiusKm
}

// InPeakBand reports whether t falls inside any configured peak band.
func (d DispatchConfig) InPeakBand(t time.Time) bool {
	h := t.Hour()
	for _, b := range d.PeakBands {
		if h >= b.StartHour && h < b.EndHour {
			return true
		}
	}
	return false
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
