// The worker owns the background halves of dispatch: it consumes driver
// location updates from Kafka into the live index, fires due ride
// timeouts, and sweeps stale drivers out of the candidate pool.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/reconcile"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/timeout"
)

var (
	locationsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_locations_consumed_total",
		Help: "Total driver location messages consumed",
	})
	locationsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_locations_invalid_total",
		Help: "Total invalid location messages received",
	})
	indexUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_index_updates_total",
		Help: "Total successful index updates",
	})
	indexErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_index_errors_total",
		Help: "Total index update failures after retries",
	})
	timeoutsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_timeouts_processed_total",
		Help: "Total ride timeout jobs processed",
	})
	timeoutErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_timeout_errors_total",
		Help: "Total ride timeout job failures",
	})
)

func init() {
	prometheus.MustRegister(locationsConsumed, locationsInvalid, indexUpdates, indexErrors,
		timeoutsProcessed, timeoutErrors)
}

func main() {
	var metricsAddr string
	var pollInterval time.Duration
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.DurationVar(&pollInterval, "timeout-poll-interval", time.Second, "how often to poll for due ride timeouts")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr, Password: cfg.RedisPassword})

	gidx := geo.NewRedisIndex(rdb)
	pres := presence.NewRedisStore(rdb)

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect", "error", err)
			os.Exit(1)
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	var notifier notify.Notifier = notify.Fanout{}
	if cfg.PushEndpoint != "" {
		notifier = notify.NewPushNotifier(cfg.PushEndpoint, cfg.PushKey)
	}

	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	producer := ingest.NewKafkaProducer(brokers, cfg.KafkaLocationsTopic, cfg.KafkaEventsTopic)
	defer producer.Close()

	worker := &timeout.Worker{Store: store, Notifier: notifier, Events: producer, Logger: logger}
	sched := timeout.NewRedisScheduler(rdb)
	rec := &reconcile.Reconciler{Geo: gidx, Presence: pres, Store: store, Cfg: cfg.Dispatch, Logger: logger}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rdb.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go rec.Run(ctx)
	go timeoutLoop(ctx, sched, worker, pollInterval, logger)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.KafkaLocationsTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = reader.Close()
		_ = rdb.Close()
	}()

	logger.Info("consuming driver locations",
		"topic", cfg.KafkaLocationsTopic, "brokers", brokers, "group", cfg.KafkaGroup)

	updater := &liveIndex{geo: gidx, presence: pres}

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down worker")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		locationsConsumed.Inc()

		var loc models.DriverLocation
		if err := json.Unmarshal(m.Value, &loc); err != nil {
			locationsInvalid.Inc()
			logger.Warn("invalid location message", "error", err)
			continue
		}
		if loc.DriverID == "" || !models.ValidVehicleClass(loc.VehicleClass) {
			locationsInvalid.Inc()
			continue
		}

		if err := applyWithRetry(ctx, updater, loc, 3, 200*time.Millisecond); err != nil {
			indexErrors.Inc()
			logger.Warn("index update failed", "driver_id", loc.DriverID, "error", err)
			continue
		}
		indexUpdates.Inc()
	}
}

// timeoutLoop claims due timeout jobs and runs the expiry handler for
// each. A claim is exclusive across workers, so a ride expires once.
func timeoutLoop(ctx context.Context, sched *timeout.RedisScheduler, w *timeout.Worker,
	interval time.Duration, logger *slog.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			due, err := sched.Due(ctx, now)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				timeoutErrors.Inc()
				logger.Warn("poll due timeouts", "error", err)
				continue
			}
			for _, rideID := range due {
				if err := w.HandleExpiry(ctx, rideID); err != nil {
					timeoutErrors.Inc()
					logger.Error("handle ride expiry", "ride_id", rideID, "error", err)
					continue
				}
				timeoutsProcessed.Inc()
			}
		}
	}
}

// LocationApplier folds one location update into the live driver state.
type LocationApplier interface {
	Apply(ctx context.Context, loc models.DriverLocation) error
}

type liveIndex struct {
	geo      geo.Index
	presence presence.Store
}

func (l *liveIndex) Apply(ctx context.Context, loc models.DriverLocation) error {
	if err := l.presence.UpsertLocation(ctx, loc.DriverID, loc.VehicleClass, loc.Lat, loc.Lng); err != nil {
		return err
	}
	// only available drivers belong in the candidate index
	p, err := l.presence.Get(ctx, loc.DriverID)
	if err != nil || !p.Available {
		return nil
	}
	return l.geo.Upsert(ctx, loc.VehicleClass, loc.DriverID, loc.Lat, loc.Lng)
}

// applyWithRetry retries transient index failures with doubling delay.
func applyWithRetry(ctx context.Context, a LocationApplier, loc models.DriverLocation,
	attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = a.Apply(ctx, loc); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}
