// Package httpapi exposes the dispatch engine over HTTP and websockets.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/assign"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/profile"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/timeout"
)

type Server struct {
	Store       storage.Store
	Geo         geo.Index
	Presence    presence.Store
	Broadcaster *dispatch.Broadcaster
	Assign      *assign.Coordinator
	Lifecycle   *lifecycle.Service
	Estimator   fare.RouteEstimator
	Kafka       *ingest.KafkaProducer
	WSReg       *notify.WSRegistry
	Cfg         config.ServerConfig

	logger *slog.Logger
	mux    *mux.Router
}

// NewServerFromEnv wires the full engine from cfg. Redis, Postgres and
// Kafka are each optional; missing ones fall back to in-process
// implementations so the binary runs standalone in development.
func NewServerFromEnv(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*Server, func(), error) {
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	}

	var (
		gidx   geo.Index
		pres   presence.Store
		locker lock.Locker
		routes lifecycle.RouteLog
	)
	if rdb != nil {
		gidx = geo.NewRedisIndex(rdb)
		pres = presence.NewRedisStore(rdb)
		locker = lock.NewRedisLocker(rdb)
		routes = lifecycle.NewRedisRouteLog(rdb)
	} else {
		gidx = geo.NewMemoryIndex()
		pres = presence.NewMemoryStore()
		locker = lock.NewMemoryLocker()
		routes = lifecycle.NewMemoryRouteLog()
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, nil, err
		}
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx, "migrations"); err != nil {
				return nil, nil, err
			}
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	wsreg := notify.NewWSRegistry()
	var notifier notify.Notifier = wsreg
	if cfg.PushEndpoint != "" {
		notifier = notify.Fanout{wsreg, notify.NewPushNotifier(cfg.PushEndpoint, cfg.PushKey)}
	}

	// Without Redis the timeout job fires in-process instead of through
	// the worker binary.
	worker := &timeout.Worker{Store: store, Notifier: notifier, Logger: logger}
	var scheduler timeout.Scheduler
	if rdb != nil {
		scheduler = timeout.NewRedisScheduler(rdb)
	} else {
		scheduler = timeout.NewMemoryScheduler(func(rideID string) {
			if err := worker.HandleExpiry(context.Background(), rideID); err != nil {
				logger.Error("handle ride expiry", "ride_id", rideID, "error", err)
			}
		})
	}

	var profiles dispatch.ProfileService
	if cfg.ProfileEndpoint != "" {
		profiles = profile.NewClient(cfg.ProfileEndpoint)
	} else {
		profiles = profile.Static{}
	}

	var estimator fare.RouteEstimator
	if cfg.OSRMEndpoint != "" {
		estimator = fare.NewOSRMClient(cfg.OSRMEndpoint)
	} else {
		estimator = fare.HaversineEstimator{}
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationsTopic, cfg.KafkaEventsTopic)
	}

	if kp != nil {
		worker.Events = kp
	}

	bcaster := dispatch.NewBroadcaster(gidx, pres, profiles, store, notifier, scheduler, cfg.Dispatch, logger)

	coord := &assign.Coordinator{
		Store:      store,
		Locker:     locker,
		Geo:        gidx,
		Presence:   pres,
		Notifier:   notifier,
		Timeouts:   scheduler,
		Broadcasts: bcaster,
		LockTTL:    cfg.Dispatch.LockTTL,
		Logger:     logger,
	}
	if kp != nil {
		coord.Events = kp
	}

	lc := &lifecycle.Service{
		Store:      store,
		Presence:   pres,
		Geo:        gidx,
		Notifier:   notifier,
		Timeouts:   scheduler,
		Broadcasts: bcaster,
		Routes:     routes,
		Cfg:        cfg.Dispatch,
		Logger:     logger,
	}
	if kp != nil {
		lc.Events = kp
	}

	s := &Server{
		Store:       store,
		Geo:         gidx,
		Presence:    pres,
		Broadcaster: bcaster,
		Assign:      coord,
		Lifecycle:   lc,
		Estimator:   estimator,
		Kafka:       kp,
		WSReg:       wsreg,
		Cfg:         cfg,
		logger:      logger,
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()

	cleanup := func() {
		if kp != nil {
			_ = kp.Close()
		}
		if rdb != nil {
			_ = rdb.Close()
		}
	}
	return s, cleanup, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
