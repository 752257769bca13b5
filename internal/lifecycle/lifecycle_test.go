package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/timeout"
)

type recordedEvent struct {
	Target string
	Event  string
}

type recorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recorder) Notify(target, event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{target, event})
	return nil
}

func (r *recorder) count(target, event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Target == target && e.Event == event {
			n++
		}
	}
	return n
}

func newService(store *storage.MemoryStore, rec *recorder) *Service {
	return &Service{
		Store:    store,
		Presence: presence.NewMemoryStore(),
		Geo:      geo.NewMemoryIndex(),
		Notifier: rec,
		Timeouts: timeout.NewMemoryScheduler(func(string) {}),
		Routes:   NewMemoryRouteLog(),
		Cfg: config.DispatchConfig{
			FareMinRatio:    0.90,
			FareMaxRatio:    1.25,
			FareAbsoluteMin: 175,
			FareAbsoluteMax: 50000,
		},
		Logger: slog.Default(),
	}
}

func seedRide(t *testing.T, store *storage.MemoryStore, status, driverID string) {
	t.Helper()
	now := time.Now()
	err := store.CreateRide(context.Background(), &models.Ride{
		ID:           "r1",
		PassengerID:  "p1",
		DriverID:     driverID,
		VehicleClass: models.ClassSari,
		FareEstimate: 200,
		Status:       status,
		Code4:        "7316",
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to string }{
		{models.StatusRequested, models.StatusAssigned},
		{models.StatusRequested, models.StatusCancelled},
		{models.StatusRequested, models.StatusAutoRejected},
		{models.StatusAssigned, models.StatusStarted},
		{models.StatusAssigned, models.StatusCancelled},
		{models.StatusStarted, models.StatusCompleted},
		{models.StatusStarted, models.StatusCancelled},
	}
	for _, c := range allowed {
		if !CanTransition(c.from, c.to) {
			t.Errorf("%s -> %s should be allowed", c.from, c.to)
		}
	}
	denied := []struct{ from, to string }{
		{models.StatusRequested, models.StatusStarted},
		{models.StatusRequested, models.StatusCompleted},
		{models.StatusAssigned, models.StatusCompleted},
		{models.StatusCompleted, models.StatusCancelled},
		{models.StatusCancelled, models.StatusAssigned},
		{models.StatusAutoRejected, models.StatusAssigned},
	}
	for _, c := range denied {
		if CanTransition(c.from, c.to) {
			t.Errorf("%s -> %s should be denied", c.from, c.to)
		}
	}
}

func TestStartRide(t *testing.T) {
	store := storage.NewMemoryStore()
	rec := &recorder{}
	s := newService(store, rec)
	ctx := context.Background()
	seedRide(t, store, models.StatusAssigned, "d1")

	// wrong driver
	if _, err := s.StartRide(ctx, "r1", "d2", "7316"); Reason(err) != ReasonNotAssignedDriver {
		t.Errorf("wrong driver reason = %q", Reason(err))
	}
	// wrong code
	if _, err := s.StartRide(ctx, "r1", "d1", "0000"); Reason(err) != ReasonInvalidCode {
		t.Errorf("wrong code reason = %q", Reason(err))
	}

	ride, err := s.StartRide(ctx, "r1", "d1", "7316")
	if err != nil {
		t.Fatal(err)
	}
	if ride.Status != models.StatusStarted {
		t.Fatalf("status = %s", ride.Status)
	}
	if rec.count("p1", notify.EventRideStarted) != 1 || rec.count("d1", notify.EventRideStarted) != 1 {
		t.Error("both sides should hear ride:started")
	}

	// starting twice fails on status
	if _, err := s.StartRide(ctx, "r1", "d1", "7316"); Reason(err) != "invalid_status_started" {
		t.Errorf("restart reason = %q", Reason(err))
	}
}

func TestStartRide_OnlyFromAssigned(t *testing.T) {
	store := storage.NewMemoryStore()
	s := newService(store, &recorder{})
	seedRide(t, store, models.StatusRequested, "")

	if _, err := s.StartRide(context.Background(), "r1", "d1", "7316"); Reason(err) != "invalid_status_requested" {
		t.Errorf("reason = %q, want invalid_status_requested", Reason(err))
	}
}

func TestCompleteRide(t *testing.T) {
	store := storage.NewMemoryStore()
	rec := &recorder{}
	s := newService(store, rec)
	ctx := context.Background()
	seedRide(t, store, models.StatusStarted, "d1")
	s.Routes.Append(ctx, "r1", models.RoutePoint{Lat: 41, Lng: 29, TS: time.Now()})

	ride, err := s.CompleteRide(ctx, "r1", "d1", 210)
	if err != nil {
		t.Fatal(err)
	}
	if ride.Status != models.StatusCompleted || ride.FareActual != 210 {
		t.Fatalf("ride = %+v", ride)
	}
	if len(ride.Route) != 1 {
		t.Errorf("route not attached: %+v", ride.Route)
	}
	if !store.DriverAvailable("d1") {
		t.Error("driver should be available again")
	}
	if rec.count("p1", notify.EventRideCompleted) != 1 {
		t.Error("passenger not notified of completion")
	}
}

func TestCompleteRide_FareOutOfBand(t *testing.T) {
	store := storage.NewMemoryStore()
	s := newService(store, &recorder{})
	ctx := context.Background()
	seedRide(t, store, models.StatusStarted, "d1")

	// estimate 200, band [180, 250]
	if _, err := s.CompleteRide(ctx, "r1", "d1", 100); Reason(err) != ReasonFareOutOfRange {
		t.Errorf("low fare reason = %q", Reason(err))
	}
	if _, err := s.CompleteRide(ctx, "r1", "d1", 300); Reason(err) != ReasonFareOutOfRange {
		t.Errorf("high fare reason = %q", Reason(err))
	}

	ride, _ := store.GetRide(ctx, "r1")
	if ride.Status != models.StatusStarted {
		t.Errorf("rejected completion mutated status to %s", ride.Status)
	}

	// an in-band retry succeeds
	if _, err := s.CompleteRide(ctx, "r1", "d1", 249); err != nil {
		t.Fatalf("in-band completion failed: %v", err)
	}
}

func TestCompleteRide_RejectedAttemptKeepsRoute(t *testing.T) {
	store := storage.NewMemoryStore()
	s := newService(store, &recorder{})
	ctx := context.Background()
	seedRide(t, store, models.StatusStarted, "d1")
	s.Routes.Append(ctx, "r1", models.RoutePoint{Lat: 41, Lng: 29, TS: time.Now()})

	// estimate 200, so 300 is out of band
	if _, err := s.CompleteRide(ctx, "r1", "d1", 300); Reason(err) != ReasonFareOutOfRange {
		t.Fatalf("reason = %q", Reason(err))
	}

	ride, err := s.CompleteRide(ctx, "r1", "d1", 200)
	if err != nil {
		t.Fatal(err)
	}
	if len(ride.Route) != 1 {
		t.Errorf("route lost after rejected completion: %+v", ride.Route)
	}
}

func TestCompleteRide_GuardsDriverAndStatus(t *testing.T) {
	store := storage.NewMemoryStore()
	s := newService(store, &recorder{})
	ctx := context.Background()
	seedRide(t, store, models.StatusAssigned, "d1")

	if _, err := s.CompleteRide(ctx, "r1", "d1", 200); Reason(err) != "invalid_status_assigned" {
		t.Errorf("assigned reason = %q", Reason(err))
	}

	ride, _ := store.GetRide(ctx, "r1")
	ride.Status = models.StatusStarted
	store.UpdateRide(ctx, ride)
	if _, err := s.CompleteRide(ctx, "r1", "d2", 200); Reason(err) != ReasonNotAssignedDriver {
		t.Errorf("wrong driver reason = %q", Reason(err))
	}
}

func TestCancelRide_Passenger(t *testing.T) {
	store := storage.NewMemoryStore()
	rec := &recorder{}
	s := newService(store, rec)
	ctx := context.Background()
	seedRide(t, store, models.StatusRequested, "")
	store.CreateDispatchRequest(ctx, &models.DispatchRequest{RideID: "r1", DriverID: "d9", SentAt: time.Now(), Response: models.ResponseNone})

	ride, err := s.CancelRide(ctx, "r1", "p1", "passenger", "changed my mind")
	if err != nil {
		t.Fatal(err)
	}
	if ride.Status != models.StatusCancelled || ride.CancelledBy != "passenger" || ride.CancelReason != "changed my mind" {
		t.Fatalf("ride = %+v", ride)
	}
	// drivers with open offers hear the request is gone
	if rec.count("d9", notify.EventRequestCancelled) != 1 {
		t.Error("pending driver not told about cancellation")
	}
}

func TestCancelRide_Guards(t *testing.T) {
	store := storage.NewMemoryStore()
	s := newService(store, &recorder{})
	ctx := context.Background()
	seedRide(t, store, models.StatusAssigned, "d1")

	// a stranger cannot cancel
	if _, err := s.CancelRide(ctx, "r1", "p2", "passenger", ""); Reason(err) != ReasonForbidden {
		t.Errorf("stranger reason = %q", Reason(err))
	}
	// a driver not on the ride cannot cancel
	if _, err := s.CancelRide(ctx, "r1", "d2", "driver", ""); Reason(err) != ReasonForbidden {
		t.Errorf("other driver reason = %q", Reason(err))
	}
	// unknown role
	if _, err := s.CancelRide(ctx, "r1", "p1", "admin", ""); Reason(err) != ReasonForbidden {
		t.Errorf("unknown role reason = %q", Reason(err))
	}
}

func TestCancelRide_TerminalStates(t *testing.T) {
	store := storage.NewMemoryStore()
	s := newService(store, &recorder{})
	ctx := context.Background()
	seedRide(t, store, models.StatusCompleted, "d1")

	if _, err := s.CancelRide(ctx, "r1", "p1", "passenger", ""); Reason(err) != "invalid_status_completed" {
		t.Errorf("completed reason = %q", Reason(err))
	}
}

func TestCancelRide_ReleasesAssignedDriver(t *testing.T) {
	store := storage.NewMemoryStore()
	s := newService(store, &recorder{})
	ctx := context.Background()
	seedRide(t, store, models.StatusAssigned, "d1")
	s.Presence.UpsertLocation(ctx, "d1", models.ClassSari, 41, 29)

	if _, err := s.CancelRide(ctx, "r1", "d1", "driver", "flat tire"); err != nil {
		t.Fatal(err)
	}
	if !store.DriverAvailable("d1") {
		t.Error("driver not durably re-available")
	}
	p, _ := s.Presence.Get(ctx, "d1")
	if !p.Available {
		t.Error("driver presence not re-available")
	}
	// re-admitted to the index at the last known coordinates
	members, _ := s.Geo.Members(ctx, models.ClassSari)
	if len(members) != 1 || members[0] != "d1" {
		t.Errorf("index after release = %v", members)
	}
}

func TestRejectOffer(t *testing.T) {
	store := storage.NewMemoryStore()
	s := newService(store, &recorder{})
	ctx := context.Background()
	seedRide(t, store, models.StatusRequested, "")
	store.CreateDispatchRequest(ctx, &models.DispatchRequest{RideID: "r1", DriverID: "d1", SentAt: time.Now(), Response: models.ResponseNone})

	if err := s.RejectOffer(ctx, "r1", "d1"); err != nil {
		t.Fatal(err)
	}
	reqs, _ := store.DispatchRequestsForRide(ctx, "r1")
	if reqs[0].Response != models.ResponseRejected || reqs[0].ResponseAt == nil {
		t.Fatalf("request = %+v", reqs[0])
	}
	// the ride itself is untouched
	ride, _ := store.GetRide(ctx, "r1")
	if ride.Status != models.StatusRequested {
		t.Errorf("reject mutated ride status to %s", ride.Status)
	}
}

func TestAppendRoutePoint(t *testing.T) {
	store := storage.NewMemoryStore()
	s := newService(store, &recorder{})
	ctx := context.Background()
	seedRide(t, store, models.StatusStarted, "d1")

	if err := s.AppendRoutePoint(ctx, "r1", "d1", 41.01, 29.01); err != nil {
		t.Fatal(err)
	}
	// points from the wrong driver are dropped silently
	if err := s.AppendRoutePoint(ctx, "r1", "d2", 41.02, 29.02); err != nil {
		t.Fatal(err)
	}

	route, err := s.Routes.Drain(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(route) != 1 || route[0].Lat != 41.01 {
		t.Fatalf("route = %+v", route)
	}
}

func TestMemoryRouteLog_DrainEmpties(t *testing.T) {
	rl := NewMemoryRouteLog()
	ctx := context.Background()
	rl.Append(ctx, "r1", models.RoutePoint{Lat: 1, Lng: 2, TS: time.Now()})
	rl.Append(ctx, "r1", models.RoutePoint{Lat: 3, Lng: 4, TS: time.Now()})

	route, err := rl.Drain(ctx, "r1")
	if err != nil || len(route) != 2 {
		t.Fatalf("drain = %v, %v", route, err)
	}
	route, _ = rl.Drain(ctx, "r1")
	if len(route) != 0 {
		t.Fatalf("second drain should be empty, got %v", route)
	}
}
