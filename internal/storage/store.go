package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrRideNotFound = errors.New("storage: ride not found")

// Store defines persistence for rides, dispatch requests and the durable
// driver availability flag.
type Store interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	UpdateRide(ctx context.Context, r *models.Ride) error

	CreateDispatchRequest(ctx context.Context, dr *models.DispatchRequest) error
	SetDispatchResponse(ctx context.Context, rideID, driverID, response string, at time.Time) error
	MarkDispatchTimedOut(ctx context.Context, rideID string) error
	// PendingDispatchRequests returns no_response rows for a ride,
	// optionally excluding one driver.
	PendingDispatchRequests(ctx context.Context, rideID, excludeDriver string) ([]models.DispatchRequest, error)
	DispatchRequestsForRide(ctx context.Context, rideID string) ([]models.DispatchRequest, error)

	SetDriverAvailable(ctx context.Context, driverID string, available bool) error

	// WithinTx runs fn inside one transaction; the ride row read through
	// Tx.GetRideForUpdate is write-locked until commit or rollback.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transactional slice of Store used by the assignment critical
// section.
type Tx interface {
	GetRideForUpdate(rideID string) (*models.Ride, error)
	UpdateRide(r *models.Ride) error
	SetDispatchResponse(rideID, driverID, response string, at time.Time) error
	SetDriverAvailable(driverID string, available bool) error
}

type drKey struct {
	rideID, driverID string
}

// MemoryStore is the non-durable Store used in tests and single-node runs.
// One mutex serializes transactions, which trivially satisfies the
// write-lock contract.
type MemoryStore struct {
	mu        sync.Mutex
	rides     map[string]models.Ride
	requests  map[drKey]models.DispatchRequest
	reqOrder  []drKey
	available map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:     make(map[string]models.Ride),
		requests:  make(map[drKey]models.DispatchRequest),
		available: make(map[string]bool),
	}
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrRideNotFound
	}
	cp := r
	return &cp, nil
}

func (m *MemoryStore) UpdateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; !ok {
		return ErrRideNotFound
	}
	r.UpdatedAt = time.Now()
	m.rides[r.ID] = *r
	return nil
}

func (m *MemoryStore) CreateDispatchRequest(_ context.Context, dr *models.DispatchRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := drKey{dr.RideID, dr.DriverID}
	if _, ok := m.requests[k]; !ok {
		m.reqOrder = append(m.reqOrder, k)
	}
	m.requests[k] = *dr
	return nil
}

func (m *MemoryStore) SetDispatchResponse(_ context.Context, rideID, driverID, response string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setDispatchResponseLocked(rideID, driverID, response, at)
	return nil
}

func (m *MemoryStore) setDispatchResponseLocked(rideID, driverID, response string, at time.Time) {
	k := drKey{rideID, driverID}
	if dr, ok := m.requests[k]; ok {
		dr.Response = response
		dr.ResponseAt = &at
		m.requests[k] = dr
	}
}

func (m *MemoryStore) MarkDispatchTimedOut(_ context.Context, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, dr := range m.requests {
		if k.rideID == rideID && dr.Response == models.ResponseNone {
			dr.TimedOut = true
			m.requests[k] = dr
		}
	}
	return nil
}

func (m *MemoryStore) PendingDispatchRequests(_ context.Context, rideID, excludeDriver string) ([]models.DispatchRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DispatchRequest
	for _, k := range m.reqOrder {
		dr := m.requests[k]
		if k.rideID == rideID && k.driverID != excludeDriver && dr.Response == models.ResponseNone {
			out = append(out, dr)
		}
	}
	return out, nil
}

func (m *MemoryStore) DispatchRequestsForRide(_ context.Context, rideID string) ([]models.DispatchRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DispatchRequest
	for _, k := range m.reqOrder {
		if k.rideID == rideID {
			out = append(out, m.requests[k])
		}
	}
	return out, nil
}

func (m *MemoryStore) SetDriverAvailable(_ context.Context, driverID string, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available[driverID] = available
	return nil
}

// DriverAvailable reports the durable flag; used by tests.
func (m *MemoryStore) DriverAvailable(driverID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available[driverID]
}

func (m *MemoryStore) WithinTx(_ context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{s: m}
	if err := fn(tx); err != nil {
		// roll back staged writes by discarding them
		return err
	}
	tx.commit()
	return nil
}

// memTx stages writes and applies them only when the closure succeeds.
type memTx struct {
	s       *MemoryStore
	pending []func()
}

func (t *memTx) GetRideForUpdate(rideID string) (*models.Ride, error) {
	r, ok := t.s.rides[rideID]
	if !ok {
		return nil, ErrRideNotFound
	}
	cp := r
	return &cp, nil
}

func (t *memTx) UpdateRide(r *models.Ride) error {
	cp := *r
	t.pending = append(t.pending, func() {
		cp.UpdatedAt = time.Now()
		t.s.rides[cp.ID] = cp
	})
	return nil
}

func (t *memTx) SetDispatchResponse(rideID, driverID, response string, at time.Time) error {
	t.pending = append(t.pending, func() {
		t.s.setDispatchResponseLocked(rideID, driverID, response, at)
	})
	return nil
}

func (t *memTx) SetDriverAvailable(driverID string, available bool) error {
	t.pending = append(t.pending, func() {
		t.s.available[driverID] = available
	})
	return nil
}

func (t *memTx) commit() {
	for _, f := range t.pending {
		f()
	}
}
