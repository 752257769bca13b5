package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNotFound = errors.New("presence: driver not found")

// Store holds the ephemeral per-driver connectivity/location record.
// It is rebuilt on reconnect and swept by the reconciler, so every write
// is an idempotent upsert.
type Store interface {
	Get(ctx context.Context, driverID string) (models.DriverPresence, error)
	UpsertLocation(ctx context.Context, driverID, class string, lat, lng float64) error
	SetAvailable(ctx context.Context, driverID string, available bool) error
	SetChannel(ctx context.Context, driverID, channelID string) error
	MarkDisconnected(ctx context.Context, driverID string, at time.Time) error
	ClearDisconnected(ctx context.Context, driverID string) error
}

type MemoryStore struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverPresence
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drivers: make(map[string]models.DriverPresence)}
}

func (m *MemoryStore) Get(_ context.Context, driverID string) (models.DriverPresence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.drivers[driverID]
	if !ok {
		return models.DriverPresence{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) UpsertLocation(_ context.Context, driverID, class string, lat, lng float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.drivers[driverID]
	p.DriverID = driverID
	if class != "" {
		p.VehicleClass = class
	}
	p.Loc = models.Coord{Lat: lat, Lng: lng}
	p.LastLocUpdate = time.Now()
	m.drivers[driverID] = p
	return nil
}

func (m *MemoryStore) SetAvailable(_ context.Context, driverID string, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.drivers[driverID]
	p.DriverID = driverID
	p.Available = available
	m.drivers[driverID] = p
	return nil
}

func (m *MemoryStore) SetChannel(_ context.Context, driverID, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.drivers[driverID]
	p.DriverID = driverID
	p.ChannelID = channelID
	m.drivers[driverID] = p
	return nil
}

func (m *MemoryStore) MarkDisconnected(_ context.Context, driverID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.drivers[driverID]
	p.DriverID = driverID
	p.DisconnectedAt = &at
	m.drivers[driverID] = p
	return nil
}

func (m *MemoryStore) ClearDisconnected(_ context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.drivers[driverID]
	p.DriverID = driverID
	p.DisconnectedAt = nil
	m.drivers[driverID] = p
	return nil
}
