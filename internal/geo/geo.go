package geo

import (
	"context"
	"math"
	"sync"
)

// Candidate is one driver returned from a radius query, distance ascending.
type Candidate struct {
	DriverID   string
	DistanceKm float64
}

// Index answers "who is within radius R of point P" per vehicle class.
// Membership is implicit: a driver is in a class index iff currently
// dispatchable for that class.
type Index interface {
	Upsert(ctx context.Context, class, driverID string, lat, lng float64) error
	Remove(ctx context.Context, class, driverID string) error
	RemoveAll(ctx context.Context, driverID string) error
	Nearby(ctx context.Context, class string, lat, lng, radiusKm float64, limit int) ([]Candidate, error)
	Members(ctx context.Context, class string) ([]string, error)
}

type point struct {
	lat, lng float64
}

// MemoryIndex is a naive scan index; in prod use the Redis implementation.
type MemoryIndex struct {
	mu      sync.RWMutex
	classes map[string]map[string]point
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{classes: make(map[string]map[string]point)}
}

func (g *MemoryIndex) Upsert(_ context.Context, class, driverID string, lat, lng float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.classes[class]
	if !ok {
		m = make(map[string]point)
		g.classes[class] = m
	}
	m[driverID] = point{lat: lat, lng: lng}
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, class, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.classes[class]; ok {
		delete(m, driverID)
	}
	return nil
}

func (g *MemoryIndex) RemoveAll(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.classes {
		delete(m, driverID)
	}
	return nil
}

func (g *MemoryIndex) Nearby(_ context.Context, class string, lat, lng, radiusKm float64, limit int) ([]Candidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m := g.classes[class]
	type pair struct {
		id   string
		dist float64
	}
	arr := make([]pair, 0, len(m))
	for id, p := range m {
		d := Haversine(lat, lng, p.lat, p.lng)
		if d > radiusKm*1000 {
			continue
		}
		arr = append(arr, pair{id, d})
	}
	// partial selection sort for top-N
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]Candidate, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Candidate{DriverID: arr[i].id, DistanceKm: arr[i].dist / 1000})
	}
	return out, nil
}

func (g *MemoryIndex) Members(_ context.Context, class string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m := g.classes[class]
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
