package lifecycle

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RouteLog buffers a started ride's path until completion drains it into
// the ride row.
type RouteLog interface {
	Append(ctx context.Context, rideID string, pt models.RoutePoint) error
	Drain(ctx context.Context, rideID string) ([]models.RoutePoint, error)
}

type MemoryRouteLog struct {
	mu     sync.Mutex
	routes map[string][]models.RoutePoint
}

func NewMemoryRouteLog() *MemoryRouteLog {
	return &MemoryRouteLog{routes: make(map[string][]models.RoutePoint)}
}

func (m *MemoryRouteLog) Append(_ context.Context, rideID string, pt models.RoutePoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[rideID] = append(m.routes[rideID], pt)
	return nil
}

func (m *MemoryRouteLog) Drain(_ context.Context, rideID string) ([]models.RoutePoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pts := m.routes[rideID]
	delete(m.routes, rideID)
	return pts, nil
}

// RedisRouteLog keeps route buffers in a list per ride with a day's TTL
// so abandoned rides do not leak memory.
type RedisRouteLog struct {
	client *redis.Client
}

func NewRedisRouteLog(client *redis.Client) *RedisRouteLog {
	return &RedisRouteLog{client: client}
}

func routeKey(rideID string) string { return "ride:" + rideID + ":route" }

func (r *RedisRouteLog) Append(ctx context.Context, rideID string, pt models.RoutePoint) error {
	b, err := json.Marshal(pt)
	if err != nil {
		return err
	}
	key := routeKey(rideID)
	if err := r.client.RPush(ctx, key, b).Err(); err != nil {
		return err
	}
	return r.client.Expire(ctx, key, 24*time.Hour).Err()
}

func (r *RedisRouteLog) Drain(ctx context.Context, rideID string) ([]models.RoutePoint, error) {
	key := routeKey(rideID)
	raw, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.RoutePoint, 0, len(raw))
	for _, s := range raw {
		var pt models.RoutePoint
		if err := json.Unmarshal([]byte(s), &pt); err != nil {
			continue
		}
		out = append(out, pt)
	}
	_ = r.client.Del(ctx, key).Err()
	return out, nil
}
