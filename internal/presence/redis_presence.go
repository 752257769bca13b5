package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisStore keeps presence records in per-driver hashes so several
// server processes share one view of connectivity.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func metaKey(driverID string) string { return "driver:" + driverID + ":meta" }

func (r *RedisStore) Get(ctx context.Context, driverID string) (models.DriverPresence, error) {
	m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return models.DriverPresence{}, err
	}
	if len(m) == 0 {
		return models.DriverPresence{}, ErrNotFound
	}
	p := models.DriverPresence{
		DriverID:     driverID,
		VehicleClass: m["vehicle_class"],
		Available:    m["available"] == "1",
		ChannelID:    m["channel_id"],
	}
	if v, ok := m["lat"]; ok {
		p.Loc.Lat, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := m["lng"]; ok {
		p.Loc.Lng, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := m["last_loc_update"]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			p.LastLocUpdate = time.UnixMilli(ms)
		}
	}
	if v, ok := m["disconnected_ts"]; ok && v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.UnixMilli(ms)
			p.DisconnectedAt = &t
		}
	}
	return p, nil
}

func (r *RedisStore) UpsertLocation(ctx context.Context, driverID, class string, lat, lng float64) error {
	fields := map[string]interface{}{
		"lat":             lat,
		"lng":             lng,
		"last_loc_update": time.Now().UnixMilli(),
	}
	if class != "" {
		fields["vehicle_class"] = class
	}
	return r.client.HSet(ctx, metaKey(driverID), fields).Err()
}

func (r *RedisStore) SetAvailable(ctx context.Context, driverID string, available bool) error {
	v := "0"
	if available {
		v = "1"
	}
	return r.client.HSet(ctx, metaKey(driverID), "available", v).Err()
}

func (r *RedisStore) SetChannel(ctx context.Context, driverID, channelID string) error {
	return r.client.HSet(ctx, metaKey(driverID), "channel_id", channelID).Err()
}

func (r *RedisStore) MarkDisconnected(ctx context.Context, driverID string, at time.Time) error {
	return r.client.HSet(ctx, metaKey(driverID), "disconnected_ts", at.UnixMilli()).Err()
}

func (r *RedisStore) ClearDisconnected(ctx context.Context, driverID string) error {
	return r.client.HDel(ctx, metaKey(driverID), "disconnected_ts").Err()
}
